package checkpoints

import (
	"context"
	"fmt"
)

// Alias names kept by every store
const (
	AliasLatest = "latest"
	AliasBest   = "best"
)

// HistoryRow is one evaluation cycle's summary, the row written to record.txt
type HistoryRow struct {
	Iteration int     `json:"iter"`
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	TrainAcc  float64 `json:"train_acc"`
	TestAcc   float64 `json:"test_acc"`
}

func (h HistoryRow) String() string {
	return fmt.Sprintf("%.6f %.4f %.4f", h.TrainLoss, h.TrainAcc, h.TestAcc)
}

// SaveResult describes a written checkpoint
type SaveResult struct {
	ID    string // record id from the checkpoint metadata
	Ref   string // path or row reference that Load accepts
	Bytes int
}

// Store persists checkpoint records, the latest/best aliases and the
// per-epoch history. Save must not expose a partially written record under
// the latest alias.
type Store interface {
	Save(ctx context.Context, checkpoint *Checkpoint, isBest bool) (SaveResult, error)

	// Load accepts a reference returned by Save or one of the aliases
	Load(ctx context.Context, ref string) (*Checkpoint, error)

	AppendHistory(ctx context.Context, row HistoryRow) error
	History(ctx context.Context) ([]HistoryRow, error)

	Close() error
}
