package checkpoints

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	latestName  = "checkpoint_latest"
	bestName    = "model_best"
	historyName = "record.txt"
)

// FileStore keeps checkpoints as files in one directory:
// checkpoint_<iter>_<prec>.<ext> per evaluation, checkpoint_latest and
// model_best aliases, and the record.txt history table
type FileStore struct {
	dir   string
	saver *CheckpointSaver

	// MaxCheckpoints bounds the number of per-iteration files kept (0 = unlimited).
	// Aliases are never removed.
	MaxCheckpoints int

	mu      sync.Mutex
	saved   []string
	history []HistoryRow
}

// NewFileStore creates the directory if needed and picks up an existing history
func NewFileStore(dir string, format CheckpointFormat) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint directory")
	}
	s := &FileStore{
		dir:   dir,
		saver: NewCheckpointSaver(format),
	}
	rows, err := readHistory(filepath.Join(dir, historyName))
	if err != nil {
		return nil, err
	}
	s.history = rows
	return s, nil
}

// Dir returns the store directory
func (s *FileStore) Dir() string {
	return s.dir
}

// LatestPath returns the path of the latest alias
func (s *FileStore) LatestPath() string {
	return filepath.Join(s.dir, latestName+"."+s.saver.Format().Extension())
}

// BestPath returns the path of the best alias
func (s *FileStore) BestPath() string {
	return filepath.Join(s.dir, bestName+"."+s.saver.Format().Extension())
}

// Save writes the per-iteration file, then refreshes the aliases
func (s *FileStore) Save(ctx context.Context, checkpoint *Checkpoint, isBest bool) (SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return SaveResult{}, err
	}
	data, err := s.saver.Marshal(checkpoint)
	if err != nil {
		return SaveResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filename := fmt.Sprintf("checkpoint_%05d_%.2f.%s",
		checkpoint.Iteration, checkpoint.Accuracy, s.saver.Format().Extension())
	path := filepath.Join(s.dir, filename)

	if err := writeFileAtomic(path, data); err != nil {
		return SaveResult{}, err
	}
	if err := writeFileAtomic(s.LatestPath(), data); err != nil {
		return SaveResult{}, errors.Wrap(err, "failed to update latest alias")
	}
	if isBest {
		if err := writeFileAtomic(s.BestPath(), data); err != nil {
			return SaveResult{}, errors.Wrap(err, "failed to update best alias")
		}
	}

	s.saved = append(s.saved, path)
	if err := s.cleanupOldCheckpoints(); err != nil {
		return SaveResult{}, err
	}

	return SaveResult{ID: checkpoint.Metadata.ID, Ref: path, Bytes: len(data)}, nil
}

// Load reads a checkpoint file or alias. The codec follows the file extension.
func (s *FileStore) Load(ctx context.Context, ref string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := ref
	switch ref {
	case AliasLatest:
		path = s.LatestPath()
	case AliasBest:
		path = s.BestPath()
	}
	return NewCheckpointSaver(DetectFormat(path)).LoadCheckpoint(path)
}

// AppendHistory adds a row and rewrites record.txt
func (s *FileStore) AppendHistory(ctx context.Context, row HistoryRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, row)

	var buf bytes.Buffer
	buf.WriteString("# iter epoch train_loss train_acc test_acc\n")
	for _, h := range s.history {
		fmt.Fprintf(&buf, "%d %d %s\n", h.Iteration, h.Epoch, h.String())
	}
	return writeFileAtomic(filepath.Join(s.dir, historyName), buf.Bytes())
}

// History returns the rows written so far
func (s *FileStore) History(ctx context.Context) ([]HistoryRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryRow(nil), s.history...), nil
}

// Close is a no-op; files are flushed on every write
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) cleanupOldCheckpoints() error {
	if s.MaxCheckpoints <= 0 || len(s.saved) <= s.MaxCheckpoints {
		return nil
	}

	toRemove := len(s.saved) - s.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(s.saved[i]); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove old checkpoint %s", s.saved[i])
		}
	}
	s.saved = s.saved[toRemove:]
	return nil
}

func readHistory(path string) ([]HistoryRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read history")
	}

	var rows []HistoryRow
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var h HistoryRow
		if _, err := fmt.Sscan(text, &h.Iteration, &h.Epoch, &h.TrainLoss, &h.TrainAcc, &h.TestAcc); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		rows = append(rows, h)
	}
	return rows, scanner.Err()
}
