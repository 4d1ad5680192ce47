package checkpoints

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestFileStoreAliases(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), FormatJSON)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	first := newTestCheckpoint()
	first.Iteration, first.Accuracy = 100, 50
	res, err := store.Save(ctx, first, true)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Base(res.Ref) != "checkpoint_00100_50.00.json" {
		t.Errorf("unexpected filename %s", filepath.Base(res.Ref))
	}

	second := newTestCheckpoint()
	second.Iteration, second.Accuracy = 200, 40
	if _, err := store.Save(ctx, second, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	latest, err := store.Load(ctx, AliasLatest)
	if err != nil {
		t.Fatalf("Load latest failed: %v", err)
	}
	if latest.Iteration != 200 {
		t.Errorf("latest alias should point at iteration 200, got %d", latest.Iteration)
	}

	best, err := store.Load(ctx, AliasBest)
	if err != nil {
		t.Fatalf("Load best failed: %v", err)
	}
	if best.Iteration != 100 {
		t.Errorf("best alias should point at iteration 100, got %d", best.Iteration)
	}

	byPath, err := store.Load(ctx, res.Ref)
	if err != nil {
		t.Fatalf("Load by path failed: %v", err)
	}
	if byPath.Metadata.ID != first.Metadata.ID {
		t.Errorf("expected id %s, got %s", first.Metadata.ID, byPath.Metadata.ID)
	}
}

func TestFileStoreMissingAlias(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), FormatProto)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if _, err := store.Load(context.Background(), AliasBest); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreRetention(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, FormatProto)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	store.MaxCheckpoints = 2

	var refs []string
	for i := 1; i <= 4; i++ {
		ck := newTestCheckpoint()
		ck.Iteration = i * 10
		res, err := store.Save(ctx, ck, i == 1)
		if err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
		refs = append(refs, res.Ref)
	}

	for i, ref := range refs {
		_, err := os.Stat(ref)
		kept := i >= 2
		if kept && err != nil {
			t.Errorf("checkpoint %s should be kept: %v", ref, err)
		}
		if !kept && !os.IsNotExist(err) {
			t.Errorf("checkpoint %s should have been removed", ref)
		}
	}

	// Aliases survive retention
	if _, err := os.Stat(store.BestPath()); err != nil {
		t.Errorf("best alias should survive retention: %v", err)
	}
	if _, err := os.Stat(store.LatestPath()); err != nil {
		t.Errorf("latest alias should exist: %v", err)
	}
}

func TestFileStoreHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, FormatJSON)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	rows := []HistoryRow{
		{Iteration: 100, Epoch: 1, TrainLoss: 2.1, TrainAcc: 20, TestAcc: 25},
		{Iteration: 200, Epoch: 2, TrainLoss: 1.7, TrainAcc: 35, TestAcc: 38.5},
	}
	for _, row := range rows {
		if err := store.AppendHistory(ctx, row); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	// A fresh store over the same directory picks the table back up
	reopened, err := NewFileStore(dir, FormatJSON)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	got, err := reopened.History(ctx)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), len(got))
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Errorf("row %d: expected %+v, got %+v", i, rows[i], got[i])
		}
	}
}
