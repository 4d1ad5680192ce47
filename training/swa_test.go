package training

import (
	"math"
	"testing"

	"github.com/pkg/errors"
)

func TestSWAUpdateIsRunningMean(t *testing.T) {
	avg := newFakeModel(t, 1)
	src := newFakeModel(t, 1)
	swa, err := NewSWA(avg)
	if err != nil {
		t.Fatal(err)
	}

	snapshots := [][]float32{
		{1, 2, 3, 4},
		{3, 2, 1, 0},
		{8, 8, 8, 8},
	}
	w := src.registry.Params()[0]
	bn := src.registry.Params()[1]
	for i, snap := range snapshots {
		copy(w.Data, snap)
		bn.Data[0] = float32(100 * (i + 1))
		if err := swa.Update(src); err != nil {
			t.Fatal(err)
		}
	}

	if swa.Count() != len(snapshots) {
		t.Errorf("expected count %d, got %d", len(snapshots), swa.Count())
	}
	got := avg.registry.Params()[0].Data
	for j := range got {
		var mean float64
		for _, snap := range snapshots {
			mean += float64(snap[j])
		}
		mean /= float64(len(snapshots))
		if math.Abs(float64(got[j])-mean) > 1e-5 {
			t.Errorf("element %d: expected %f, got %f", j, mean, got[j])
		}
	}
	if avg.registry.Params()[1].Data[0] != 0 {
		t.Error("normalization buffers should not be averaged")
	}
}

func TestSWAUpdateMismatch(t *testing.T) {
	swa, err := NewSWA(newFakeModel(t, 1))
	if err != nil {
		t.Fatal(err)
	}
	src := newFakeModel(t, 1)
	src.registry.Params()[0].Data = []float32{1}

	if err := swa.Update(src); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
	if swa.Count() != 0 {
		t.Error("a failed update should not count")
	}
}

func TestSWARefreshNormStats(t *testing.T) {
	model := newFakeModel(t, 1)
	swa, err := NewSWA(model)
	if err != nil {
		t.Fatal(err)
	}
	swa.Logger = newTestLogger()

	model.training = false
	if err := swa.RefreshNormStats(newFakeLoader(t, 6, 2), PrecisionSpec{NumBits: 4}); err != nil {
		t.Fatal(err)
	}
	if model.normResets != 1 {
		t.Errorf("expected one reset, got %d", model.normResets)
	}
	if len(model.specs) != 3 {
		t.Errorf("expected a forward per batch, got %d", len(model.specs))
	}
	if !model.training {
		t.Error("statistics must be gathered in training mode")
	}
	if model.repackaged != 3 {
		t.Errorf("expected hidden state repackaged per batch, got %d", model.repackaged)
	}

	if err := swa.RefreshNormStats(nil, PrecisionSpec{}); err != nil {
		t.Fatal(err)
	}
	if model.normResets != 1 {
		t.Error("an empty loader should skip the refresh")
	}
}

func TestSWAObserve(t *testing.T) {
	swa, err := NewSWA(newFakeModel(t, 1))
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		iter int
		acc  float64
		best bool
	}{
		{10, 50, true},
		{20, 40, false},
		{30, 70, true},
		{40, 70, false},
	}
	for _, s := range steps {
		if got := swa.Observe(s.iter, s.acc); got != s.best {
			t.Errorf("iter %d: expected best=%v, got %v", s.iter, s.best, got)
		}
	}
	best, at := swa.Best()
	if best != 70 || at != 30 {
		t.Errorf("expected best 70 at 30, got %g at %d", best, at)
	}

	swa.Restore(5, 90)
	if swa.Count() != 5 {
		t.Errorf("expected restored count 5, got %d", swa.Count())
	}
	if best, _ := swa.Best(); best != 90 {
		t.Errorf("expected restored best 90, got %g", best)
	}
}
