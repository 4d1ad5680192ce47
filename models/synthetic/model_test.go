package synthetic

import (
	"math"
	"testing"

	"github.com/fractrain/go-fractrain/training"
)

func newTestModel(t *testing.T, recurrent bool) *Model {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Recurrent = recurrent
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func newTestBatch(t *testing.T, n int) *training.Batch {
	t.Helper()
	ds, err := Blobs(n, DefaultConfig().InputDim, DefaultConfig().Classes, 0.5, 7)
	if err != nil {
		t.Fatalf("Blobs failed: %v", err)
	}
	batch := &training.Batch{}
	for i := 0; i < ds.Len(); i++ {
		x, y, _ := ds.Get(i)
		batch.Inputs = append(batch.Inputs, x)
		batch.Targets = append(batch.Targets, y)
	}
	return batch
}

func TestForwardMasks(t *testing.T) {
	m := newTestModel(t, false)
	batch := newTestBatch(t, 6)

	out, err := m.Forward(batch, training.PrecisionSpec{Bits: training.DefaultBits, GradBits: training.DefaultGradBits})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(out.Logits) != 6 || len(out.Logits[0]) != 4 {
		t.Fatalf("unexpected logits shape %dx%d", len(out.Logits), len(out.Logits[0]))
	}
	if len(out.Masks) != m.NumStages() || len(out.Masks[0]) != len(training.DefaultBits) {
		t.Fatalf("unexpected masks shape %dx%d", len(out.Masks), len(out.Masks[0]))
	}

	// gate probabilities sum to one per stage and sample
	for l := range out.Masks {
		for n := 0; n < 6; n++ {
			var sum float64
			for k := range out.Masks[l] {
				sum += float64(out.Masks[l][k].Values[n])
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Errorf("stage %d sample %d: mask mass %f, want 1", l, n, sum)
			}
		}
	}

	out, err = m.Forward(batch, training.PrecisionSpec{NumBits: 8, NumGradBits: 8})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Masks != nil {
		t.Error("precision forward should not produce masks")
	}

	if _, err := m.Forward(batch, training.PrecisionSpec{Bits: []int{4}, GradBits: []int{8}}); err == nil {
		t.Error("expected error for mismatched choice count")
	}
}

func TestBackwardWeightGradient(t *testing.T) {
	m := newTestModel(t, false)
	m.SetTraining(false)
	batch := newTestBatch(t, 5)
	ce := training.NewCrossEntropyLoss("mean")
	spec := training.PrecisionSpec{}

	loss := func() float64 {
		out, err := m.Forward(batch, spec)
		if err != nil {
			t.Fatal(err)
		}
		l, err := ce.Forward(out.Logits, batch.Targets)
		if err != nil {
			t.Fatal(err)
		}
		return l
	}

	out, _ := m.Forward(batch, spec)
	grad, err := ce.Backward(out.Logits, batch.Targets)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Backward(training.LossTerms{LogitGrad: grad}); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-2
	for _, idx := range []int{0, 3, 17} {
		orig := m.weight.Data[idx]
		m.weight.Data[idx] = orig + eps
		up := loss()
		m.weight.Data[idx] = orig - eps
		down := loss()
		m.weight.Data[idx] = orig

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-float64(m.weight.Grad[idx])) > 1e-3 {
			t.Errorf("dW[%d]: analytic %f, numeric %f", idx, m.weight.Grad[idx], numeric)
		}
	}
}

func TestBackwardGateGradient(t *testing.T) {
	m := newTestModel(t, false)
	m.SetTraining(false)
	batch := newTestBatch(t, 4)
	spec := training.FullPrecision(len(training.DefaultBits))

	maskWeights := [][]float64{
		{0.5, -0.2, 0.1, 0.3, -0.4},
		{0.0, 0.2, -0.1, 0.6, 0.1},
		{-0.3, 0.4, 0.2, -0.5, 0.2},
	}
	// f(G) = sum_lk w_lk * sum_n p_lk(n)
	objective := func() float64 {
		out, err := m.Forward(batch, spec)
		if err != nil {
			t.Fatal(err)
		}
		var f float64
		for l := range out.Masks {
			for k, mask := range out.Masks[l] {
				f += maskWeights[l][k] * mask.Sum()
			}
		}
		return f
	}

	out, _ := m.Forward(batch, spec)
	zero := make([][]float32, len(out.Logits))
	for n := range zero {
		zero[n] = make([]float32, len(out.Logits[n]))
	}
	if err := m.Backward(training.LossTerms{LogitGrad: zero, MaskWeights: maskWeights}); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-2
	for _, idx := range []int{0, 9, 40, 100} {
		orig := m.gate.Data[idx]
		m.gate.Data[idx] = orig + eps
		up := objective()
		m.gate.Data[idx] = orig - eps
		down := objective()
		m.gate.Data[idx] = orig

		numeric := (up - down) / (2 * eps)
		if math.Abs(numeric-float64(m.gate.Grad[idx])) > 1e-3 {
			t.Errorf("dG[%d]: analytic %f, numeric %f", idx, m.gate.Grad[idx], numeric)
		}
	}
}

func TestNormStats(t *testing.T) {
	m := newTestModel(t, false)
	batch := newTestBatch(t, 8)

	var mean float64
	for _, x := range batch.Inputs {
		mean += float64(x[0])
	}
	mean /= 8

	m.ResetNormStats()
	m.SetTraining(true)
	for i := 0; i < 3; i++ {
		if _, err := m.Forward(batch, training.PrecisionSpec{}); err != nil {
			t.Fatal(err)
		}
	}
	// cumulative mode averages identical batches to their mean
	if math.Abs(float64(m.runningMean.Data[0])-mean) > 1e-5 {
		t.Errorf("running mean %f, want %f", m.runningMean.Data[0], mean)
	}

	m.SetTraining(false)
	before := m.runningMean.Data[0]
	if _, err := m.Forward(newTestBatch(t, 3), training.PrecisionSpec{}); err != nil {
		t.Fatal(err)
	}
	if m.runningMean.Data[0] != before {
		t.Error("evaluation forward must not touch running statistics")
	}
}

func TestRepackageHidden(t *testing.T) {
	spec := training.PrecisionSpec{Bits: training.DefaultBits, GradBits: training.DefaultGradBits}

	for _, recurrent := range []bool{false, true} {
		m := newTestModel(t, recurrent)
		m.SetTraining(false)
		batch := newTestBatch(t, 4)

		first, _ := m.Forward(batch, spec)
		m.RepackageHidden()
		second, _ := m.Forward(batch, spec)

		changed := first.Masks[0][0].Values[0] != second.Masks[0][0].Values[0]
		if changed != recurrent {
			t.Errorf("recurrent=%v: gate output changed=%v after repackaging", recurrent, changed)
		}
	}
}

func TestQuantize(t *testing.T) {
	w := []float32{1, -0.5, 0.26, 0}
	full := quantize(w, 0)
	for i := range w {
		if full[i] != float64(w[i]) {
			t.Errorf("bits=0 should keep weights, got %v", full)
		}
	}

	// 2 bits: levels {-1, 0, 1} * max|w|
	q := quantize(w, 2)
	expected := []float64{1, -1, 0, 0}
	for i := range expected {
		if q[i] != expected[i] {
			t.Errorf("quantize(2)[%d] = %f, want %f", i, q[i], expected[i])
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{InputDim: 0, Classes: 2, Stages: 1, Choices: 1}); err == nil {
		t.Error("expected error for zero input dim")
	}
	if _, err := Blobs(0, 2, 2, 1, 1); err == nil {
		t.Error("expected error for empty blob dataset")
	}
}
