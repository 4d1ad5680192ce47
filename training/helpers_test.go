package training

import (
	"testing"

	"github.com/fractrain/go-fractrain/optimizer"
)

// fakeModel returns confident, correct logits and uniform gate masks. It
// records what the controller passes in.
type fakeModel struct {
	classes  int
	stages   int
	registry *optimizer.Registry

	specs      []PrecisionSpec
	lastTerms  LossTerms
	backwards  int
	training   bool
	normResets int
	repackaged int
}

func newFakeModel(t *testing.T, stages int) *fakeModel {
	t.Helper()
	w := optimizer.NewParam("fc.weight", 2, 2)
	copy(w.Data, []float32{1, 2, 3, 4})
	bn := optimizer.NewParam("bn.running_mean", 2)
	bn.Buffer = true
	gate := optimizer.NewParam("control.weight", 3)
	copy(gate.Data, []float32{0.5, 0.5, 0.5})

	registry, err := optimizer.NewRegistry(
		optimizer.NewParamGroup(optimizer.GroupBackbone, optimizer.RoleBackbone, w, bn),
		optimizer.NewParamGroup(optimizer.GroupController, optimizer.RoleController, gate),
	)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeModel{classes: 3, stages: stages, registry: registry, training: true}
}

func (m *fakeModel) Forward(batch *Batch, spec PrecisionSpec) (*Output, error) {
	m.specs = append(m.specs, spec)

	out := &Output{Logits: make([][]float32, batch.Size())}
	for n, y := range batch.Targets {
		out.Logits[n] = make([]float32, m.classes)
		out.Logits[n][y] = 2
	}
	if len(spec.Bits) == 0 {
		return out, nil
	}

	k := len(spec.Bits)
	out.Masks = make([][]Mask, m.stages)
	for l := range out.Masks {
		out.Masks[l] = make([]Mask, k)
		for c := range out.Masks[l] {
			values := make([]float32, batch.Size())
			for n := range values {
				values[n] = 1 / float32(k)
			}
			out.Masks[l][c] = Mask{Shape: []int{batch.Size()}, Values: values}
		}
	}
	return out, nil
}

func (m *fakeModel) Backward(terms LossTerms) error {
	m.backwards++
	m.lastTerms = terms
	for _, p := range m.registry.Params() {
		if p.Buffer {
			continue
		}
		g := p.EnsureGrad()
		for j := range g {
			g[j] += 0.1
		}
	}
	return nil
}

func (m *fakeModel) SetTraining(training bool)   { m.training = training }
func (m *fakeModel) Params() *optimizer.Registry { return m.registry }
func (m *fakeModel) NumStages() int              { return m.stages }
func (m *fakeModel) ResetNormStats()             { m.normResets++ }
func (m *fakeModel) RepackageHidden()            { m.repackaged++ }

func newFakeLoader(t *testing.T, samples, batchSize int) *DataLoader {
	t.Helper()
	inputs := make([][]float32, samples)
	targets := make([]int, samples)
	for i := range inputs {
		inputs[i] = []float32{float32(i), 1}
		targets[i] = i % 3
	}
	ds, err := NewSliceDataset(inputs, targets)
	if err != nil {
		t.Fatal(err)
	}
	loader, err := NewDataLoader(ds, batchSize, false, 1)
	if err != nil {
		t.Fatal(err)
	}
	return loader
}

func newTestSGD(t *testing.T, model Model) *optimizer.SGD {
	t.Helper()
	cfg := optimizer.DefaultSGDConfig()
	cfg.LearningRate = 0.01
	sgd, err := optimizer.NewSGD(cfg, model.Params().Groups())
	if err != nil {
		t.Fatal(err)
	}
	return sgd
}

// newTestConfig is a small dynamic-ratio run: 2-sample batches, evaluation every 5 iterations
func newTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Iters = 20
	cfg.BatchSize = 2
	cfg.EvalEvery = 5
	cfg.PrintFreq = 5
	cfg.LR = 0.01
	return cfg
}
