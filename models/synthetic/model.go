// Package synthetic provides a small gated linear classifier that exercises
// the whole training controller without a real network: per-stage gates pick
// among precision choices, weights are fake-quantized per choice, and the
// gate masks feed the computation regularizer.
package synthetic

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fractrain/go-fractrain/optimizer"
	"github.com/fractrain/go-fractrain/training"
)

// Config describes the model shape
type Config struct {
	InputDim  int
	Classes   int
	Stages    int
	Choices   int
	Recurrent bool // carry gate state between batches like an RNN gate
	Seed      int64
}

// DefaultConfig returns a model matching the default five precision choices
func DefaultConfig() Config {
	return Config{
		InputDim: 8,
		Classes:  4,
		Stages:   3,
		Choices:  len(training.DefaultBits),
		Seed:     1,
	}
}

const (
	normMomentum  = 0.1
	hiddenScale   = 0.1
	initScale     = 0.1
	minQuantLevel = 2
)

// Model is a linear classifier whose logits mix per-choice quantized
// weights by the mean gate probability over stages
type Model struct {
	cfg Config

	weight      *optimizer.Param // [classes, inputDim]
	bias        *optimizer.Param // [classes]
	runningMean *optimizer.Param // [inputDim], buffer
	gate        *optimizer.Param // [stages, choices, inputDim]
	registry    *optimizer.Registry

	training   bool
	cumulative bool
	seen       int

	hidden  [][]float64 // [stages][choices]
	pending [][]float64

	// cached by Forward for Backward
	inputs [][]float64   // centered inputs
	outs   [][][]float64 // [choice][sample][class]
	probs  [][][]float64 // [stage][sample][choice]
	gated  bool
}

// New creates a randomly initialized model
func New(cfg Config) (*Model, error) {
	if cfg.InputDim <= 0 || cfg.Classes < 2 || cfg.Stages <= 0 || cfg.Choices <= 0 {
		return nil, errors.Errorf("invalid synthetic model config %+v", cfg)
	}
	m := &Model{
		cfg:         cfg,
		weight:      optimizer.NewParam("fc.weight", cfg.Classes, cfg.InputDim),
		bias:        optimizer.NewParam("fc.bias", cfg.Classes),
		runningMean: optimizer.NewParam("norm.running_mean", cfg.InputDim),
		gate:        optimizer.NewParam("control.weight", cfg.Stages, cfg.Choices, cfg.InputDim),
		training:    true,
	}
	m.runningMean.Buffer = true

	rng := rand.New(rand.NewSource(cfg.Seed))
	for i := range m.weight.Data {
		m.weight.Data[i] = float32(rng.NormFloat64() * initScale)
	}
	for i := range m.gate.Data {
		m.gate.Data[i] = float32(rng.NormFloat64() * initScale)
	}

	registry, err := optimizer.NewRegistry(
		optimizer.NewParamGroup(optimizer.GroupBackbone, optimizer.RoleBackbone, m.weight, m.bias, m.runningMean),
		optimizer.NewParamGroup(optimizer.GroupController, optimizer.RoleController, m.gate),
	)
	if err != nil {
		return nil, err
	}
	m.registry = registry

	m.hidden = zeros2(cfg.Stages, cfg.Choices)
	m.pending = zeros2(cfg.Stages, cfg.Choices)
	return m, nil
}

// Params implements training.Model
func (m *Model) Params() *optimizer.Registry {
	return m.registry
}

// NumStages implements training.Model
func (m *Model) NumStages() int {
	return m.cfg.Stages
}

// SetTraining implements training.Model
func (m *Model) SetTraining(training bool) {
	m.training = training
}

// ResetNormStats zeroes the running mean and switches to a cumulative
// average until the next reset
func (m *Model) ResetNormStats() {
	for i := range m.runningMean.Data {
		m.runningMean.Data[i] = 0
	}
	m.cumulative = true
	m.seen = 0
}

// RepackageHidden adopts the gate state of the last batch as a constant
func (m *Model) RepackageHidden() {
	if !m.cfg.Recurrent {
		return
	}
	for l := range m.hidden {
		copy(m.hidden[l], m.pending[l])
	}
}

// Forward implements training.Model
func (m *Model) Forward(batch *training.Batch, spec training.PrecisionSpec) (*training.Output, error) {
	if batch == nil || batch.Size() == 0 {
		return nil, errors.New("empty batch")
	}
	d := m.cfg.InputDim
	for n, x := range batch.Inputs {
		if len(x) != d {
			return nil, errors.Wrapf(training.ErrLengthMismatch, "sample %d has %d features, model expects %d", n, len(x), d)
		}
	}
	if m.training {
		m.updateNormStats(batch.Inputs)
	}

	m.inputs = make([][]float64, batch.Size())
	for n, x := range batch.Inputs {
		m.inputs[n] = make([]float64, d)
		for j := range x {
			m.inputs[n][j] = float64(x[j]) - float64(m.runningMean.Data[j])
		}
	}

	m.gated = len(spec.Bits) > 0
	if !m.gated {
		w := quantize(m.weight.Data, spec.NumBits)
		m.outs = [][][]float64{m.linear(w)}
		m.probs = nil
		return &training.Output{Logits: m.logits(func(n int) []float64 { return m.outs[0][n] })}, nil
	}

	if len(spec.Bits) != m.cfg.Choices {
		return nil, errors.Wrapf(training.ErrLengthMismatch, "spec has %d choices, model has %d", len(spec.Bits), m.cfg.Choices)
	}
	m.outs = make([][][]float64, m.cfg.Choices)
	for k, bits := range spec.Bits {
		m.outs[k] = m.linear(quantize(m.weight.Data, bits))
	}
	m.probs = m.gateProbs()

	masks := make([][]training.Mask, m.cfg.Stages)
	for l := range masks {
		masks[l] = make([]training.Mask, m.cfg.Choices)
		for k := range masks[l] {
			values := make([]float32, batch.Size())
			for n := range values {
				values[n] = float32(m.probs[l][n][k])
			}
			masks[l][k] = training.Mask{Shape: []int{batch.Size()}, Values: values}
		}
	}

	logits := m.logits(func(n int) []float64 {
		mixed := make([]float64, m.cfg.Classes)
		for k := range m.outs {
			w := m.mix(n, k)
			for c := range mixed {
				mixed[c] += w * m.outs[k][n][c]
			}
		}
		return mixed
	})
	return &training.Output{Logits: logits, Masks: masks}, nil
}

// Backward implements training.Model
func (m *Model) Backward(terms training.LossTerms) error {
	if len(terms.LogitGrad) != len(m.inputs) {
		return errors.Wrapf(training.ErrLengthMismatch, "logit gradient has %d rows, last batch had %d", len(terms.LogitGrad), len(m.inputs))
	}
	dW := m.weight.EnsureGrad()
	db := m.bias.EnsureGrad()
	dG := m.gate.EnsureGrad()
	d, classes := m.cfg.InputDim, m.cfg.Classes

	for n, g := range terms.LogitGrad {
		x := m.inputs[n]
		for c := 0; c < classes; c++ {
			db[c] += g[c]
		}

		if !m.gated {
			for c := 0; c < classes; c++ {
				for j := 0; j < d; j++ {
					dW[c*d+j] += g[c] * float32(x[j])
				}
			}
			continue
		}

		// straight-through: every quantized path passes its share to W
		dMix := make([]float64, m.cfg.Choices)
		for k := range m.outs {
			w := m.mix(n, k)
			for c := 0; c < classes; c++ {
				gc := float64(g[c])
				dMix[k] += gc * m.outs[k][n][c]
				for j := 0; j < d; j++ {
					dW[c*d+j] += float32(w * gc * x[j])
				}
			}
		}

		for l := 0; l < m.cfg.Stages; l++ {
			p := m.probs[l][n]
			dp := make([]float64, len(p))
			var dot float64
			for k := range p {
				dp[k] = dMix[k] / float64(m.cfg.Stages)
				if l < len(terms.MaskWeights) && k < len(terms.MaskWeights[l]) {
					dp[k] += terms.MaskWeights[l][k]
				}
				dot += p[k] * dp[k]
			}
			for k := range p {
				dz := p[k] * (dp[k] - dot)
				base := (l*m.cfg.Choices + k) * d
				for j := 0; j < d; j++ {
					dG[base+j] += float32(dz * x[j])
				}
			}
		}
	}
	return nil
}

func (m *Model) updateNormStats(inputs [][]float32) {
	d := m.cfg.InputDim
	mean := make([]float64, d)
	for _, x := range inputs {
		for j := range x {
			mean[j] += float64(x[j])
		}
	}
	for j := range mean {
		mean[j] /= float64(len(inputs))
	}

	rm := m.runningMean.Data
	if m.cumulative {
		m.seen++
		for j := range rm {
			rm[j] += float32((mean[j] - float64(rm[j])) / float64(m.seen))
		}
		return
	}
	for j := range rm {
		rm[j] = float32((1-normMomentum)*float64(rm[j]) + normMomentum*mean[j])
	}
}

func (m *Model) linear(w []float64) [][]float64 {
	d, classes := m.cfg.InputDim, m.cfg.Classes
	out := make([][]float64, len(m.inputs))
	for n, x := range m.inputs {
		out[n] = make([]float64, classes)
		for c := 0; c < classes; c++ {
			var s float64
			for j := 0; j < d; j++ {
				s += w[c*d+j] * x[j]
			}
			out[n][c] = s
		}
	}
	return out
}

func (m *Model) logits(row func(n int) []float64) [][]float32 {
	logits := make([][]float32, len(m.inputs))
	for n := range m.inputs {
		r := row(n)
		logits[n] = make([]float32, m.cfg.Classes)
		for c := range r {
			logits[n][c] = float32(r[c]) + m.bias.Data[c]
		}
	}
	return logits
}

// gateProbs computes softmax(G·x + hidden) per stage and sample
func (m *Model) gateProbs() [][][]float64 {
	d, k := m.cfg.InputDim, m.cfg.Choices
	probs := make([][][]float64, m.cfg.Stages)
	for l := range probs {
		probs[l] = make([][]float64, len(m.inputs))
		meanZ := make([]float64, k)
		for n, x := range m.inputs {
			z := make([]float64, k)
			for c := 0; c < k; c++ {
				base := (l*k + c) * d
				for j := 0; j < d; j++ {
					z[c] += float64(m.gate.Data[base+j]) * x[j]
				}
				z[c] += hiddenScale * m.hidden[l][c]
				meanZ[c] += z[c] / float64(len(m.inputs))
			}
			probs[l][n] = softmax(z)
		}
		copy(m.pending[l], meanZ)
	}
	return probs
}

// mix is the weight of choice k for sample n: the mean gate probability over stages
func (m *Model) mix(n, k int) float64 {
	var s float64
	for l := range m.probs {
		s += m.probs[l][n][k]
	}
	return s / float64(len(m.probs))
}

// quantize fake-quantizes w symmetrically to bits; bits <= 0 keeps full precision
func quantize(w []float32, bits int) []float64 {
	out := make([]float64, len(w))
	var maxAbs float64
	for i, v := range w {
		out[i] = float64(v)
		maxAbs = math.Max(maxAbs, math.Abs(out[i]))
	}
	if bits <= 0 || bits >= 32 || maxAbs == 0 {
		return out
	}
	if bits < minQuantLevel {
		bits = minQuantLevel
	}
	levels := math.Pow(2, float64(bits-1)) - 1
	scale := maxAbs / levels
	for i := range out {
		out[i] = math.Round(out[i]/scale) * scale
	}
	return out
}

func softmax(z []float64) []float64 {
	maxZ := z[0]
	for _, v := range z[1:] {
		maxZ = math.Max(maxZ, v)
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - maxZ)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func zeros2(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}
	return out
}
