package training

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CostRatios are computation percentages relative to full precision
type CostRatios struct {
	Total float64
	Fw    float64
	Eb    float64
	Gc    float64
}

// FullCost is the ratio reported when nothing is being saved
var FullCost = CostRatios{Total: 1, Fw: 1, Eb: 1, Gc: 1}

// LossTerms is everything the model's backward pass needs from one step.
// Total = Task + Computation*Signal, with Computation already multiplied by
// Scale. Gradient fields are derivatives of Total (times any loss scaling).
type LossTerms struct {
	Task        float64
	Computation float64
	Signal      float64
	Scale       float64 // ada-beta rescale, a constant for gradient purposes
	Total       float64

	Cost   float64
	Ratios CostRatios

	// MaskWeights[l][k] is dTotal/d(sum of mask l,k)
	MaskWeights [][]float64
	// LogitGrad is dTotal/dlogits, filled by the controller from the criterion
	LogitGrad [][]float32
}

// Neutral returns the terms of a step without computation regularization
func Neutral(task float64) LossTerms {
	return LossTerms{
		Task:   task,
		Scale:  1,
		Total:  task,
		Ratios: FullCost,
	}
}

// Scaled multiplies every gradient carrier by sf for loss scaling
func (t LossTerms) Scaled(sf float64) LossTerms {
	if sf == 0 || sf == 1 {
		return t
	}
	out := t
	out.MaskWeights = make([][]float64, len(t.MaskWeights))
	for l := range t.MaskWeights {
		out.MaskWeights[l] = make([]float64, len(t.MaskWeights[l]))
		floats.ScaleTo(out.MaskWeights[l], sf, t.MaskWeights[l])
	}
	out.LogitGrad = make([][]float32, len(t.LogitGrad))
	for n, row := range t.LogitGrad {
		out.LogitGrad[n] = make([]float32, len(row))
		for c, g := range row {
			out.LogitGrad[n][c] = g * float32(sf)
		}
	}
	return out
}

// Signal is the regularization sign for the observed ratio: push down hard
// when above the band, pull up hard when below, nudge inside the band
func Signal(ratio, target, relax float64) float64 {
	switch {
	case ratio < target-relax:
		return -1
	case ratio >= target+relax:
		return 1
	case ratio >= target:
		return 0.1
	default:
		return -0.1
	}
}

// RegularizerConfig configures the computation-cost regularizer
type RegularizerConfig struct {
	Enabled     bool
	Beta        float64
	Relax       float64
	AdaBeta     bool
	BatchSize   int
	DwsBits     int
	DwsGradBits int
}

// Regularizer turns decision masks into a computation-cost loss term
type Regularizer struct {
	cfg    RegularizerConfig
	tables CostTables
	info   CostInfo

	convSum  float64
	convMean float64
	dwsFw    float64
	dwsEb    float64
	dwsGc    float64

	stats []*VectorMeter
}

// NewRegularizer validates the configuration and precomputes the FLOP sums
func NewRegularizer(cfg RegularizerConfig, tables CostTables, info CostInfo) (*Regularizer, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "batch size must be positive, got %d", cfg.BatchSize)
	}
	if tables.Len() == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "empty cost tables")
	}
	if len(info.Conv) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "cost info has no conv entries")
	}
	r := &Regularizer{
		cfg:      cfg,
		tables:   tables,
		info:     info,
		convSum:  floats.Sum(info.Conv),
		convMean: stat.Mean(info.Conv, nil),
	}
	if r.convMean == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "mean conv FLOPs is zero")
	}
	r.dwsFw, r.dwsEb, r.dwsGc = info.DwsCost(cfg.DwsBits, cfg.DwsGradBits)

	r.stats = make([]*VectorMeter, len(info.Conv))
	for l := range r.stats {
		r.stats[l] = NewVectorMeter(tables.Len())
	}
	return r, nil
}

// Tables returns the cost tables the regularizer was built with
func (r *Regularizer) Tables() CostTables {
	return r.tables
}

// NumStages returns the number of gated stages
func (r *Regularizer) NumStages() int {
	return len(r.info.Conv)
}

// Compute evaluates the cost of one forward pass against target and
// combines it with the task loss
func (r *Regularizer) Compute(masks [][]Mask, task, target float64) (LossTerms, error) {
	if len(masks) != len(r.info.Conv) {
		return LossTerms{}, errors.Wrapf(ErrLengthMismatch, "got masks for %d stages, cost info has %d", len(masks), len(r.info.Conv))
	}
	k := r.tables.Len()
	unit := make([]float64, k)
	for c := 0; c < k; c++ {
		unit[c] = r.tables.Fw[c] + r.tables.Eb[c] + r.tables.Gc[c]
	}

	batch := float64(r.cfg.BatchSize)
	var fw, eb, gc float64
	fractions := make([]float64, k)
	for l, stage := range masks {
		if len(stage) != k {
			return LossTerms{}, errors.Wrapf(ErrLengthMismatch, "stage %d has %d masks, expected %d", l, len(stage), k)
		}
		conv := r.info.Conv[l]
		for c, m := range stage {
			sum := m.Sum()
			if m.Size() > 0 {
				fractions[c] = sum / float64(m.Size())
			} else {
				fractions[c] = 0
			}
			fw += sum * r.tables.Fw[c] * conv
			eb += sum * r.tables.Eb[c] * conv
			gc += sum * r.tables.Gc[c] * conv
		}
		if err := r.stats[l].Update(fractions, 1); err != nil {
			return LossTerms{}, err
		}
	}
	fw += r.dwsFw * batch
	eb += r.dwsEb * batch
	gc += r.dwsGc * batch
	cost := fw + eb + gc

	terms := LossTerms{
		Task:  task,
		Scale: 1,
		Cost:  cost,
		Ratios: CostRatios{
			Total: cost / batch / (3*r.convSum+r.dwsFw+r.dwsEb+r.dwsGc) * 100,
			Fw:    fw / batch / (r.convSum + r.dwsFw) * 100,
			Eb:    eb / batch / (r.convSum + r.dwsEb) * 100,
			Gc:    gc / batch / (r.convSum + r.dwsGc) * 100,
		},
	}
	terms.Signal = Signal(terms.Ratios.Total, target, r.cfg.Relax)

	computation := cost / r.convMean * r.cfg.Beta
	if r.cfg.AdaBeta && computation > task/10 {
		terms.Scale = task / 10 / computation
	}
	terms.Computation = computation * terms.Scale

	terms.MaskWeights = make([][]float64, len(masks))
	for l := range masks {
		terms.MaskWeights[l] = make([]float64, k)
	}
	if !r.cfg.Enabled {
		terms.Total = task
		return terms, nil
	}

	terms.Total = task + terms.Computation*terms.Signal
	coeff := terms.Signal * terms.Scale * r.cfg.Beta / r.convMean
	for l := range masks {
		floats.AddScaled(terms.MaskWeights[l], coeff*r.info.Conv[l], unit)
	}
	return terms, nil
}

// LayerStats returns the running mean choice fraction per stage and choice
func (r *Regularizer) LayerStats() [][]float64 {
	out := make([][]float64, len(r.stats))
	for l, m := range r.stats {
		out[l] = append([]float64(nil), m.Avg...)
	}
	return out
}

// ResetStats clears the layer decision statistics
func (r *Regularizer) ResetStats() {
	for _, m := range r.stats {
		m.Reset()
	}
}
