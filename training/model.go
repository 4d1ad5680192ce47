package training

import (
	"github.com/fractrain/go-fractrain/optimizer"
)

// Batch is one mini-batch of samples and class targets
type Batch struct {
	Inputs  [][]float32
	Targets []int
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Targets)
}

// PrecisionSpec selects the arithmetic of one forward/backward call.
// Dynamic-ratio models read the per-choice bit arrays; precision models read
// the scalar pair. Zero everywhere means full precision.
type PrecisionSpec struct {
	Bits     []int
	GradBits []int

	NumBits     int // -1 lets the model pick per layer
	NumGradBits int
}

// FullPrecision returns the spec with k zeroed choices
func FullPrecision(k int) PrecisionSpec {
	return PrecisionSpec{
		Bits:     make([]int, k),
		GradBits: make([]int, k),
	}
}

// IsFullPrecision reports whether every bit-width is zero
func (p PrecisionSpec) IsFullPrecision() bool {
	if p.NumBits != 0 || p.NumGradBits != 0 {
		return false
	}
	for i := range p.Bits {
		if p.Bits[i] != 0 {
			return false
		}
	}
	for i := range p.GradBits {
		if p.GradBits[i] != 0 {
			return false
		}
	}
	return true
}

// Mask is the decision mask of one stage and one precision choice over a batch
type Mask struct {
	Shape  []int
	Values []float32
}

// Sum returns the total selection mass
func (m Mask) Sum() float64 {
	var s float64
	for _, v := range m.Values {
		s += float64(v)
	}
	return s
}

// Size returns the number of mask entries
func (m Mask) Size() int {
	return len(m.Values)
}

// Output is the result of a forward pass
type Output struct {
	Logits [][]float32 // [batch][classes]
	Masks  [][]Mask    // [stage][choice]; nil for precision models
}

// Model is the network under training. Quantization, gating and gradient
// computation are the model's business; the controller only sees logits,
// masks and the parameter registry.
type Model interface {
	Forward(batch *Batch, spec PrecisionSpec) (*Output, error)

	// Backward accumulates gradients of terms.Total into the parameter registry
	// for the last Forward call
	Backward(terms LossTerms) error

	SetTraining(training bool)
	Params() *optimizer.Registry
	NumStages() int
}

// NormStatsResetter is implemented by models with normalization running
// statistics that can be recomputed from data
type NormStatsResetter interface {
	ResetNormStats()
}

// HiddenStateRepackager is implemented by recurrent gates whose hidden state
// must be detached after each optimizer step
type HiddenStateRepackager interface {
	RepackageHidden()
}

// Loader yields batches; Next returns nil at the end of an epoch
type Loader interface {
	Len() int
	Reset()
	Next() (*Batch, error)
}
