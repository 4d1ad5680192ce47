package training

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default precision choices offered to dynamic-ratio models, one entry per
// mask column
var (
	DefaultBits     = []int{3, 4, 4, 6, 6}
	DefaultGradBits = []int{6, 6, 8, 8, 12}
)

const fullBits = 32

// CostTables are the relative per-choice costs of the forward pass (Fw),
// error backpropagation (Eb) and weight-gradient computation (Gc)
type CostTables struct {
	Bits     []int
	GradBits []int

	Fw []float64
	Eb []float64
	Gc []float64
}

// NewCostTables derives the cost tables from the bit choices.
// weightBits of 0 means weights are not quantized and cost like 32 bits.
func NewCostTables(bits, gradBits []int, weightBits int) (CostTables, error) {
	if len(bits) == 0 {
		return CostTables{}, errors.Wrap(ErrInvalidConfig, "at least one precision choice is required")
	}
	if len(bits) != len(gradBits) {
		return CostTables{}, errors.Wrapf(ErrLengthMismatch, "%d bit choices but %d gradient bit choices", len(bits), len(gradBits))
	}
	if weightBits < 0 || weightBits > fullBits {
		return CostTables{}, errors.Wrapf(ErrInvalidConfig, "weight bits out of range: %d", weightBits)
	}
	if weightBits == 0 {
		weightBits = fullBits
	}

	t := CostTables{
		Bits:     append([]int(nil), bits...),
		GradBits: append([]int(nil), gradBits...),
		Fw:       make([]float64, len(bits)),
		Eb:       make([]float64, len(bits)),
		Gc:       make([]float64, len(bits)),
	}
	wb := float64(weightBits) / fullBits
	for k := range bits {
		t.Fw[k] = float64(bits[k]) / fullBits * wb
		t.Eb[k] = float64(gradBits[k]) / fullBits * wb
		t.Gc[k] = float64(bits[k]) * float64(gradBits[k]) / fullBits / fullBits
	}
	return t, nil
}

// Len returns the number of precision choices
func (t CostTables) Len() int {
	return len(t.Fw)
}

// CostInfo holds the per-stage FLOP weights (Conv) and the FLOPs of the
// depthwise-separable layers that are not gated (Dws)
type CostInfo struct {
	Conv []float64 `yaml:"conv" json:"conv"`
	Dws  []float64 `yaml:"dws,omitempty" json:"dws,omitempty"`
}

// UniformCostInfo weights every stage equally
func UniformCostInfo(stages int) CostInfo {
	conv := make([]float64, stages)
	for i := range conv {
		conv[i] = 1
	}
	return CostInfo{Conv: conv}
}

// LoadCostInfo reads a {conv: [...], dws: [...]} document; JSON files parse too
func LoadCostInfo(path string) (CostInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CostInfo{}, errors.Wrap(err, "failed to read cost info")
	}
	var info CostInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return CostInfo{}, errors.Wrapf(err, "failed to parse cost info %s", path)
	}
	if len(info.Conv) == 0 {
		return CostInfo{}, errors.Wrapf(ErrInvalidConfig, "cost info %s has no conv entries", path)
	}
	return info, nil
}

// DwsCost returns the per-sample forward, error and gradient FLOPs of the
// depthwise-separable layers at the given precision
func (c CostInfo) DwsCost(dwsBits, dwsGradBits int) (fw, eb, gc float64) {
	var total float64
	for _, f := range c.Dws {
		total += f
	}
	fw = total * float64(dwsBits) * float64(dwsBits) / fullBits / fullBits
	eb = total * float64(dwsBits) * float64(dwsGradBits) / fullBits / fullBits
	return fw, eb, eb
}

// PrecisionCostRatio is the relative cost of running every layer at a
// single precision pair; 0 bits is treated as full precision
func PrecisionCostRatio(numBits, numGradBits int) float64 {
	if numBits <= 0 {
		numBits = fullBits
	}
	if numGradBits <= 0 {
		numGradBits = fullBits
	}
	nb, ngb := float64(numBits), float64(numGradBits)
	fw := nb * nb / fullBits / fullBits
	eb := nb * ngb / fullBits / fullBits
	return (fw + 2*eb) / 3
}
