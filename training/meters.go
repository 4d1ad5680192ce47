package training

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// AverageMeter computes and stores the latest value and a weighted running average.
// Avg is only meaningful after the first Update.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count float64
	Avg   float64
}

// Reset zeroes all statistics
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

// Update records value with the given weight (typically the batch size)
func (m *AverageMeter) Update(value, weight float64) {
	m.Val = value
	m.Sum += value * weight
	m.Count += weight
	if m.Count != 0 {
		m.Avg = m.Sum / m.Count
	}
}

// UpdateOne records value with weight 1
func (m *AverageMeter) UpdateOne(value float64) {
	m.Update(value, 1)
}

// VectorMeter is the per-position counterpart of AverageMeter over a fixed-length vector
type VectorMeter struct {
	Val   []float64
	Sum   []float64
	Avg   []float64
	Count float64
}

// NewVectorMeter creates a meter for vectors of length n
func NewVectorMeter(n int) *VectorMeter {
	m := &VectorMeter{}
	m.SetLen(n)
	return m
}

// SetLen reallocates the meter for vectors of length n and resets it
func (m *VectorMeter) SetLen(n int) {
	m.Val = make([]float64, n)
	m.Sum = make([]float64, n)
	m.Avg = make([]float64, n)
	m.Count = 0
}

// Len returns the configured vector length
func (m *VectorMeter) Len() int {
	return len(m.Sum)
}

// Reset zeroes the statistics keeping the length
func (m *VectorMeter) Reset() {
	m.SetLen(m.Len())
}

// Update records vals with the given weight
func (m *VectorMeter) Update(vals []float64, weight float64) error {
	if len(vals) != m.Len() {
		return errors.Wrapf(ErrLengthMismatch, "vector meter expects %d values, got %d", m.Len(), len(vals))
	}
	copy(m.Val, vals)
	floats.AddScaled(m.Sum, weight, vals)
	m.Count += weight
	if m.Count != 0 {
		floats.ScaleTo(m.Avg, 1/m.Count, m.Sum)
	}
	return nil
}
