package training

import (
	"math"

	"github.com/pkg/errors"
)

// Detector defaults
const (
	DefaultEpochKeep        = 5
	DefaultInitialThreshold = 0.15
	DefaultThresholdDecay   = 0.4
	DefaultNumTurningPoints = 3
	scaleLossEpochs         = 10
)

// TurningPointDetector watches per-epoch training loss for plateaus.
// It collects epochKeep losses, then reports a plateau when every older loss
// is within threshold of the newest one, relative to the loss scale.
type TurningPointDetector struct {
	threshold float64
	decay     float64
	epochKeep int

	history []float64
	diffs   []float64

	scaleLoss      float64
	scaleLossSum   float64
	scaleLossCount int
}

// DetectorState is the resumable part of the detector
type DetectorState struct {
	Threshold      float64
	History        []float64
	ScaleLoss      float64
	ScaleLossSum   float64
	ScaleLossCount int
}

// NewTurningPointDetector creates a detector; epochKeep must be at least 2
func NewTurningPointDetector(threshold, decay float64, epochKeep int) (*TurningPointDetector, error) {
	if epochKeep < 2 {
		return nil, errors.Wrapf(ErrInvalidConfig, "epoch_keep must be at least 2, got %d", epochKeep)
	}
	if threshold <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "turning point threshold must be positive, got %f", threshold)
	}
	d := &TurningPointDetector{
		threshold: threshold,
		decay:     decay,
		epochKeep: epochKeep,
		scaleLoss: 1,
	}
	d.Reset()
	return d, nil
}

// Threshold returns the current plateau threshold
func (d *TurningPointDetector) Threshold() float64 {
	return d.threshold
}

// ScaleLoss returns the loss scale diffs are divided by
func (d *TurningPointDetector) ScaleLoss() float64 {
	return d.scaleLoss
}

// Diffs returns the relative differences computed by the last full Evaluate
func (d *TurningPointDetector) Diffs() []float64 {
	return append([]float64(nil), d.diffs...)
}

// Full reports whether the history holds epochKeep losses
func (d *TurningPointDetector) Full() bool {
	return len(d.history) == d.epochKeep
}

// SetScaleLoss fixes the loss scale directly
func (d *TurningPointDetector) SetScaleLoss(v float64) {
	d.scaleLoss = v
}

// ObserveScaleLoss feeds the running mean of the first ten epoch losses into
// the scale. It reports whether the scale changed.
func (d *TurningPointDetector) ObserveScaleLoss(epoch int, epochLoss float64) bool {
	if epoch > scaleLossEpochs || epoch <= 0 {
		return false
	}
	d.scaleLossSum += epochLoss
	d.scaleLossCount = epoch
	d.scaleLoss = d.scaleLossSum / float64(epoch)
	return true
}

// RecordEpochLoss appends a loss, evicting the oldest beyond epochKeep
func (d *TurningPointDetector) RecordEpochLoss(loss float64) {
	if len(d.history) == d.epochKeep {
		copy(d.history, d.history[1:])
		d.history = d.history[:d.epochKeep-1]
	}
	d.history = append(d.history, loss)
}

// Evaluate reports a plateau. It is false until the history is full; a diff
// equal to the threshold still counts as plateau.
func (d *TurningPointDetector) Evaluate() bool {
	if !d.Full() {
		return false
	}
	newest := d.history[len(d.history)-1]
	for i := 0; i < len(d.history)-1; i++ {
		d.diffs[i] = math.Abs(d.history[i]-newest) / d.scaleLoss
	}
	for _, diff := range d.diffs {
		if diff > d.threshold {
			return false
		}
	}
	return true
}

// OnTurningPoint decays the threshold on the first and second turning point
// only, then clears the history for a fresh observation window
func (d *TurningPointDetector) OnTurningPoint(count int) {
	if count == 1 || count == 2 {
		d.threshold *= d.decay
	}
	d.Reset()
}

// Reset clears the loss history
func (d *TurningPointDetector) Reset() {
	d.history = make([]float64, 0, d.epochKeep)
	d.diffs = make([]float64, d.epochKeep-1)
	for i := range d.diffs {
		d.diffs[i] = 1
	}
}

// Snapshot returns the resumable state
func (d *TurningPointDetector) Snapshot() DetectorState {
	return DetectorState{
		Threshold:      d.threshold,
		History:        append([]float64(nil), d.history...),
		ScaleLoss:      d.scaleLoss,
		ScaleLossSum:   d.scaleLossSum,
		ScaleLossCount: d.scaleLossCount,
	}
}

// Restore loads a snapshot. A zero threshold keeps the configured one.
func (d *TurningPointDetector) Restore(s DetectorState) {
	if s.Threshold > 0 {
		d.threshold = s.Threshold
	}
	d.Reset()
	for _, loss := range s.History {
		d.RecordEpochLoss(loss)
	}
	if s.ScaleLoss > 0 {
		d.scaleLoss = s.ScaleLoss
	}
	d.scaleLossSum = s.ScaleLossSum
	d.scaleLossCount = s.ScaleLossCount
}
