package training

import (
	"fmt"

	"github.com/pkg/errors"
)

// MetricType represents the classification metrics derived from a confusion matrix
type MetricType int

const (
	// Multi-class Metrics
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	// Cached metrics to avoid recomputation
	cachedMetrics map[MetricType]float64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Update adds the argmax predictions of a batch of logits
func (cm *ConfusionMatrix) Update(logits [][]float32, targets []int) error {
	if len(logits) != len(targets) {
		return errors.Wrapf(ErrLengthMismatch, "%d logit rows for %d targets", len(logits), len(targets))
	}
	for i, row := range logits {
		if len(row) != cm.NumClasses {
			return errors.Wrapf(ErrLengthMismatch, "class count mismatch: expected %d, got %d", cm.NumClasses, len(row))
		}
		predClass := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[predClass] {
				predClass = j
			}
		}

		trueClass := targets[i]
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return errors.Errorf("target %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}

	// Invalidate cached metrics
	cm.cachedMetrics = make(map[MetricType]float64)
	return nil
}

// GetMetric calculates and caches a metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if value, exists := cm.cachedMetrics[metric]; exists {
		return value
	}

	var result float64
	switch metric {
	case MacroPrecision:
		result = cm.calculateMacroPrecision()
	case MacroRecall:
		result = cm.calculateMacroRecall()
	case MacroF1:
		result = harmonicMean(cm.calculateMacroPrecision(), cm.calculateMacroRecall())
	case MicroPrecision, MicroRecall, MicroF1:
		// every miss is one false positive and one false negative, so all
		// three coincide with accuracy for single-label classification
		result = cm.GetAccuracy()
	default:
		return 0.0
	}

	cm.cachedMetrics[metric] = result
	return result
}

// ClassRecall returns the fraction of samples of class c predicted as c
func (cm *ConfusionMatrix) ClassRecall(c int) float64 {
	tp, fn := cm.classCounts(c)
	if tp+fn == 0 {
		return 0.0
	}
	return tp / (tp + fn)
}

func (cm *ConfusionMatrix) classCounts(c int) (tp, fn float64) {
	tp = float64(cm.Matrix[c][c])
	for other := 0; other < cm.NumClasses; other++ {
		if other != c {
			fn += float64(cm.Matrix[c][other])
		}
	}
	return tp, fn
}

func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp := 0.0
		for otherClass := 0; otherClass < cm.NumClasses; otherClass++ {
			if otherClass != class {
				fp += float64(cm.Matrix[otherClass][class])
			}
		}
		if tp+fp > 0 {
			sum += tp / (tp + fp)
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	sum := 0.0
	validClasses := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp, fn := cm.classCounts(class)
		if tp+fn > 0 {
			sum += tp / (tp + fn)
			validClasses++
		}
	}

	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func harmonicMean(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// GetAccuracy returns overall classification accuracy as a fraction
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}
