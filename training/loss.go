package training

import (
	"math"

	"github.com/pkg/errors"
)

// Criterion computes the task loss and its gradient with respect to the logits
type Criterion interface {
	Forward(logits [][]float32, targets []int) (float64, error)
	Backward(logits [][]float32, targets []int) ([][]float32, error)
}

// CrossEntropyLoss implements Cross Entropy loss function for classification
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the Cross Entropy loss
// logits: [batch_size][num_classes]
// targets: [batch_size] class indices
func (ce *CrossEntropyLoss) Forward(logits [][]float32, targets []int) (float64, error) {
	if err := checkClassificationShapes(logits, targets); err != nil {
		return 0, err
	}

	var totalLoss float64
	for i, row := range logits {
		probs := softmax(row)
		prob := probs[targets[i]]
		// Add small epsilon to prevent log(0)
		if prob < 1e-10 {
			prob = 1e-10
		}
		totalLoss -= math.Log(prob)
	}

	if ce.reduction == "mean" {
		totalLoss /= float64(len(logits))
	}
	return totalLoss, nil
}

// Backward computes the gradient of Cross Entropy loss: softmax minus one-hot
func (ce *CrossEntropyLoss) Backward(logits [][]float32, targets []int) ([][]float32, error) {
	if err := checkClassificationShapes(logits, targets); err != nil {
		return nil, err
	}

	scale := 1.0
	if ce.reduction == "mean" {
		scale = 1.0 / float64(len(logits))
	}

	grad := make([][]float32, len(logits))
	for i, row := range logits {
		probs := softmax(row)
		probs[targets[i]] -= 1
		g := make([]float32, len(row))
		for j, p := range probs {
			g[j] = float32(p * scale)
		}
		grad[i] = g
	}
	return grad, nil
}

func checkClassificationShapes(logits [][]float32, targets []int) error {
	if len(logits) == 0 {
		return errors.New("empty batch")
	}
	if len(logits) != len(targets) {
		return errors.Errorf("batch size mismatch: predicted %d, target %d", len(logits), len(targets))
	}
	for i, row := range logits {
		if targets[i] < 0 || targets[i] >= len(row) {
			return errors.Errorf("target class %d out of range [0, %d)", targets[i], len(row))
		}
	}
	return nil
}

// softmax applies a numerically stable softmax to one row of logits
func softmax(row []float32) []float64 {
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	out := make([]float64, len(row))
	var sum float64
	for j, v := range row {
		e := math.Exp(float64(v - maxVal))
		out[j] = e
		sum += e
	}
	for j := range out {
		out[j] /= sum
	}
	return out
}

// Accuracy returns top-1 precision in percent
func Accuracy(logits [][]float32, targets []int) float64 {
	if len(logits) == 0 {
		return 0
	}
	correct := 0
	for i, row := range logits {
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if i < len(targets) && best == targets[i] {
			correct++
		}
	}
	return float64(correct) * 100 / float64(len(logits))
}
