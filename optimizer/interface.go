package optimizer

import (
	"fmt"

	"github.com/fractrain/go-fractrain/checkpoints"
)

// Optimizer defines the common interface for all optimizers
// Learning rates live on the parameter groups so schedulers can write them
// without knowing the optimizer type
type Optimizer interface {
	// Groups returns the parameter groups the optimizer updates
	Groups() []*ParamGroup

	// ZeroGrad clears the gradients of every parameter
	ZeroGrad()

	// Step performs a single optimization step over trainable groups
	Step() error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`       // "SGD", etc.
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // Per-parameter state tensors
}

// ToCheckpoint converts to the serializable checkpoint form
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	if s == nil {
		return nil
	}
	return &checkpoints.OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// FromCheckpoint converts a serialized optimizer state back
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	if s == nil {
		return nil
	}
	return &OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
