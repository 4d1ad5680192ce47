package optimizer

import (
	"fmt"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Dampening    float64
	Nesterov     bool
}

// DefaultSGDConfig returns the SGD configuration used for CIFAR ResNet training
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.1,
		Momentum:     0.9,
		WeightDecay:  1e-4,
		Dampening:    0.0,
		Nesterov:     false,
	}
}

// SGD is a host-memory stochastic gradient descent optimizer with momentum and
// L2 weight decay, following the PyTorch update rule
type SGD struct {
	config SGDConfig
	groups []*ParamGroup

	// momentumBuffers is indexed by the parameter's position in Params order
	momentumBuffers [][]float32
	params          []*Param

	StepCount uint64
}

// NewSGD creates a new SGD optimizer over the given groups.
// Every group starts at config.LearningRate.
func NewSGD(config SGDConfig, groups []*ParamGroup) (*SGD, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}

	sgd := &SGD{
		config: config,
		groups: groups,
	}
	for _, g := range groups {
		g.LR = config.LearningRate
		sgd.params = append(sgd.params, g.Params...)
	}
	sgd.momentumBuffers = make([][]float32, len(sgd.params))

	return sgd, nil
}

// Groups returns the parameter groups
func (sgd *SGD) Groups() []*ParamGroup {
	return sgd.groups
}

// ZeroGrad clears all gradients
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

// Step performs a single SGD optimization step
func (sgd *SGD) Step() error {
	sgd.StepCount++

	idx := 0
	for _, g := range sgd.groups {
		for _, p := range g.Params {
			bufIdx := idx
			idx++

			if !g.Trainable || p.Buffer || p.Grad == nil {
				continue
			}
			if len(p.Grad) != len(p.Data) {
				return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, len(p.Grad), len(p.Data))
			}

			lr := float32(g.LR)
			wd := float32(sgd.config.WeightDecay)
			mom := float32(sgd.config.Momentum)
			damp := float32(sgd.config.Dampening)

			var buf []float32
			first := false
			if mom > 0 {
				buf = sgd.momentumBuffers[bufIdx]
				if buf == nil {
					buf = make([]float32, len(p.Data))
					sgd.momentumBuffers[bufIdx] = buf
					first = true
				}
			}

			for i := range p.Data {
				d := p.Grad[i]
				if wd != 0 {
					d += wd * p.Data[i]
				}
				if mom > 0 {
					if first {
						buf[i] = d
					} else {
						buf[i] = mom*buf[i] + (1-damp)*d
					}
					if sgd.config.Nesterov {
						d += mom * buf[i]
					} else {
						d = buf[i]
					}
				}
				p.Data[i] -= lr * d
			}
		}
	}

	return nil
}

// GetStepCount returns the current step count
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"momentum":     sgd.config.Momentum,
			"weight_decay": sgd.config.WeightDecay,
			"dampening":    sgd.config.Dampening,
			"nesterov":     sgd.config.Nesterov,
			"step_count":   sgd.StepCount,
		},
	}

	for i, buf := range sgd.momentumBuffers {
		if buf == nil {
			continue
		}
		state.StateData = append(state.StateData, newOptimizerTensor(
			fmt.Sprintf("momentum_%d", i), sgd.params[i].Shape, buf, "momentum"))
	}

	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.config.Momentum = extractFloat64Param(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Dampening = extractFloat64Param(state.Parameters, "dampening", sgd.config.Dampening)
	sgd.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.config.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if len(tensor.Data) != sgd.params[idx].Size() {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				tensor.Name, sgd.params[idx].Size(), len(tensor.Data))
		}
		sgd.momentumBuffers[idx] = append([]float32(nil), tensor.Data...)
	}

	return nil
}
