package optimizer

import (
	"fmt"
	"sort"
)

// Role classifies a parameter group by the part of the network it belongs to
type Role int

const (
	// RoleBackbone marks the main network weights (convolutions, BN, classifier)
	RoleBackbone Role = iota
	// RoleController marks the decision-making sub-network: the gating/precision
	// controller, its gradient-estimator companion and the per-stage gate layers
	RoleController
)

func (r Role) String() string {
	switch r {
	case RoleBackbone:
		return "backbone"
	case RoleController:
		return "controller"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// Well-known group names exposed by gated models
const (
	GroupBackbone       = "backbone"
	GroupController     = "controller"
	GroupControllerGrad = "controller_grad"
	GroupGates          = "gates"
)

// Param is a single named parameter tensor held in host memory.
// Grad is populated by the model's backward pass and consumed by the optimizer.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32

	// Buffer marks non-trainable state that is still part of the model weights,
	// e.g. normalization running statistics
	Buffer bool
}

// NewParam allocates a zeroed parameter of the given shape
func NewParam(name string, shape ...int) *Param {
	size := calculateTensorSize(shape)
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, size),
	}
}

// Size returns the number of elements in the parameter
func (p *Param) Size() int {
	return len(p.Data)
}

// ZeroGrad clears the gradient buffer if one is allocated
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// EnsureGrad allocates the gradient buffer on first use
func (p *Param) EnsureGrad() []float32 {
	if len(p.Grad) != len(p.Data) {
		p.Grad = make([]float32, len(p.Data))
	}
	return p.Grad
}

// ParamGroup is a named handle over a subset of model parameters sharing a
// learning rate and a trainable flag
type ParamGroup struct {
	Name      string
	Role      Role
	Params    []*Param
	LR        float64
	Trainable bool
}

// NewParamGroup creates a trainable group
func NewParamGroup(name string, role Role, params ...*Param) *ParamGroup {
	return &ParamGroup{
		Name:      name,
		Role:      role,
		Params:    params,
		Trainable: true,
	}
}

// SetTrainable toggles gradient updates for every parameter of the group
func (g *ParamGroup) SetTrainable(trainable bool) {
	g.Trainable = trainable
}

// NumElements returns the total element count over the group
func (g *ParamGroup) NumElements() int {
	total := 0
	for _, p := range g.Params {
		total += p.Size()
	}
	return total
}

// Registry is the explicit, ordered set of parameter groups a model exposes.
// Freezing and learning-rate updates operate on group handles from here.
type Registry struct {
	groups []*ParamGroup
	byName map[string]*ParamGroup
}

// NewRegistry creates a registry from the given groups, preserving order
func NewRegistry(groups ...*ParamGroup) (*Registry, error) {
	r := &Registry{byName: make(map[string]*ParamGroup)}
	for _, g := range groups {
		if err := r.Add(g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a group; names must be unique
func (r *Registry) Add(g *ParamGroup) error {
	if g == nil {
		return fmt.Errorf("param group cannot be nil")
	}
	if _, exists := r.byName[g.Name]; exists {
		return fmt.Errorf("duplicate param group %q", g.Name)
	}
	r.groups = append(r.groups, g)
	r.byName[g.Name] = g
	return nil
}

// Groups returns all groups in registration order
func (r *Registry) Groups() []*ParamGroup {
	return r.groups
}

// Group looks up a group by name
func (r *Registry) Group(name string) (*ParamGroup, bool) {
	g, ok := r.byName[name]
	return g, ok
}

// ByRole returns every group with the given role
func (r *Registry) ByRole(role Role) []*ParamGroup {
	var out []*ParamGroup
	for _, g := range r.groups {
		if g.Role == role {
			out = append(out, g)
		}
	}
	return out
}

// Params returns every parameter in group order
func (r *Registry) Params() []*Param {
	var out []*Param
	for _, g := range r.groups {
		out = append(out, g.Params...)
	}
	return out
}

// TrainableSummary returns the sorted names of trainable and frozen groups
func (r *Registry) TrainableSummary() (trainable, frozen []string) {
	for _, g := range r.groups {
		if g.Trainable {
			trainable = append(trainable, g.Name)
		} else {
			frozen = append(frozen, g.Name)
		}
	}
	sort.Strings(trainable)
	sort.Strings(frozen)
	return trainable, frozen
}

// calculateTensorSize returns the element count for a shape
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}
