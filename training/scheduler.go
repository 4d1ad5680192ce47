package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fractrain/go-fractrain/optimizer"
)

// LRPolicy selects how the learning rate evolves with the iteration counter
type LRPolicy int

const (
	// LRPiecewise steps the rate down at fixed iterations 32000 and 48000
	LRPiecewise LRPolicy = iota
	// LRLinear decays linearly over a window expressed as a fraction of the run
	LRLinear
	// LRAnnealCosine follows a cosine from the base rate down to base*step²
	LRAnnealCosine
)

func (p LRPolicy) String() string {
	switch p {
	case LRPiecewise:
		return "piecewise"
	case LRLinear:
		return "linear"
	case LRAnnealCosine:
		return "anneal_cosine"
	default:
		return "unknown"
	}
}

// ParseLRPolicy parses a policy name as found in configuration files
func ParseLRPolicy(s string) (LRPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "piecewise", "":
		return LRPiecewise, nil
	case "linear":
		return LRLinear, nil
	case "anneal_cosine", "cosine":
		return LRAnnealCosine, nil
	default:
		return LRPiecewise, errors.Wrapf(ErrInvalidConfig, "unknown lr schedule %q", s)
	}
}

// LinearWindow is the [Start, End) fraction of the run over which the linear
// policy decays
type LinearWindow struct {
	Start float64
	End   float64
}

var (
	// LinearWindowRatio is used for dynamic-ratio training
	LinearWindowRatio = LinearWindow{Start: 0.25, End: 0.75}
	// LinearWindowPrecision is used for precision training
	LinearWindowPrecision = LinearWindow{Start: 0.5, End: 0.9}
)

const (
	warmUpLR          = 0.01
	warmUpIters       = 400
	piecewiseFirst    = 32000
	piecewiseSecond   = 48000
	linearFloorFactor = 0.01
)

// LRScheduler computes the learning rate as a pure function of the iteration
type LRScheduler struct {
	Policy     LRPolicy
	BaseLR     float64
	StepRatio  float64
	WarmUp     bool
	TotalIters int
	Window     LinearWindow

	// LogEvery controls how often Apply logs at info level (0 disables)
	LogEvery int
	Logger   logrus.FieldLogger
}

// Validate checks the parameters the selected policy needs
func (s *LRScheduler) Validate() error {
	if s.BaseLR < 0 {
		return errors.Wrapf(ErrInvalidConfig, "learning rate cannot be negative: %f", s.BaseLR)
	}
	switch s.Policy {
	case LRLinear:
		if s.TotalIters <= 0 {
			return errors.Wrap(ErrInvalidConfig, "linear lr schedule needs total iterations")
		}
		if s.Window.Start < 0 || s.Window.End <= s.Window.Start {
			return errors.Wrapf(ErrInvalidConfig, "invalid linear window [%f, %f)", s.Window.Start, s.Window.End)
		}
	case LRAnnealCosine:
		if s.TotalIters <= 0 {
			return errors.Wrap(ErrInvalidConfig, "cosine lr schedule needs total iterations")
		}
	}
	return nil
}

// LR returns the learning rate for iteration i
func (s *LRScheduler) LR(i int) float64 {
	switch s.Policy {
	case LRLinear:
		if s.WarmUp && i < warmUpIters {
			return warmUpLR
		}
		t := float64(i) / float64(s.TotalIters)
		switch {
		case t < s.Window.Start:
			return s.BaseLR
		case t < s.Window.End:
			progress := (t - s.Window.Start) / (s.Window.End - s.Window.Start)
			return s.BaseLR * (1 - (1-linearFloorFactor)*progress)
		default:
			return s.BaseLR * linearFloorFactor
		}

	case LRAnnealCosine:
		lrMin := s.BaseLR * s.StepRatio * s.StepRatio
		return lrMin + 0.5*(s.BaseLR-lrMin)*(1+math.Cos(float64(i)/float64(s.TotalIters)*math.Pi))

	default:
		switch {
		case s.WarmUp && i < warmUpIters:
			return warmUpLR
		case i >= piecewiseSecond:
			return s.BaseLR * s.StepRatio * s.StepRatio
		case i >= piecewiseFirst:
			return s.BaseLR * s.StepRatio
		default:
			return s.BaseLR
		}
	}
}

// Apply computes the rate for iteration i and writes it into every parameter group
func (s *LRScheduler) Apply(opt optimizer.Optimizer, i int) float64 {
	lr := s.LR(i)
	for _, g := range opt.Groups() {
		g.LR = lr
	}
	if s.Logger != nil && s.LogEvery > 0 && i%s.LogEvery == 0 {
		s.Logger.WithFields(logrus.Fields{"iter": i, "lr": lr}).Infof("Iter [%d] learning rate = %g", i, lr)
	}
	return lr
}
