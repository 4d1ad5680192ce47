package training

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ScheduleKind selects what advances the precision/budget schedule
type ScheduleKind int

const (
	// ScheduleFixed advances when the iteration counter hits a breakpoint
	ScheduleFixed ScheduleKind = iota
	// ScheduleAdaptive indexes the value table by the turning-point count
	ScheduleAdaptive
)

func (k ScheduleKind) String() string {
	switch k {
	case ScheduleFixed:
		return "fixed"
	case ScheduleAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseScheduleKind parses a schedule kind name
func ParseScheduleKind(s string) (ScheduleKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "":
		return ScheduleFixed, nil
	case "adaptive":
		return ScheduleAdaptive, nil
	default:
		return ScheduleFixed, errors.Wrapf(ErrInvalidConfig, "unknown schedule kind %q", s)
	}
}

// Mode selects which tunable the schedule governs. The two never run together.
type Mode int

const (
	// ModeDynamicRatio schedules the target computation ratio of a gated model
	ModeDynamicRatio Mode = iota
	// ModePrecision schedules the (num_bits, num_grad_bits) pair
	ModePrecision
)

func (m Mode) String() string {
	switch m {
	case ModeDynamicRatio:
		return "dynamic_ratio"
	case ModePrecision:
		return "precision"
	default:
		return "unknown"
	}
}

// ParseMode parses a training mode name
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dynamic_ratio", "dfq", "":
		return ModeDynamicRatio, nil
	case "precision", "pfq":
		return ModePrecision, nil
	default:
		return ModeDynamicRatio, errors.Wrapf(ErrInvalidConfig, "unknown training mode %q", s)
	}
}

// ScheduleValue is one entry of the value table
type ScheduleValue struct {
	TargetRatio float64
	NumBits     int
	NumGradBits int
}

// PrecisionSchedule holds the breakpoints and the value tables. Only the
// tables of the active mode are consulted.
type PrecisionSchedule struct {
	Breakpoints  []int
	TargetRatios []float64
	NumBits      []int
	NumGradBits  []int
}

// Len returns the length of the active mode's value table
func (s PrecisionSchedule) Len(mode Mode) int {
	if mode == ModePrecision {
		return len(s.NumBits)
	}
	return len(s.TargetRatios)
}

// Validate enforces len(values) == len(breakpoints)+1 for every table the
// mode uses and strictly increasing breakpoints
func (s PrecisionSchedule) Validate(mode Mode, kind ScheduleKind) error {
	if !sort.SliceIsSorted(s.Breakpoints, func(i, j int) bool { return s.Breakpoints[i] < s.Breakpoints[j] }) {
		return errors.Wrapf(ErrInvalidConfig, "schedule breakpoints must be increasing: %v", s.Breakpoints)
	}
	for i := 1; i < len(s.Breakpoints); i++ {
		if s.Breakpoints[i] == s.Breakpoints[i-1] {
			return errors.Wrapf(ErrInvalidConfig, "duplicate schedule breakpoint %d", s.Breakpoints[i])
		}
	}
	if len(s.Breakpoints) > 0 && s.Breakpoints[0] < 0 {
		return errors.Wrapf(ErrInvalidConfig, "negative schedule breakpoint %d", s.Breakpoints[0])
	}

	check := func(name string, n int) error {
		if len(s.Breakpoints) > 0 && n != len(s.Breakpoints)+1 {
			return errors.Wrapf(ErrScheduleMismatch, "%s has %d values for %d breakpoints", name, n, len(s.Breakpoints))
		}
		if kind == ScheduleAdaptive && n == 0 {
			return errors.Wrapf(ErrScheduleMismatch, "adaptive schedule needs a %s table", name)
		}
		return nil
	}

	switch mode {
	case ModePrecision:
		if err := check("num_bits_schedule", len(s.NumBits)); err != nil {
			return err
		}
		if err := check("num_grad_bits_schedule", len(s.NumGradBits)); err != nil {
			return err
		}
		if len(s.NumBits) != len(s.NumGradBits) {
			return errors.Wrapf(ErrScheduleMismatch, "num_bits_schedule has %d values, num_grad_bits_schedule %d",
				len(s.NumBits), len(s.NumGradBits))
		}
	default:
		if err := check("target_ratio_schedule", len(s.TargetRatios)); err != nil {
			return err
		}
	}
	return nil
}

func (s PrecisionSchedule) value(mode Mode, idx int) ScheduleValue {
	if mode == ModePrecision {
		return ScheduleValue{NumBits: s.NumBits[idx], NumGradBits: s.NumGradBits[idx]}
	}
	return ScheduleValue{TargetRatio: s.TargetRatios[idx]}
}

// PrecisionScheduler tracks the active target ratio or precision pair
type PrecisionScheduler struct {
	Kind     ScheduleKind
	Mode     Mode
	schedule PrecisionSchedule
	static   ScheduleValue

	cursor int
	active ScheduleValue

	LogEvery int
	Logger   logrus.FieldLogger
}

// NewPrecisionScheduler validates the schedule. static is used while the
// mode's table is empty.
func NewPrecisionScheduler(kind ScheduleKind, mode Mode, schedule PrecisionSchedule, static ScheduleValue) (*PrecisionScheduler, error) {
	if err := schedule.Validate(mode, kind); err != nil {
		return nil, err
	}
	return &PrecisionScheduler{
		Kind:     kind,
		Mode:     mode,
		schedule: schedule,
		static:   static,
		active:   static,
	}, nil
}

// Active returns the value adopted by the last Update
func (p *PrecisionScheduler) Active() ScheduleValue {
	return p.active
}

// Cursor returns the fixed-schedule cursor
func (p *PrecisionScheduler) Cursor() int {
	return p.cursor
}

// Restore sets the cursor and active value from a checkpoint
func (p *PrecisionScheduler) Restore(cursor int, active ScheduleValue) {
	p.cursor = cursor
	p.active = active
}

// Update adopts the value for iteration i. In fixed mode the first call takes
// values[0]; afterwards a value is adopted only when i equals a breakpoint.
func (p *PrecisionScheduler) Update(i, turningPoints int) ScheduleValue {
	n := p.schedule.Len(p.Mode)
	switch {
	case n == 0:
		p.active = p.static

	case p.Kind == ScheduleAdaptive:
		idx := turningPoints
		if idx >= n {
			idx = n - 1
		}
		if idx < 0 {
			idx = 0
		}
		p.active = p.schedule.value(p.Mode, idx)

	case len(p.schedule.Breakpoints) > 0:
		if p.cursor == 0 {
			p.active = p.schedule.value(p.Mode, 0)
			p.cursor = 1
		}
		for _, step := range p.schedule.Breakpoints {
			if i == step && p.cursor < n {
				p.active = p.schedule.value(p.Mode, p.cursor)
				p.cursor++
			}
		}

	default:
		p.active = p.schedule.value(p.Mode, 0)
	}

	if p.Logger != nil && p.LogEvery > 0 && i%p.LogEvery == 0 {
		p.Logger.WithField("iter", i).Infof("Iter [%d] %s", i, p.Describe())
	}
	return p.active
}

// Resync recomputes the fixed-schedule cursor for a run continuing at
// iteration next, so breakpoints passed before a resume are not missed
func (p *PrecisionScheduler) Resync(next int) {
	if p.Kind != ScheduleFixed || len(p.schedule.Breakpoints) == 0 {
		return
	}
	if next <= 0 {
		p.cursor = 0
		p.active = p.static
		return
	}
	passed := 0
	for _, step := range p.schedule.Breakpoints {
		if step < next {
			passed++
		}
	}
	p.cursor = passed + 1
	p.active = p.schedule.value(p.Mode, passed)
}

// Describe formats the active value for logs
func (p *PrecisionScheduler) Describe() string {
	if p.Mode == ModePrecision {
		return fmt.Sprintf("num_bits = %d num_grad_bits = %d", p.active.NumBits, p.active.NumGradBits)
	}
	return fmt.Sprintf("target_ratio = %g", p.active.TargetRatio)
}
