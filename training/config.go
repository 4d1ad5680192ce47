package training

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/fractrain/go-fractrain/checkpoints"
)

// Config is the complete training configuration. Field names follow the
// command-line flags of the reference training scripts so existing
// experiment configs translate one to one.
type Config struct {
	Arch     string `yaml:"arch" mapstructure:"arch"`
	Mode     string `yaml:"mode" mapstructure:"mode"`         // dynamic_ratio | precision
	Schedule string `yaml:"schedule" mapstructure:"schedule"` // fixed | adaptive

	Iters         int   `yaml:"iters" mapstructure:"iters"`
	FinetuneSteps int   `yaml:"finetune_step" mapstructure:"finetune_step"`
	StartIter     int   `yaml:"start_iter" mapstructure:"start_iter"`
	BatchSize     int   `yaml:"batch_size" mapstructure:"batch_size"`
	EvalEvery     int   `yaml:"eval_every" mapstructure:"eval_every"`
	PrintFreq     int   `yaml:"print_freq" mapstructure:"print_freq"`
	Seed          int64 `yaml:"seed" mapstructure:"seed"`

	// Optimization
	LRSchedule  string  `yaml:"lr_schedule" mapstructure:"lr_schedule"`
	LR          float64 `yaml:"lr" mapstructure:"lr"`
	StepRatio   float64 `yaml:"step_ratio" mapstructure:"step_ratio"`
	WarmUp      bool    `yaml:"warm_up" mapstructure:"warm_up"`
	Momentum    float64 `yaml:"momentum" mapstructure:"momentum"`
	WeightDecay float64 `yaml:"weight_decay" mapstructure:"weight_decay"`
	LossScale   float64 `yaml:"loss_sf" mapstructure:"loss_sf"` // 0 disables loss scaling
	Freeze      string  `yaml:"freeze" mapstructure:"freeze"`

	// Precision choices and static precision
	Bits         []int `yaml:"bits" mapstructure:"bits"`
	GradBits     []int `yaml:"grad_bits" mapstructure:"grad_bits"`
	WeightBits   int   `yaml:"weight_bits" mapstructure:"weight_bits"`
	NumBits      int   `yaml:"num_bits" mapstructure:"num_bits"`
	NumGradBits  int   `yaml:"num_grad_bits" mapstructure:"num_grad_bits"`
	ActFw        int   `yaml:"act_fw" mapstructure:"act_fw"`
	ActBw        int   `yaml:"act_bw" mapstructure:"act_bw"`
	GradActError int   `yaml:"grad_act_error" mapstructure:"grad_act_error"`
	GradActGc    int   `yaml:"grad_act_gc" mapstructure:"grad_act_gc"`
	DwsBits      int   `yaml:"dws_bits" mapstructure:"dws_bits"`
	DwsGradBits  int   `yaml:"dws_grad_bits" mapstructure:"dws_grad_bits"`

	// Schedule tables
	Breakpoints         []int     `yaml:"schedule_breakpoints" mapstructure:"schedule_breakpoints"`
	TargetRatio         float64   `yaml:"target_ratio" mapstructure:"target_ratio"`
	TargetRatioSchedule []float64 `yaml:"target_ratio_schedule" mapstructure:"target_ratio_schedule"`
	NumBitsSchedule     []int     `yaml:"num_bits_schedule" mapstructure:"num_bits_schedule"`
	NumGradBitsSchedule []int     `yaml:"num_grad_bits_schedule" mapstructure:"num_grad_bits_schedule"`

	// Computation regularizer
	ComputationLoss bool    `yaml:"computation_loss" mapstructure:"computation_loss"`
	Beta            float64 `yaml:"beta" mapstructure:"beta"`
	Relax           float64 `yaml:"relax" mapstructure:"relax"`
	AdaBeta         bool    `yaml:"ada_beta" mapstructure:"ada_beta"`
	ConvInfo        string  `yaml:"conv_info" mapstructure:"conv_info"`

	// Turning point detection
	InitialThreshold float64 `yaml:"initial_threshold" mapstructure:"initial_threshold"`
	ThresholdDecay   float64 `yaml:"decay" mapstructure:"decay"`
	EpochKeep        int     `yaml:"epoch_keep" mapstructure:"epoch_keep"`
	NumTurningPoints int     `yaml:"num_turning_point" mapstructure:"num_turning_point"`

	// Weight averaging; a negative start disables it
	SWAStart int `yaml:"swa_start" mapstructure:"swa_start"`
	SWAFreq  int `yaml:"swa_freq" mapstructure:"swa_freq"`

	// Checkpointing
	SaveFolder     string `yaml:"save_folder" mapstructure:"save_folder"`
	Store          string `yaml:"store" mapstructure:"store"`   // file | sqlite
	Format         string `yaml:"format" mapstructure:"format"` // json | proto
	MaxCheckpoints int    `yaml:"max_checkpoints" mapstructure:"max_checkpoints"`
	Resume         string `yaml:"resume" mapstructure:"resume"`
	ResumeProgress bool   `yaml:"proceed" mapstructure:"proceed"`
	RunID          string `yaml:"run_id" mapstructure:"run_id"`

	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DefaultConfig returns the CIFAR-10 gated ResNet recipe
func DefaultConfig() Config {
	return Config{
		Arch:     "cifar10_rnn_gate_38",
		Mode:     ModeDynamicRatio.String(),
		Schedule: ScheduleFixed.String(),

		Iters:     64000,
		BatchSize: 128,
		EvalEvery: 390,
		PrintFreq: 10,
		Seed:      1,

		LRSchedule:  LRPiecewise.String(),
		LR:          0.1,
		StepRatio:   0.1,
		Momentum:    0.9,
		WeightDecay: 1e-4,
		Freeze:      FreezeNone.String(),

		Bits:        append([]int(nil), DefaultBits...),
		GradBits:    append([]int(nil), DefaultGradBits...),
		DwsBits:     8,
		DwsGradBits: 16,

		TargetRatio: 100,

		ComputationLoss: true,
		Beta:            1e-3,

		InitialThreshold: DefaultInitialThreshold,
		ThresholdDecay:   DefaultThresholdDecay,
		EpochKeep:        DefaultEpochKeep,
		NumTurningPoints: DefaultNumTurningPoints,

		SWAStart: -1,
		SWAFreq:  1170,

		SaveFolder: "save_checkpoints",
		Store:      "file",
		Format:     "json",

		LogLevel: "info",
	}
}

// SWAEnabled reports whether weight averaging is configured
func (c Config) SWAEnabled() bool {
	return c.SWAStart >= 0
}

// TotalSteps is the iteration count including the full-precision tail
func (c Config) TotalSteps() int {
	return c.Iters + c.FinetuneSteps
}

// ParsedMode returns the training mode
func (c Config) ParsedMode() (Mode, error) {
	return ParseMode(c.Mode)
}

// PrecisionSchedule returns the schedule tables
func (c Config) PrecisionSchedule() PrecisionSchedule {
	return PrecisionSchedule{
		Breakpoints:  c.Breakpoints,
		TargetRatios: c.TargetRatioSchedule,
		NumBits:      c.NumBitsSchedule,
		NumGradBits:  c.NumGradBitsSchedule,
	}
}

// StaticPrecision returns the value used without a schedule. Any quantized
// activation, gradient or weight setting switches precision models to
// per-layer dynamic bits.
func (c Config) StaticPrecision() ScheduleValue {
	numBits := c.NumBits
	if c.ActFw+c.ActBw+c.GradActError+c.GradActGc+c.WeightBits != 0 {
		numBits = -1
	}
	return ScheduleValue{
		TargetRatio: c.TargetRatio,
		NumBits:     numBits,
		NumGradBits: c.NumGradBits,
	}
}

// Validate checks the configuration before any iteration runs
func (c Config) Validate() error {
	mode, err := ParseMode(c.Mode)
	if err != nil {
		return err
	}
	kind, err := ParseScheduleKind(c.Schedule)
	if err != nil {
		return err
	}
	if _, err := ParseLRPolicy(c.LRSchedule); err != nil {
		return err
	}
	if _, err := ParseFreezePolicy(c.Freeze); err != nil {
		return err
	}

	switch {
	case c.Iters <= 0:
		return errors.Wrapf(ErrInvalidConfig, "iters must be positive, got %d", c.Iters)
	case c.FinetuneSteps < 0:
		return errors.Wrapf(ErrInvalidConfig, "finetune_step cannot be negative, got %d", c.FinetuneSteps)
	case c.StartIter < 0:
		return errors.Wrapf(ErrInvalidConfig, "start_iter cannot be negative, got %d", c.StartIter)
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch_size must be positive, got %d", c.BatchSize)
	case c.EvalEvery <= 0:
		return errors.Wrapf(ErrInvalidConfig, "eval_every must be positive, got %d", c.EvalEvery)
	case c.PrintFreq <= 0:
		return errors.Wrapf(ErrInvalidConfig, "print_freq must be positive, got %d", c.PrintFreq)
	case c.LossScale < 0:
		return errors.Wrapf(ErrInvalidConfig, "loss_sf cannot be negative, got %f", c.LossScale)
	case c.SWAEnabled() && c.SWAFreq <= 0:
		return errors.Wrapf(ErrInvalidConfig, "swa_freq must be positive, got %d", c.SWAFreq)
	case kind == ScheduleAdaptive && c.NumTurningPoints < 0:
		return errors.Wrapf(ErrInvalidConfig, "num_turning_point cannot be negative, got %d", c.NumTurningPoints)
	}

	if err := c.PrecisionSchedule().Validate(mode, kind); err != nil {
		return err
	}
	if mode == ModeDynamicRatio {
		if _, err := NewCostTables(c.Bits, c.GradBits, c.WeightBits); err != nil {
			return err
		}
	}
	if _, err := checkpoints.ParseFormat(c.Format); err != nil {
		return err
	}
	switch c.Store {
	case "file", "sqlite", "":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown checkpoint store %q", c.Store)
	}
	return nil
}

// NewLRScheduler builds the learning-rate scheduler described by the config
func (c Config) NewLRScheduler(logger logrus.FieldLogger) (*LRScheduler, error) {
	policy, err := ParseLRPolicy(c.LRSchedule)
	if err != nil {
		return nil, err
	}
	window := LinearWindowRatio
	if mode, _ := ParseMode(c.Mode); mode == ModePrecision {
		window = LinearWindowPrecision
	}
	s := &LRScheduler{
		Policy:     policy,
		BaseLR:     c.LR,
		StepRatio:  c.StepRatio,
		WarmUp:     c.WarmUp,
		TotalIters: c.Iters,
		Window:     window,
		LogEvery:   c.EvalEvery,
		Logger:     logger,
	}
	return s, s.Validate()
}

// NewPrecisionScheduler builds the precision/budget scheduler
func (c Config) NewPrecisionScheduler(logger logrus.FieldLogger) (*PrecisionScheduler, error) {
	mode, err := ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	kind, err := ParseScheduleKind(c.Schedule)
	if err != nil {
		return nil, err
	}
	p, err := NewPrecisionScheduler(kind, mode, c.PrecisionSchedule(), c.StaticPrecision())
	if err != nil {
		return nil, err
	}
	p.LogEvery = c.EvalEvery
	p.Logger = logger
	return p, nil
}

// NewTurningPointDetector builds the plateau detector
func (c Config) NewTurningPointDetector() (*TurningPointDetector, error) {
	return NewTurningPointDetector(c.InitialThreshold, c.ThresholdDecay, c.EpochKeep)
}

// NewRegularizer builds the computation-cost regularizer for a model with
// the given number of gated stages. Without a conv_info file every stage
// weighs the same.
func (c Config) NewRegularizer(stages int) (*Regularizer, error) {
	tables, err := NewCostTables(c.Bits, c.GradBits, c.WeightBits)
	if err != nil {
		return nil, err
	}
	info := UniformCostInfo(stages)
	if c.ConvInfo != "" {
		if info, err = LoadCostInfo(c.ConvInfo); err != nil {
			return nil, err
		}
	}
	return NewRegularizer(RegularizerConfig{
		Enabled:     c.ComputationLoss,
		Beta:        c.Beta,
		Relax:       c.Relax,
		AdaBeta:     c.AdaBeta,
		BatchSize:   c.BatchSize,
		DwsBits:     c.DwsBits,
		DwsGradBits: c.DwsGradBits,
	}, tables, info)
}

// YAML renders the effective configuration
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	return data, errors.Wrap(err, "failed to encode config")
}
