package training

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.SWAEnabled() {
		t.Error("weight averaging should be off by default")
	}
	if cfg.TotalSteps() != cfg.Iters {
		t.Errorf("expected no finetune tail by default, got %d steps", cfg.TotalSteps())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		sentinel error
	}{
		{"ratio_table_mismatch", func(c *Config) {
			c.Breakpoints = []int{100, 200}
			c.TargetRatioSchedule = []float64{90, 70}
		}, ErrScheduleMismatch},
		{"precision_table_mismatch", func(c *Config) {
			c.Mode = "precision"
			c.Breakpoints = []int{100}
			c.NumBitsSchedule = []int{4, 6}
			c.NumGradBitsSchedule = []int{8}
		}, ErrScheduleMismatch},
		{"adaptive_without_table", func(c *Config) {
			c.Schedule = "adaptive"
		}, ErrScheduleMismatch},
		{"unsorted_breakpoints", func(c *Config) {
			c.Breakpoints = []int{200, 100}
			c.TargetRatioSchedule = []float64{90, 70, 50}
		}, ErrInvalidConfig},
		{"bits_length", func(c *Config) {
			c.GradBits = []int{6, 6}
		}, ErrLengthMismatch},
		{"zero_iters", func(c *Config) { c.Iters = 0 }, ErrInvalidConfig},
		{"zero_batch", func(c *Config) { c.BatchSize = 0 }, ErrInvalidConfig},
		{"negative_loss_scale", func(c *Config) { c.LossScale = -1 }, ErrInvalidConfig},
		{"unknown_mode", func(c *Config) { c.Mode = "mixed" }, ErrInvalidConfig},
		{"unknown_store", func(c *Config) { c.Store = "s3" }, ErrInvalidConfig},
		{"swa_without_freq", func(c *Config) {
			c.SWAStart = 0
			c.SWAFreq = 0
		}, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, err)
			}
		})
	}
}

func TestConfigUnknownFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "pickle"
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for an unknown checkpoint format")
	}
}

func TestStaticPrecision(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		expected int
	}{
		{"plain", func(c *Config) { c.NumBits = 8 }, 8},
		{"act_fw", func(c *Config) { c.NumBits = 8; c.ActFw = 4 }, -1},
		{"weight_bits", func(c *Config) { c.NumBits = 8; c.WeightBits = 4 }, -1},
		{"grad_act_gc", func(c *Config) { c.GradActGc = 8 }, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if got := cfg.StaticPrecision().NumBits; got != tt.expected {
				t.Errorf("expected num_bits %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestConfigLRWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LRSchedule = "linear"

	s, err := cfg.NewLRScheduler(nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Window != LinearWindowRatio {
		t.Errorf("expected ratio window, got %+v", s.Window)
	}

	cfg.Mode = "precision"
	if s, err = cfg.NewLRScheduler(nil); err != nil {
		t.Fatal(err)
	}
	if s.Window != LinearWindowPrecision {
		t.Errorf("expected precision window, got %+v", s.Window)
	}
}

func TestConfigYAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breakpoints = []int{32000, 48000}
	cfg.TargetRatioSchedule = []float64{90, 70, 50}

	data, err := cfg.YAML()
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"schedule_breakpoints:", "finetune_step:", "loss_sf:", "proceed:"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected key %s in\n%s", key, data)
		}
	}

	var decoded Config
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Iters != cfg.Iters || len(decoded.TargetRatioSchedule) != 3 || decoded.SWAStart != -1 {
		t.Errorf("decoded config differs: %+v", decoded)
	}
}

func TestConfigNewRegularizer(t *testing.T) {
	cfg := DefaultConfig()
	reg, err := cfg.NewRegularizer(4)
	if err != nil {
		t.Fatal(err)
	}
	if reg.NumStages() != 4 {
		t.Errorf("expected 4 stages, got %d", reg.NumStages())
	}
	if reg.Tables().Len() != len(DefaultBits) {
		t.Errorf("expected %d choices, got %d", len(DefaultBits), reg.Tables().Len())
	}
}
