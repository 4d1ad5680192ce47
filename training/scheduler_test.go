package training

import (
	"math"
	"testing"

	"github.com/fractrain/go-fractrain/optimizer"
)

func TestPiecewiseLR(t *testing.T) {
	scheduler := &LRScheduler{Policy: LRPiecewise, BaseLR: 0.1, StepRatio: 0.1, WarmUp: true}

	tests := []struct {
		iter       int
		expectedLR float64
	}{
		{0, 0.01},      // warm-up
		{399, 0.01},    // last warm-up iteration
		{400, 0.1},     // base
		{31999, 0.1},   // before first step
		{32000, 0.01},  // first step
		{47999, 0.01},  // before second step
		{48000, 0.001}, // second step
		{64000, 0.001}, // tail
	}

	for _, tt := range tests {
		lr := scheduler.LR(tt.iter)
		if math.Abs(lr-tt.expectedLR) > 1e-12 {
			t.Errorf("Iter %d: expected LR %f, got %f", tt.iter, tt.expectedLR, lr)
		}
	}

	scheduler.WarmUp = false
	if lr := scheduler.LR(0); lr != 0.1 {
		t.Errorf("Without warm-up expected 0.1 at iter 0, got %f", lr)
	}
}

func TestLinearLR(t *testing.T) {
	tests := []struct {
		name       string
		window     LinearWindow
		iter       int
		expectedLR float64
	}{
		{"ratio_flat", LinearWindowRatio, 200, 0.1},
		{"ratio_start", LinearWindowRatio, 250, 0.1},
		{"ratio_mid", LinearWindowRatio, 500, 0.1 * (1 - 0.99*0.5)},
		{"ratio_floor", LinearWindowRatio, 750, 0.001},
		{"ratio_tail", LinearWindowRatio, 1000, 0.001},
		{"precision_flat", LinearWindowPrecision, 499, 0.1},
		{"precision_mid", LinearWindowPrecision, 700, 0.1 * (1 - 0.99*0.5)},
		{"precision_floor", LinearWindowPrecision, 900, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := &LRScheduler{Policy: LRLinear, BaseLR: 0.1, TotalIters: 1000, Window: tt.window}
			lr := scheduler.LR(tt.iter)
			if math.Abs(lr-tt.expectedLR) > 1e-9 {
				t.Errorf("Iter %d: expected LR %f, got %f", tt.iter, tt.expectedLR, lr)
			}
		})
	}
}

func TestAnnealCosineLR(t *testing.T) {
	scheduler := &LRScheduler{Policy: LRAnnealCosine, BaseLR: 0.1, StepRatio: 0.1, TotalIters: 1000}
	lrMin := 0.1 * 0.1 * 0.1

	tests := []struct {
		iter       int
		expectedLR float64
	}{
		{0, 0.1},
		{500, lrMin + 0.5*(0.1-lrMin)},
		{1000, lrMin},
	}

	for _, tt := range tests {
		lr := scheduler.LR(tt.iter)
		if math.Abs(lr-tt.expectedLR) > 1e-9 {
			t.Errorf("Iter %d: expected LR %f, got %f", tt.iter, tt.expectedLR, lr)
		}
	}

	// Monotonically non-increasing over the run
	prev := scheduler.LR(0)
	for i := 1; i <= 1000; i++ {
		lr := scheduler.LR(i)
		if lr > prev+1e-15 {
			t.Fatalf("Iter %d: LR increased from %f to %f", i, prev, lr)
		}
		prev = lr
	}
}

func TestLRSchedulerApply(t *testing.T) {
	backbone := optimizer.NewParamGroup(optimizer.GroupBackbone, optimizer.RoleBackbone, optimizer.NewParam("w", 1))
	gates := optimizer.NewParamGroup(optimizer.GroupGates, optimizer.RoleController, optimizer.NewParam("g", 1))
	sgd, err := optimizer.NewSGD(optimizer.DefaultSGDConfig(), []*optimizer.ParamGroup{backbone, gates})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	scheduler := &LRScheduler{Policy: LRPiecewise, BaseLR: 0.1, StepRatio: 0.1}
	lr := scheduler.Apply(sgd, 40000)
	if math.Abs(lr-0.01) > 1e-12 {
		t.Fatalf("expected 0.01, got %f", lr)
	}
	for _, g := range sgd.Groups() {
		if g.LR != lr {
			t.Errorf("group %s: expected LR %f, got %f", g.Name, lr, g.LR)
		}
	}
}

func TestParseLRPolicy(t *testing.T) {
	tests := []struct {
		input    string
		expected LRPolicy
		wantErr  bool
	}{
		{"piecewise", LRPiecewise, false},
		{"linear", LRLinear, false},
		{"anneal_cosine", LRAnnealCosine, false},
		{"exponential", LRPiecewise, true},
	}
	for _, tt := range tests {
		got, err := ParseLRPolicy(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLRPolicy(%q) error = %v", tt.input, err)
		}
		if got != tt.expected {
			t.Errorf("ParseLRPolicy(%q) = %s, want %s", tt.input, got, tt.expected)
		}
		if !tt.wantErr && got.String() != tt.input {
			t.Errorf("String() = %s, want %s", got.String(), tt.input)
		}
	}
}

func TestLRSchedulerValidate(t *testing.T) {
	bad := []LRScheduler{
		{Policy: LRPiecewise, BaseLR: -1},
		{Policy: LRLinear, BaseLR: 0.1, TotalIters: 0, Window: LinearWindowRatio},
		{Policy: LRLinear, BaseLR: 0.1, TotalIters: 10, Window: LinearWindow{Start: 0.5, End: 0.5}},
		{Policy: LRAnnealCosine, BaseLR: 0.1},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	good := LRScheduler{Policy: LRLinear, BaseLR: 0.1, TotalIters: 10, Window: LinearWindowPrecision}
	if err := good.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
