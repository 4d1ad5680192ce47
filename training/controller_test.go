package training

import (
	"context"
	"io"
	"math"
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fractrain/go-fractrain/checkpoints"
	"github.com/fractrain/go-fractrain/optimizer"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type controllerFixture struct {
	model *fakeModel
	opts  ControllerOptions
	store *checkpoints.FileStore
}

func newControllerFixture(t *testing.T, cfg Config, dir string) *controllerFixture {
	t.Helper()
	model := newFakeModel(t, 2)
	f := &controllerFixture{
		model: model,
		opts: ControllerOptions{
			Model:       model,
			Optimizer:   newTestSGD(t, model),
			Criterion:   NewCrossEntropyLoss("mean"),
			TrainLoader: newFakeLoader(t, 8, cfg.BatchSize),
			ValLoader:   newFakeLoader(t, 4, cfg.BatchSize),
			Logger:      newTestLogger(),
		},
	}
	if dir != "" {
		store, err := checkpoints.NewFileStore(dir, checkpoints.FormatJSON)
		if err != nil {
			t.Fatal(err)
		}
		f.store = store
		f.opts.Checkpoints = NewCheckpointManager(store, cfg.Arch, f.opts.Logger)
	}
	return f
}

func TestControllerFixedSchedule(t *testing.T) {
	cfg := newTestConfig()
	cfg.Breakpoints = []int{10}
	cfg.TargetRatioSchedule = []float64{80, 40}

	f := newControllerFixture(t, cfg, t.TempDir())
	c, err := NewController(cfg, f.opts)
	if err != nil {
		t.Fatal(err)
	}

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Iteration != 20 {
		t.Errorf("expected 20 iterations, got %d", summary.Iteration)
	}
	if len(summary.History) != 4 {
		t.Fatalf("expected 4 history rows, got %d", len(summary.History))
	}
	for i, row := range summary.History {
		if row.Iteration != (i+1)*5 || row.Epoch != i+1 {
			t.Errorf("row %d: unexpected iteration/epoch %d/%d", i, row.Iteration, row.Epoch)
		}
	}
	if got := c.Precision().Active().TargetRatio; got != 40 {
		t.Errorf("expected target ratio 40 after breakpoint, got %g", got)
	}
	if summary.BestAccuracy != 100 || summary.BestIteration != 5 {
		t.Errorf("expected best 100 at 5, got %g at %d", summary.BestAccuracy, summary.BestIteration)
	}

	for i, spec := range f.model.specs {
		if !reflect.DeepEqual(spec.Bits, DefaultBits) {
			t.Fatalf("forward %d: expected bits %v, got %v", i, DefaultBits, spec.Bits)
		}
	}
	if f.model.backwards != 20 {
		t.Errorf("expected 20 backward passes, got %d", f.model.backwards)
	}
	if f.model.repackaged == 0 {
		t.Error("hidden state was never repackaged")
	}

	latest, err := f.store.Load(context.Background(), checkpoints.AliasLatest)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Iteration != 20 {
		t.Errorf("expected latest checkpoint at 20, got %d", latest.Iteration)
	}
	if latest.Controller.TargetRatio != 40 || latest.Controller.ScheduleCursor != 2 {
		t.Errorf("unexpected controller state %+v", latest.Controller)
	}
	rows, err := f.store.History(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("expected 4 persisted history rows, got %d", len(rows))
	}
}

func TestControllerFinetuneTail(t *testing.T) {
	cfg := newTestConfig()
	cfg.Iters = 10
	cfg.FinetuneSteps = 4

	f := newControllerFixture(t, cfg, "")
	c, err := NewController(cfg, f.opts)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if summary.Iteration != 14 {
		t.Errorf("expected 14 iterations, got %d", summary.Iteration)
	}
	if len(summary.History) != 2 {
		t.Errorf("expected evaluations at 5 and 10 only, got %d rows", len(summary.History))
	}

	full := 0
	for _, spec := range f.model.specs {
		if spec.IsFullPrecision() {
			full++
		}
	}
	if full != 4 {
		t.Errorf("expected 4 full-precision forwards, got %d", full)
	}
	last := f.model.lastTerms
	if last.Signal != 0 || last.Computation != 0 || len(last.MaskWeights) != 0 {
		t.Errorf("finetune steps should not be regularized: %+v", last)
	}
}

func TestControllerResume(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestConfig()
	cfg.Iters = 10
	cfg.Breakpoints = []int{10}
	cfg.TargetRatioSchedule = []float64{80, 40}

	first := newControllerFixture(t, cfg, dir)
	c, err := NewController(cfg, first.opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	trained := append([]float32(nil), first.model.registry.Params()[0].Data...)

	tests := []struct {
		name          string
		proceed       bool
		expectedStart int
		expectedRatio float64
	}{
		{"proceed", true, 10, 80},
		{"weights_only", false, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cfg
			cfg.Iters = 20
			cfg.Resume = checkpoints.AliasLatest
			cfg.ResumeProgress = tt.proceed

			f := newControllerFixture(t, cfg, dir)
			c, err := NewController(cfg, f.opts)
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Resume(context.Background()); err != nil {
				t.Fatalf("Resume failed: %v", err)
			}

			if c.Iteration() != tt.expectedStart {
				t.Errorf("expected start %d, got %d", tt.expectedStart, c.Iteration())
			}
			if got := c.Precision().Active().TargetRatio; got != tt.expectedRatio {
				t.Errorf("expected active ratio %g, got %g", tt.expectedRatio, got)
			}
			if !reflect.DeepEqual(f.model.registry.Params()[0].Data, trained) {
				t.Error("weights were not restored")
			}
			if c.state.BestAccuracy != 100 {
				t.Errorf("expected best accuracy 100, got %g", c.state.BestAccuracy)
			}
		})
	}
}

func TestControllerResumeCrossesBreakpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestConfig()
	cfg.Iters = 10
	cfg.Breakpoints = []int{10}
	cfg.TargetRatioSchedule = []float64{80, 40}

	first := newControllerFixture(t, cfg, dir)
	c, err := NewController(cfg, first.opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg.Iters = 20
	cfg.Resume = checkpoints.AliasLatest
	cfg.ResumeProgress = true
	f := newControllerFixture(t, cfg, dir)
	c, err = NewController(cfg, f.opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Iteration != 20 {
		t.Errorf("expected 20 iterations, got %d", summary.Iteration)
	}
	if f.model.backwards != 10 {
		t.Errorf("expected 10 resumed steps, got %d", f.model.backwards)
	}
	if got := c.Precision().Active().TargetRatio; got != 40 {
		t.Errorf("expected ratio 40 after resumed breakpoint, got %g", got)
	}
}

func TestControllerResumeMissingCheckpoint(t *testing.T) {
	cfg := newTestConfig()
	cfg.Resume = checkpoints.AliasLatest
	cfg.ResumeProgress = true

	f := newControllerFixture(t, cfg, t.TempDir())
	c, err := NewController(cfg, f.opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("missing checkpoint should not fail: %v", err)
	}
	if c.Iteration() != 0 {
		t.Errorf("expected fresh start, got %d", c.Iteration())
	}
}

func TestControllerAdaptivePrecision(t *testing.T) {
	cfg := newTestConfig()
	cfg.Mode = ModePrecision.String()
	cfg.Schedule = ScheduleAdaptive.String()
	cfg.Iters = 40
	cfg.NumBitsSchedule = []int{4, 6, 8}
	cfg.NumGradBitsSchedule = []int{8, 8, 8}
	cfg.EpochKeep = 2
	cfg.NumTurningPoints = 2

	f := newControllerFixture(t, cfg, "")
	c, err := NewController(cfg, f.opts)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// the fake model's loss never moves, so every full window is a plateau
	if summary.TurningPoints != 2 {
		t.Errorf("expected turning points capped at 2, got %d", summary.TurningPoints)
	}
	if got := c.Precision().Active(); got.NumBits != 8 || got.NumGradBits != 8 {
		t.Errorf("expected final precision 8/8, got %+v", got)
	}
	if f.model.specs[0].NumBits != 4 {
		t.Errorf("expected first step at 4 bits, got %d", f.model.specs[0].NumBits)
	}
	for _, spec := range f.model.specs {
		if len(spec.Bits) != 0 {
			t.Fatalf("precision mode should not request gated choices: %+v", spec)
		}
	}
	threshold := DefaultInitialThreshold * DefaultThresholdDecay * DefaultThresholdDecay
	if math.Abs(c.detector.Threshold()-threshold) > 1e-12 {
		t.Errorf("expected threshold %f, got %f", threshold, c.detector.Threshold())
	}
}

func TestControllerLossScale(t *testing.T) {
	cfg := newTestConfig()
	cfg.Iters = 1
	cfg.LossScale = 4

	f := newControllerFixture(t, cfg, "")
	c, err := NewController(cfg, f.opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	logits := [][]float32{{2, 0, 0}, {0, 2, 0}}
	expected, err := NewCrossEntropyLoss("mean").Backward(logits, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	got := f.model.lastTerms.LogitGrad
	for n := range expected {
		for k := range expected[n] {
			if math.Abs(float64(got[n][k]-4*expected[n][k])) > 1e-6 {
				t.Errorf("logit grad [%d][%d]: expected %f, got %f", n, k, 4*expected[n][k], got[n][k])
			}
		}
	}
	for l, row := range f.model.lastTerms.MaskWeights {
		for k, w := range row {
			if w != 0 && math.Signbit(w) != math.Signbit(f.model.lastTerms.Signal) {
				t.Errorf("mask weight [%d][%d] has the wrong sign: %f", l, k, w)
			}
		}
	}
}

func TestUnscaleGrads(t *testing.T) {
	p := optimizer.NewParam("w", 2)
	p.Grad = []float32{4, -8}
	buf := optimizer.NewParam("buf", 1)
	buf.Buffer = true
	buf.Grad = []float32{4}
	frozen := optimizer.NewParam("frozen", 1)
	frozen.Grad = []float32{4}

	live := optimizer.NewParamGroup("live", optimizer.RoleBackbone, p, buf)
	cold := optimizer.NewParamGroup("cold", optimizer.RoleController, frozen)
	cold.SetTrainable(false)

	unscaleGrads([]*optimizer.ParamGroup{live, cold}, 4)

	if p.Grad[0] != 1 || p.Grad[1] != -2 {
		t.Errorf("expected unscaled grads [1 -2], got %v", p.Grad)
	}
	if buf.Grad[0] != 4 || frozen.Grad[0] != 4 {
		t.Error("buffers and frozen groups should be left alone")
	}
}

func TestControllerCancellation(t *testing.T) {
	cfg := newTestConfig()
	f := newControllerFixture(t, cfg, "")
	c, err := NewController(cfg, f.opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Iteration != 0 || f.model.backwards != 0 {
		t.Errorf("no step should run after cancellation, got %d", summary.Iteration)
	}
}

func TestControllerSWA(t *testing.T) {
	cfg := newTestConfig()
	cfg.Iters = 10
	cfg.SWAStart = 0
	cfg.SWAFreq = 5

	f := newControllerFixture(t, cfg, "")
	swaModel := newFakeModel(t, 2)
	f.opts.SWAModel = swaModel
	f.opts.SWALoader = newFakeLoader(t, 4, cfg.BatchSize)

	c, err := NewController(cfg, f.opts)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if c.swa.Count() != 2 {
		t.Errorf("expected 2 averaged snapshots, got %d", c.swa.Count())
	}
	if swaModel.normResets != 2 {
		t.Errorf("expected 2 normalization refreshes, got %d", swaModel.normResets)
	}
	if summary.BestSWAAccuracy != 100 {
		t.Errorf("expected best SWA accuracy 100, got %g", summary.BestSWAAccuracy)
	}
}

func TestNewControllerValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config, *ControllerOptions)
	}{
		{"no_model", func(_ *Config, o *ControllerOptions) { o.Model = nil }},
		{"no_val_loader", func(_ *Config, o *ControllerOptions) { o.ValLoader = nil }},
		{"swa_without_model", func(c *Config, _ *ControllerOptions) { c.SWAStart = 0 }},
		{"bad_schedule", func(c *Config, _ *ControllerOptions) {
			c.Breakpoints = []int{5}
			c.TargetRatioSchedule = []float64{50}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			f := newControllerFixture(t, cfg, "")
			tt.mutate(&cfg, &f.opts)
			if _, err := NewController(cfg, f.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
