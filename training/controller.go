package training

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fractrain/go-fractrain/checkpoints"
	"github.com/fractrain/go-fractrain/optimizer"
)

// ControllerOptions are the collaborators of a training run
type ControllerOptions struct {
	Model     Model
	Optimizer optimizer.Optimizer
	Criterion Criterion

	TrainLoader Loader
	ValLoader   Loader

	// SWAModel holds the averaged weights and SWALoader feeds its
	// normalization refresh; both are required when averaging is enabled
	SWAModel  Model
	SWALoader Loader

	Checkpoints *CheckpointManager // optional
	Logger      logrus.FieldLogger
}

// Summary is the outcome of Run
type Summary struct {
	Iteration       int
	BestAccuracy    float64
	BestIteration   int
	BestSWAAccuracy float64
	TurningPoints   int
	History         []checkpoints.HistoryRow
}

// Controller drives training: learning rate and precision schedules, the
// computation regularizer, periodic validation, weight averaging and
// checkpointing
type Controller struct {
	cfg  Config
	mode Mode
	kind ScheduleKind

	model     Model
	opt       optimizer.Optimizer
	criterion Criterion
	train     Loader
	swaLoader Loader

	validator *Validator
	lr        *LRScheduler
	precision *PrecisionScheduler
	detector  *TurningPointDetector
	reg       *Regularizer
	swa       *SWA
	ckpt      *CheckpointManager
	logger    logrus.FieldLogger

	state    TrainingState
	history  []checkpoints.HistoryRow
	progress *Progress

	losses, top1, cr, crFw, crEb, crGc, batchTime AverageMeter

	// per evaluation window
	trainingLoss float64
	trainingAcc  float64
	batches      int
}

// NewController validates cfg and wires the schedulers for a run
func NewController(cfg Config, opts ControllerOptions) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Model == nil || opts.Optimizer == nil || opts.Criterion == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "model, optimizer and criterion are required")
	}
	if opts.TrainLoader == nil || opts.TrainLoader.Len() == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "training loader is empty")
	}
	if opts.ValLoader == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "validation loader is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	mode, _ := ParseMode(cfg.Mode)
	kind, _ := ParseScheduleKind(cfg.Schedule)
	c := &Controller{
		cfg:       cfg,
		mode:      mode,
		kind:      kind,
		model:     opts.Model,
		opt:       opts.Optimizer,
		criterion: opts.Criterion,
		train:     opts.TrainLoader,
		swaLoader: opts.SWALoader,
		ckpt:      opts.Checkpoints,
		logger:    logger,
	}

	var err error
	if c.lr, err = cfg.NewLRScheduler(logger); err != nil {
		return nil, err
	}
	if c.precision, err = cfg.NewPrecisionScheduler(logger); err != nil {
		return nil, err
	}
	if c.detector, err = cfg.NewTurningPointDetector(); err != nil {
		return nil, err
	}
	if mode == ModeDynamicRatio {
		if c.reg, err = cfg.NewRegularizer(opts.Model.NumStages()); err != nil {
			return nil, err
		}
	}
	c.validator = &Validator{
		Loader:      opts.ValLoader,
		Criterion:   opts.Criterion,
		Regularizer: c.reg,
		Logger:      logger,
	}

	if cfg.SWAEnabled() {
		if opts.SWAModel == nil || opts.SWALoader == nil {
			return nil, errors.Wrap(ErrInvalidConfig, "weight averaging needs a second model and a loader")
		}
		if c.swa, err = NewSWA(opts.SWAModel); err != nil {
			return nil, err
		}
		c.swa.Logger = logger
	}

	policy, _ := ParseFreezePolicy(cfg.Freeze)
	if err := ApplyFreeze(opts.Model.Params(), policy, logger); err != nil {
		return nil, err
	}

	c.state = TrainingState{
		Iteration: cfg.StartIter,
		Model:     c.model,
		Optimizer: c.opt,
		Scheduler: c.precision,
		Detector:  c.detector,
		SWA:       c.swa,
	}
	return c, nil
}

// Iteration returns the number of completed iterations
func (c *Controller) Iteration() int {
	return c.state.Iteration
}

// TurningPoints returns the number of detected turning points
func (c *Controller) TurningPoints() int {
	return c.state.TurningPoints
}

// Precision returns the precision scheduler
func (c *Controller) Precision() *PrecisionScheduler {
	return c.precision
}

// Resume restores the configured checkpoint, if any. A missing checkpoint
// leaves the controller at a fresh start.
func (c *Controller) Resume(ctx context.Context) error {
	if c.cfg.Resume == "" || c.ckpt == nil {
		return nil
	}
	_, err := c.ckpt.Restore(ctx, c.cfg.Resume, &c.state, c.cfg.ResumeProgress)
	return err
}

// Run trains until iters + finetune steps are done or ctx is cancelled.
// Cancellation stops at an iteration boundary; the last saved checkpoint is
// the recovery point.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	total := c.cfg.TotalSteps()
	i := c.state.Iteration
	c.progress = NewProgress(i, total)

	c.logger.WithFields(logrus.Fields{
		"mode":     c.mode.String(),
		"schedule": c.kind.String(),
		"start":    i,
		"total":    total,
	}).Info("Start training")

	for i < total {
		c.train.Reset()
		epochStart := i
		for i < total {
			if err := ctx.Err(); err != nil {
				return c.summary(), err
			}
			batch, err := c.train.Next()
			if err != nil {
				return c.summary(), errors.Wrap(err, "training batch")
			}
			if batch == nil {
				break
			}
			start := time.Now()

			c.model.SetTraining(true)
			c.state.LearningRate = c.lr.Apply(c.opt, i)
			active := c.precision.Update(i, c.state.TurningPoints)

			i++
			c.state.Iteration = i

			if err := c.step(batch, i, active); err != nil {
				return c.summary(), errors.Wrapf(err, "iteration %d", i)
			}
			c.batchTime.UpdateOne(time.Since(start).Seconds())

			if i%c.cfg.PrintFreq == 0 || i == total {
				c.logIteration(i, total)
			}

			if c.swa != nil && i >= c.cfg.SWAStart && i%c.cfg.SWAFreq == 0 {
				if err := c.updateSWA(ctx, i, active); err != nil {
					return c.summary(), err
				}
			}

			if (i%c.cfg.EvalEvery == 0 && i > 0) || i == c.cfg.Iters {
				if err := c.evaluate(ctx, i, active); err != nil {
					return c.summary(), err
				}
			}
		}
		if i == epochStart {
			return c.summary(), errors.New("training loader yielded no batches")
		}
	}

	c.logger.WithFields(logrus.Fields{
		"best_prec": c.state.BestAccuracy,
		"best_iter": c.state.BestIteration,
	}).Info("Training finished")
	return c.summary(), nil
}

// step runs forward, loss, backward and the optimizer update for one batch
func (c *Controller) step(batch *Batch, i int, active ScheduleValue) error {
	finetune := i > c.cfg.Iters
	spec := c.scheduledSpec(active)
	if finetune {
		spec = c.fullSpec()
	}

	out, err := c.model.Forward(batch, spec)
	if err != nil {
		return err
	}
	task, err := c.criterion.Forward(out.Logits, batch.Targets)
	if err != nil {
		return err
	}

	terms := Neutral(task)
	if c.reg != nil && !finetune {
		if terms, err = c.reg.Compute(out.Masks, task, active.TargetRatio); err != nil {
			return err
		}
	}
	if terms.LogitGrad, err = c.criterion.Backward(out.Logits, batch.Targets); err != nil {
		return err
	}

	n := float64(batch.Size())
	acc := Accuracy(out.Logits, batch.Targets)
	c.losses.Update(terms.Total, n)
	c.top1.Update(acc, n)
	if c.mode == ModePrecision {
		ratio := 1.0
		if !finetune {
			ratio = PrecisionCostRatio(active.NumBits, active.NumGradBits)
		}
		c.cr.UpdateOne(ratio)
	} else {
		c.cr.UpdateOne(terms.Ratios.Total)
		c.crFw.UpdateOne(terms.Ratios.Fw)
		c.crEb.UpdateOne(terms.Ratios.Eb)
		c.crGc.UpdateOne(terms.Ratios.Gc)
	}
	c.trainingLoss += terms.Total
	c.trainingAcc += acc
	c.batches++

	c.opt.ZeroGrad()
	sf := c.cfg.LossScale
	if err := c.model.Backward(terms.Scaled(sf)); err != nil {
		return err
	}
	if sf > 0 && sf != 1 {
		unscaleGrads(c.opt.Groups(), sf)
	}
	if err := c.opt.Step(); err != nil {
		return err
	}

	if r, ok := c.model.(HiddenStateRepackager); ok {
		r.RepackageHidden()
	}
	return nil
}

func unscaleGrads(groups []*optimizer.ParamGroup, sf float64) {
	inv := float32(1 / sf)
	for _, g := range groups {
		if !g.Trainable {
			continue
		}
		for _, p := range g.Params {
			if p.Buffer {
				continue
			}
			for j := range p.Grad {
				p.Grad[j] *= inv
			}
		}
	}
}

// scheduledSpec is the precision of a regular iteration
func (c *Controller) scheduledSpec(active ScheduleValue) PrecisionSpec {
	if c.mode == ModePrecision {
		return PrecisionSpec{NumBits: active.NumBits, NumGradBits: active.NumGradBits}
	}
	tables := c.reg.Tables()
	return PrecisionSpec{Bits: tables.Bits, GradBits: tables.GradBits}
}

// fullSpec is the precision of the finetuning tail
func (c *Controller) fullSpec() PrecisionSpec {
	if c.mode == ModePrecision {
		return PrecisionSpec{}
	}
	return FullPrecision(c.reg.Tables().Len())
}

func (c *Controller) logIteration(i, total int) {
	fields := logrus.Fields{
		"iter":       i,
		"loss":       c.losses.Val,
		"loss_avg":   c.losses.Avg,
		"prec1":      c.top1.Val,
		"prec1_avg":  c.top1.Avg,
		"batch_time": c.batchTime.Avg,
		"lr":         c.state.LearningRate,
	}
	if c.progress != nil {
		fields["eta"] = formatDuration(c.progress.ETA(i))
	}
	if c.mode == ModePrecision {
		fields["cr"] = c.cr.Avg
		c.logger.WithFields(fields).Infof("Iter: [%d/%d] Loss %.3f (%.3f) Prec@1 %.3f (%.3f) CR %.4f",
			i, total, c.losses.Val, c.losses.Avg, c.top1.Val, c.top1.Avg, c.cr.Avg)
		return
	}
	fields["cp"] = c.cr.Avg
	fields["cp_fw"] = c.crFw.Avg
	fields["cp_eb"] = c.crEb.Avg
	fields["cp_gc"] = c.crGc.Avg
	c.logger.WithFields(fields).Infof("Iter: [%d/%d] Loss %.3f (%.3f) Prec@1 %.3f (%.3f) Computation_Percentage: %.3f(%.3f)",
		i, total, c.losses.Val, c.losses.Avg, c.top1.Val, c.top1.Avg, c.cr.Val, c.cr.Avg)
}

func (c *Controller) updateSWA(ctx context.Context, i int, active ScheduleValue) error {
	if err := c.swa.Update(c.model); err != nil {
		return errors.Wrap(err, "swa update")
	}
	spec := c.scheduledSpec(active)
	if err := c.swa.RefreshNormStats(c.swaLoader, spec); err != nil {
		return err
	}
	res, err := c.validator.Validate(ctx, c.swa.Model(), spec, i, "SWA")
	if err != nil {
		return errors.Wrap(err, "swa validation")
	}
	c.swa.Observe(i, res.Accuracy)
	best, bestI := c.swa.Best()
	c.logger.WithFields(logrus.Fields{"swa_n": c.swa.Count(), "best_swa_prec": best, "best_swa_iter": bestI}).
		Infof("Current Best SWA Prec@1: %.3f at iteration %d", best, bestI)
	return nil
}

// evaluate validates, records history, runs turning-point detection and
// writes a checkpoint
func (c *Controller) evaluate(ctx context.Context, i int, active ScheduleValue) error {
	res, err := c.validator.Validate(ctx, c.model, c.scheduledSpec(active), i, "")
	if err != nil {
		return errors.Wrap(err, "validation")
	}
	prec1 := res.Accuracy

	isBest := prec1 > c.state.BestAccuracy
	if isBest {
		c.state.BestAccuracy = prec1
		c.state.BestIteration = i
	}
	c.state.Accuracy = prec1
	c.logger.WithFields(logrus.Fields{"best_prec": c.state.BestAccuracy, "best_iter": c.state.BestIteration}).
		Infof("Current Best Prec@1: %.3f at iteration %d", c.state.BestAccuracy, c.state.BestIteration)

	epoch := i / c.cfg.EvalEvery
	var epochLoss, epochAcc float64
	if c.batches > 0 {
		epochLoss = c.trainingLoss / float64(c.batches)
		epochAcc = c.trainingAcc / float64(c.batches)
	}
	c.trainingLoss, c.trainingAcc, c.batches = 0, 0, 0

	if c.kind == ScheduleAdaptive {
		c.detectTurningPoint(epoch, epochLoss)
	}

	row := checkpoints.HistoryRow{
		Iteration: i,
		Epoch:     epoch,
		TrainLoss: epochLoss,
		TrainAcc:  epochAcc,
		TestAcc:   prec1,
	}
	if i == c.cfg.Iters {
		// the closing row reports the best accuracy of the run
		row.TestAcc = c.state.BestAccuracy
	}
	c.history = append(c.history, row)

	if c.ckpt == nil {
		return nil
	}
	if err := c.ckpt.Store().AppendHistory(ctx, row); err != nil {
		return errors.Wrap(err, "failed to record history")
	}
	if _, err := c.ckpt.Save(ctx, &c.state, isBest); err != nil {
		return err
	}
	return nil
}

func (c *Controller) detectTurningPoint(epoch int, epochLoss float64) {
	if c.detector.ObserveScaleLoss(epoch, epochLoss) {
		c.logger.WithField("epoch", epoch).Infof("scale_loss at epoch %d: %f", epoch, c.detector.ScaleLoss())
	}
	if c.state.TurningPoints < c.cfg.NumTurningPoints {
		c.detector.RecordEpochLoss(epochLoss)
		if c.detector.Evaluate() {
			c.state.TurningPoints++
			c.logger.WithFields(logrus.Fields{"epoch": epoch, "turning_points": c.state.TurningPoints}).
				Infof("find %d-th turning point at %d-th epoch", c.state.TurningPoints, epoch)
			c.detector.OnTurningPoint(c.state.TurningPoints)
		}
	}
	c.logger.WithField("epoch", epoch).Infof("Epoch [%d] %s", epoch, c.precision.Describe())
}

func (c *Controller) summary() Summary {
	s := Summary{
		Iteration:     c.state.Iteration,
		BestAccuracy:  c.state.BestAccuracy,
		BestIteration: c.state.BestIteration,
		TurningPoints: c.state.TurningPoints,
		History:       append([]checkpoints.HistoryRow(nil), c.history...),
	}
	if c.swa != nil {
		s.BestSWAAccuracy, _ = c.swa.Best()
	}
	return s
}
