package training

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fractrain/go-fractrain/checkpoints"
	"github.com/fractrain/go-fractrain/optimizer"
)

// TrainingState is the live state a checkpoint is built from and restored into
type TrainingState struct {
	Iteration     int
	Accuracy      float64
	BestAccuracy  float64
	BestIteration int
	LearningRate  float64
	TurningPoints int

	Model     Model
	Optimizer optimizer.Optimizer // optional
	Scheduler *PrecisionScheduler // optional
	Detector  *TurningPointDetector
	SWA       *SWA // nil when weight averaging is disabled
}

// CheckpointManager writes a checkpoint every evaluation cycle and restores
// runs from one
type CheckpointManager struct {
	store  checkpoints.Store
	arch   string
	logger logrus.FieldLogger
}

// NewCheckpointManager creates a manager over store
func NewCheckpointManager(store checkpoints.Store, arch string, logger logrus.FieldLogger) *CheckpointManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CheckpointManager{
		store:  store,
		arch:   arch,
		logger: logger,
	}
}

// Store returns the underlying checkpoint store
func (cm *CheckpointManager) Store() checkpoints.Store {
	return cm.store
}

// Save builds a record from st and writes it, moving the best alias when isBest
func (cm *CheckpointManager) Save(ctx context.Context, st *TrainingState, isBest bool) (checkpoints.SaveResult, error) {
	checkpoint, err := cm.buildCheckpoint(st)
	if err != nil {
		return checkpoints.SaveResult{}, errors.Wrap(err, "failed to create checkpoint")
	}

	res, err := cm.store.Save(ctx, checkpoint, isBest)
	if err != nil {
		return res, errors.Wrapf(err, "failed to save checkpoint at iteration %d", st.Iteration)
	}

	cm.logger.WithFields(logrus.Fields{
		"iter": st.Iteration,
		"ref":  res.Ref,
		"size": humanize.Bytes(uint64(res.Bytes)),
		"best": isBest,
	}).Info("Saved checkpoint")
	return res, nil
}

// Restore loads ref into st. Weights, best accuracy and averaging state are
// always restored; the iteration counter, optimizer and scheduler state only
// when resumeProgress is set. A missing checkpoint is logged and reported as
// false so training starts fresh.
func (cm *CheckpointManager) Restore(ctx context.Context, ref string, st *TrainingState, resumeProgress bool) (bool, error) {
	checkpoint, err := cm.store.Load(ctx, ref)
	if err != nil {
		if errors.Is(err, checkpoints.ErrNotFound) {
			cm.logger.WithField("ref", ref).Warnf("=> no checkpoint found at `%s`", ref)
			return false, nil
		}
		return false, err
	}
	cm.logger.WithField("ref", ref).Infof("=> loading checkpoint `%s`", ref)

	if checkpoint.Arch != "" && cm.arch != "" && checkpoint.Arch != cm.arch {
		return false, errors.Wrapf(ErrInvalidConfig, "checkpoint architecture %s does not match %s", checkpoint.Arch, cm.arch)
	}
	if err := LoadWeights(st.Model.Params(), checkpoint.Weights); err != nil {
		return false, errors.Wrap(err, "failed to load model weights")
	}
	st.BestAccuracy = checkpoint.BestAccuracy
	st.BestIteration = checkpoint.BestIteration

	if st.SWA != nil {
		if len(checkpoint.SWAWeights) > 0 {
			if err := LoadWeights(st.SWA.Model().Params(), checkpoint.SWAWeights); err != nil {
				return false, errors.Wrap(err, "failed to load swa weights")
			}
		}
		st.SWA.Restore(checkpoint.SWACount, checkpoint.BestSWAAccuracy)
	}

	if resumeProgress {
		st.Iteration = checkpoint.Iteration
		cm.restoreProgress(checkpoint, st)
		if st.Optimizer != nil && checkpoint.OptimizerState != nil {
			if err := st.Optimizer.LoadState(optimizer.FromCheckpoint(checkpoint.OptimizerState)); err != nil {
				return false, errors.Wrap(err, "failed to load optimizer state")
			}
		}
	} else {
		st.Iteration = 0
	}

	cm.logger.WithFields(logrus.Fields{
		"iter":      checkpoint.Iteration,
		"best_prec": checkpoint.BestAccuracy,
		"proceed":   resumeProgress,
	}).Infof("=> loaded checkpoint `%s` (iter: %d)", ref, checkpoint.Iteration)
	return true, nil
}

func (cm *CheckpointManager) restoreProgress(checkpoint *checkpoints.Checkpoint, st *TrainingState) {
	c := checkpoint.Controller
	st.LearningRate = c.LearningRate
	st.TurningPoints = c.TurningPoints
	st.Accuracy = checkpoint.Accuracy

	if st.Detector != nil {
		st.Detector.Restore(DetectorState{
			Threshold:      c.Threshold,
			History:        c.LossHistory,
			ScaleLoss:      c.ScaleLoss,
			ScaleLossSum:   c.ScaleLossSum,
			ScaleLossCount: c.ScaleLossCount,
		})
	}
	if st.Scheduler != nil {
		st.Scheduler.Restore(c.ScheduleCursor, ScheduleValue{
			TargetRatio: c.TargetRatio,
			NumBits:     c.NumBits,
			NumGradBits: c.NumGradBits,
		})
		// The next Update sees iteration st.Iteration; breakpoints before it
		// are already behind us
		st.Scheduler.Resync(st.Iteration)
	}
}

func (cm *CheckpointManager) buildCheckpoint(st *TrainingState) (*checkpoints.Checkpoint, error) {
	if st == nil || st.Model == nil {
		return nil, errors.New("training state has no model")
	}
	checkpoint := &checkpoints.Checkpoint{
		Iteration:     st.Iteration,
		Arch:          cm.arch,
		Weights:       RegistryWeights(st.Model.Params()),
		Accuracy:      st.Accuracy,
		BestAccuracy:  st.BestAccuracy,
		BestIteration: st.BestIteration,
		Controller: checkpoints.ControllerState{
			LearningRate:  st.LearningRate,
			TurningPoints: st.TurningPoints,
		},
	}

	if st.SWA != nil {
		checkpoint.SWAWeights = RegistryWeights(st.SWA.Model().Params())
		checkpoint.SWACount = st.SWA.Count()
		checkpoint.BestSWAAccuracy, _ = st.SWA.Best()
	}

	if st.Detector != nil {
		ds := st.Detector.Snapshot()
		checkpoint.Controller.Threshold = ds.Threshold
		checkpoint.Controller.LossHistory = ds.History
		checkpoint.Controller.ScaleLoss = ds.ScaleLoss
		checkpoint.Controller.ScaleLossSum = ds.ScaleLossSum
		checkpoint.Controller.ScaleLossCount = ds.ScaleLossCount
	}
	if st.Scheduler != nil {
		active := st.Scheduler.Active()
		checkpoint.Controller.ScheduleCursor = st.Scheduler.Cursor()
		checkpoint.Controller.TargetRatio = active.TargetRatio
		checkpoint.Controller.NumBits = active.NumBits
		checkpoint.Controller.NumGradBits = active.NumGradBits
	}

	if st.Optimizer != nil {
		state, err := st.Optimizer.GetState()
		if err != nil {
			return nil, errors.Wrap(err, "failed to extract optimizer state")
		}
		checkpoint.OptimizerState = state.ToCheckpoint()
	}
	return checkpoint, nil
}

// RegistryWeights copies every parameter of the registry into checkpoint tensors
func RegistryWeights(registry *optimizer.Registry) []checkpoints.WeightTensor {
	var weights []checkpoints.WeightTensor
	for _, g := range registry.Groups() {
		for _, p := range g.Params {
			weights = append(weights, checkpoints.WeightTensor{
				Name:   p.Name,
				Shape:  append([]int(nil), p.Shape...),
				Data:   append([]float32(nil), p.Data...),
				Group:  g.Name,
				Buffer: p.Buffer,
			})
		}
	}
	return weights
}

// LoadWeights copies checkpoint tensors into the registry by name. Every
// parameter must be present with a matching element count.
func LoadWeights(registry *optimizer.Registry, weights []checkpoints.WeightTensor) error {
	byName := make(map[string]*checkpoints.WeightTensor, len(weights))
	for i := range weights {
		byName[weights[i].Name] = &weights[i]
	}

	params := registry.Params()
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("missing weights for parameter %s", p.Name)
		}
		if len(w.Data) != len(p.Data) {
			return errors.Wrapf(ErrLengthMismatch, "parameter %s: checkpoint has %d elements, model has %d",
				p.Name, len(w.Data), len(p.Data))
		}
	}
	if len(weights) != len(params) {
		return errors.Wrapf(ErrLengthMismatch, "checkpoint has %d tensors, model has %d", len(weights), len(params))
	}

	for _, p := range params {
		copy(p.Data, byName[p.Name].Data)
	}
	return nil
}
