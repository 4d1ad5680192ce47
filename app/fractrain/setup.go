package main

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fractrain/go-fractrain/checkpoints"
	"github.com/fractrain/go-fractrain/models/synthetic"
	"github.com/fractrain/go-fractrain/optimizer"
	"github.com/fractrain/go-fractrain/training"
)

const sqliteFileName = "checkpoints.db"

// dataOptions shape the synthetic classification task
type dataOptions struct {
	trainSamples int
	valSamples   int
	inputDim     int
	classes      int
	spread       float64
	recurrent    bool
	prefetch     int // batches prepared ahead of the training step, 0 disables
}

func defaultDataOptions() dataOptions {
	return dataOptions{
		trainSamples: 2048,
		valSamples:   512,
		inputDim:     8,
		classes:      4,
		spread:       1.5,
	}
}

// newModel builds a synthetic model whose stage count follows the cost info
// file when one is configured
func newModel(cfg training.Config, data dataOptions) (*synthetic.Model, error) {
	stages := synthetic.DefaultConfig().Stages
	if cfg.ConvInfo != "" {
		info, err := training.LoadCostInfo(cfg.ConvInfo)
		if err != nil {
			return nil, err
		}
		stages = len(info.Conv)
	}
	choices := len(cfg.Bits)
	if choices == 0 {
		choices = len(training.DefaultBits)
	}
	return synthetic.New(synthetic.Config{
		InputDim:  data.inputDim,
		Classes:   data.classes,
		Stages:    stages,
		Choices:   choices,
		Recurrent: data.recurrent,
		Seed:      cfg.Seed,
	})
}

// newLoaders returns the shuffled training loader and the ordered
// validation loader. Both draw from the same class centers.
func newLoaders(cfg training.Config, data dataOptions) (train, val *training.DataLoader, err error) {
	ds, err := synthetic.Blobs(data.trainSamples+data.valSamples, data.inputDim, data.classes, data.spread, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	trainSet, err := training.NewSubsetDataset(ds, 0, data.trainSamples)
	if err != nil {
		return nil, nil, err
	}
	valSet, err := training.NewSubsetDataset(ds, data.trainSamples, data.valSamples)
	if err != nil {
		return nil, nil, err
	}
	if train, err = training.NewDataLoader(trainSet, cfg.BatchSize, true, cfg.Seed); err != nil {
		return nil, nil, err
	}
	if val, err = training.NewDataLoader(valSet, cfg.BatchSize, false, cfg.Seed); err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

func newOptimizer(cfg training.Config, model training.Model) (*optimizer.SGD, error) {
	return optimizer.NewSGD(optimizer.SGDConfig{
		LearningRate: cfg.LR,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
	}, model.Params().Groups())
}

// openStore opens the configured checkpoint store. A sqlite store without a
// run id continues the most recent run when resuming and starts a new one
// otherwise.
func openStore(ctx context.Context, cfg training.Config, logger logrus.FieldLogger) (checkpoints.Store, error) {
	switch cfg.Store {
	case "sqlite":
		store := checkpoints.NewSQLiteStore(filepath.Join(cfg.SaveFolder, sqliteFileName), cfg.RunID)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if cfg.RunID == "" {
			runID := ""
			if cfg.Resume != "" {
				latest, err := store.LatestRunID(ctx)
				if err != nil {
					_ = store.Close()
					return nil, err
				}
				runID = latest
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			store.UseRun(runID)
		}
		logger.WithField("run_id", store.RunID()).Info("Using sqlite checkpoint store")
		return store, nil

	case "file", "":
		format, err := checkpoints.ParseFormat(cfg.Format)
		if err != nil {
			return nil, err
		}
		store, err := checkpoints.NewFileStore(cfg.SaveFolder, format)
		if err != nil {
			return nil, err
		}
		store.MaxCheckpoints = cfg.MaxCheckpoints
		return store, nil

	default:
		return nil, errors.Errorf("unknown checkpoint store %q", cfg.Store)
	}
}

// evalSpec is the precision a checkpoint is evaluated at outside of training:
// the dynamic choices, or the first scheduled precision pair
func evalSpec(cfg training.Config) (training.PrecisionSpec, error) {
	mode, err := cfg.ParsedMode()
	if err != nil {
		return training.PrecisionSpec{}, err
	}
	if mode == training.ModeDynamicRatio {
		return training.PrecisionSpec{Bits: cfg.Bits, GradBits: cfg.GradBits}, nil
	}
	p, err := cfg.NewPrecisionScheduler(nil)
	if err != nil {
		return training.PrecisionSpec{}, err
	}
	active := p.Update(0, 0)
	return training.PrecisionSpec{NumBits: active.NumBits, NumGradBits: active.NumGradBits}, nil
}
