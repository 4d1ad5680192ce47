package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fractrain/go-fractrain/checkpoints"
	"github.com/fractrain/go-fractrain/training"
)

var (
	testRef  string
	testData = defaultDataOptions()
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Evaluate a checkpoint at the scheduled and at full precision",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v, configPath)
		if err != nil {
			return err
		}
		_, err = runTest(cmd.Context(), cfg, testData, testRef)
		return err
	},
}

func init() {
	flags := testCmd.Flags()
	flags.StringVar(&testRef, "checkpoint", checkpoints.AliasBest, "Checkpoint to evaluate: latest, best or a path")
	flags.IntVar(&testData.valSamples, "val-samples", testData.valSamples, "Synthetic validation samples")
	flags.BoolVar(&testData.recurrent, "recurrent", false, "Carry gate state across batches")
}

// testResult holds both evaluations of a checkpoint
type testResult struct {
	Scheduled training.EvalResult
	Full      training.EvalResult
}

func runTest(ctx context.Context, cfg training.Config, data dataOptions, ref string) (testResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, closer, err := training.NewLogger(cfg.LogLevel, "")
	if err != nil {
		return testResult{}, err
	}
	defer closer.Close()

	store, err := openTestStore(ctx, cfg, logger)
	if err != nil {
		return testResult{}, err
	}
	defer store.Close()

	checkpoint, err := store.Load(ctx, ref)
	if err != nil {
		return testResult{}, errors.Wrapf(err, "failed to load checkpoint %s", ref)
	}
	model, err := newModel(cfg, data)
	if err != nil {
		return testResult{}, err
	}
	if err := training.LoadWeights(model.Params(), checkpoint.Weights); err != nil {
		return testResult{}, err
	}
	_, val, err := newLoaders(cfg, data)
	if err != nil {
		return testResult{}, err
	}

	validator := &training.Validator{
		Loader:    val,
		Criterion: training.NewCrossEntropyLoss("mean"),
		Classes:   data.classes,
		Logger:    logger,
	}
	if mode, _ := cfg.ParsedMode(); mode == training.ModeDynamicRatio {
		if validator.Regularizer, err = cfg.NewRegularizer(model.NumStages()); err != nil {
			return testResult{}, err
		}
	}

	spec, err := evalSpec(cfg)
	if err != nil {
		return testResult{}, err
	}
	var res testResult
	if res.Scheduled, err = validator.Validate(ctx, model, spec, checkpoint.Iteration, ""); err != nil {
		return res, err
	}
	if res.Full, err = validator.ValidateFullPrecision(ctx, model, checkpoint.Iteration, len(spec.Bits)); err != nil {
		return res, err
	}
	logger.WithFields(logrus.Fields{
		"iter":       checkpoint.Iteration,
		"prec1":      res.Scheduled.Accuracy,
		"full_prec1": res.Full.Accuracy,
		"cp":         res.Scheduled.Ratios.Total,
	}).Info("Checkpoint evaluated")
	logConfusion(logger, res.Scheduled.Confusion)
	return res, nil
}

func logConfusion(logger logrus.FieldLogger, cm *training.ConfusionMatrix) {
	if cm == nil {
		return
	}
	fields := logrus.Fields{
		"macro_precision": cm.GetMetric(training.MacroPrecision),
		"macro_recall":    cm.GetMetric(training.MacroRecall),
	}
	for c := 0; c < cm.NumClasses; c++ {
		fields[fmt.Sprintf("recall_%d", c)] = cm.ClassRecall(c)
	}
	logger.WithFields(fields).Infof("Macro F1 %.4f over %d samples", cm.GetMetric(training.MacroF1), cm.TotalSamples)
}

// openTestStore opens the store read-side: a sqlite store without a run id
// reads the most recent run
func openTestStore(ctx context.Context, cfg training.Config, logger logrus.FieldLogger) (checkpoints.Store, error) {
	if cfg.Store != "sqlite" {
		format, err := checkpoints.ParseFormat(cfg.Format)
		if err != nil {
			return nil, err
		}
		return checkpoints.NewFileStore(cfg.SaveFolder, format)
	}
	store := checkpoints.NewSQLiteStore(filepath.Join(cfg.SaveFolder, sqliteFileName), cfg.RunID)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if cfg.RunID == "" {
		runID, err := store.LatestRunID(ctx)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		store.UseRun(runID)
	}
	logger.WithField("run_id", store.RunID()).Debug("Reading sqlite checkpoint store")
	return store, nil
}
