package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fractrain/go-fractrain/training"
)

var trainData = defaultDataOptions()

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the synthetic gated model under the controller",
	Long: `Train runs the full controller loop: learning-rate and precision schedules,
the computation regularizer, periodic validation, weight averaging and a
checkpoint per evaluation. SIGINT or SIGTERM stops at the next iteration
boundary; the last checkpoint is the recovery point.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v, configPath)
		if err != nil {
			return err
		}
		return runTrain(cmd.Context(), cfg, trainData)
	},
}

func init() {
	flags := trainCmd.Flags()
	flags.Int("iters", 0, "Training iterations (overrides config)")
	flags.Int("eval-every", 0, "Iterations between evaluations (overrides config)")
	flags.String("mode", "", "dynamic_ratio or precision")
	flags.String("schedule", "", "fixed or adaptive")
	flags.String("resume", "", "Checkpoint to resume from: latest, best or a path")
	flags.Bool("proceed", false, "Resume the iteration counter and schedules, not just the weights")

	flags.IntVar(&trainData.trainSamples, "train-samples", trainData.trainSamples, "Synthetic training samples")
	flags.IntVar(&trainData.valSamples, "val-samples", trainData.valSamples, "Synthetic validation samples")
	flags.Float64Var(&trainData.spread, "spread", trainData.spread, "Class overlap of the synthetic data")
	flags.BoolVar(&trainData.recurrent, "recurrent", false, "Carry gate state across batches")
	flags.IntVar(&trainData.prefetch, "prefetch", trainData.prefetch, "Training batches to prepare in the background (0 disables)")

	bindFlags(trainCmd, false, map[string]string{
		"iters":      "iters",
		"eval-every": "eval_every",
		"mode":       "mode",
		"schedule":   "schedule",
		"resume":     "resume",
		"proceed":    "proceed",
	})
}

func runTrain(ctx context.Context, cfg training.Config, data dataOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, closer, err := training.NewLogger(cfg.LogLevel, filepath.Join(cfg.SaveFolder, training.LogFileName))
	if err != nil {
		return err
	}
	defer closer.Close()

	if effective, err := cfg.YAML(); err == nil {
		logger.Debugf("Effective config:\n%s", effective)
	}

	opts, cleanup, err := buildRun(ctx, cfg, data, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	controller, err := training.NewController(cfg, opts)
	if err != nil {
		return err
	}
	if err := controller.Resume(ctx); err != nil {
		return errors.Wrap(err, "resume")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchSignals(gctx, cancel, logger)
	})

	var summary training.Summary
	start := time.Now()
	g.Go(func() error {
		defer cancel()
		var err error
		summary, err = controller.Run(gctx)
		return err
	})

	err = g.Wait()
	logger.WithFields(logrus.Fields{
		"iter":      summary.Iteration,
		"best_prec": summary.BestAccuracy,
		"best_iter": summary.BestIteration,
		"elapsed":   time.Since(start).Round(time.Millisecond),
	}).Infof("Run stopped at iteration %s, started %s", humanize.Comma(int64(summary.Iteration)), humanize.Time(start))
	if errors.Is(err, context.Canceled) {
		logger.Warn("Training interrupted; resume with --resume latest --proceed")
		return nil
	}
	return err
}

// buildRun assembles the controller collaborators for a synthetic run
func buildRun(ctx context.Context, cfg training.Config, data dataOptions, logger logrus.FieldLogger) (training.ControllerOptions, func(), error) {
	model, err := newModel(cfg, data)
	if err != nil {
		return training.ControllerOptions{}, nil, err
	}
	trainLoader, valLoader, err := newLoaders(cfg, data)
	if err != nil {
		return training.ControllerOptions{}, nil, err
	}
	opt, err := newOptimizer(cfg, model)
	if err != nil {
		return training.ControllerOptions{}, nil, err
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return training.ControllerOptions{}, nil, err
	}

	opts := training.ControllerOptions{
		Model:       model,
		Optimizer:   opt,
		Criterion:   training.NewCrossEntropyLoss("mean"),
		TrainLoader: trainLoader,
		ValLoader:   valLoader,
		Checkpoints: training.NewCheckpointManager(store, cfg.Arch, logger),
		Logger:      logger,
	}

	var prefetch *training.PrefetchLoader
	cleanup := func() {
		if prefetch != nil {
			_ = prefetch.Close()
		}
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close checkpoint store")
		}
	}

	if data.prefetch > 0 {
		if prefetch, err = training.NewPrefetchLoader(trainLoader, data.prefetch); err != nil {
			cleanup()
			return training.ControllerOptions{}, nil, err
		}
		opts.TrainLoader = prefetch
	}
	if cfg.SWAEnabled() {
		if opts.SWAModel, err = newModel(cfg, data); err != nil {
			cleanup()
			return training.ControllerOptions{}, nil, err
		}
		// the normalization refresh needs its own cursor over the training data
		if opts.SWALoader, _, err = newLoaders(cfg, data); err != nil {
			cleanup()
			return training.ControllerOptions{}, nil, err
		}
	}
	return opts, cleanup, nil
}

// watchSignals cancels the run on SIGINT or SIGTERM
func watchSignals(ctx context.Context, cancel context.CancelFunc, logger logrus.FieldLogger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Warn("Shutdown requested, stopping at the next iteration")
		cancel()
	case <-ctx.Done():
	}
	return nil
}
