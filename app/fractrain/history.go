package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fractrain/go-fractrain/checkpoints"
	"github.com/fractrain/go-fractrain/training"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the per-epoch history and aliases of a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v, configPath)
		if err != nil {
			return err
		}
		return printHistory(cmd.Context(), cmd.OutOrStdout(), cfg)
	},
}

func printHistory(ctx context.Context, out io.Writer, cfg training.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, closer, err := training.NewLogger(cfg.LogLevel, "")
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := openTestStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.History(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if sq, ok := store.(*checkpoints.SQLiteStore); ok {
		fmt.Fprintf(w, "run\t%s\n", sq.RunID())
		aliases, err := sq.Aliases(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(aliases))
		for name := range aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%s\n", name, aliases[name])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "iter\tepoch\ttrain_loss\ttrain_acc\ttest_acc")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%d\t%.4f\t%.3f\t%.3f\n", r.Iteration, r.Epoch, r.TrainLoss, r.TrainAcc, r.TestAcc)
	}
	return w.Flush()
}
