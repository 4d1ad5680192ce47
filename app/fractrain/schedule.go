package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fractrain/go-fractrain/training"
)

var scheduleTurningPoints []int

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the learning rate and precision schedule without training",
	Long: `Schedule replays the learning-rate and precision schedulers over the
configured run and prints one row per evaluation boundary and per change.
Adaptive schedules advance on turning points, which only a real run can
find; pass --turning-points to preview them at chosen iterations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v, configPath)
		if err != nil {
			return err
		}
		return printSchedule(cmd.OutOrStdout(), cfg, scheduleTurningPoints)
	},
}

func init() {
	scheduleCmd.Flags().IntSliceVar(&scheduleTurningPoints, "turning-points", nil,
		"Iterations at which to assume a turning point (adaptive schedules)")
}

// printSchedule writes the schedule table. turningPoints lists iterations at
// which a turning point is assumed.
func printSchedule(out io.Writer, cfg training.Config, turningPoints []int) error {
	lr, err := cfg.NewLRScheduler(nil)
	if err != nil {
		return err
	}
	precision, err := cfg.NewPrecisionScheduler(nil)
	if err != nil {
		return err
	}
	tps := append([]int(nil), turningPoints...)
	sort.Ints(tps)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if precision.Mode == training.ModePrecision {
		fmt.Fprintln(w, "iter\tlr\tnum_bits\tnum_grad_bits\tcr\tphase")
	} else {
		fmt.Fprintln(w, "iter\tlr\ttarget_ratio\tphase")
	}

	var prev training.ScheduleValue
	prevLR := -1.0
	count := 0
	total := cfg.TotalSteps()
	for i := 0; i < total; i++ {
		for count < len(tps) && tps[count] <= i {
			count++
		}
		rate := lr.LR(i)
		active := precision.Update(i, count)

		boundary := i == 0 || (i+1)%cfg.EvalEvery == 0 || i == total-1
		if !boundary && active == prev && rate == prevLR {
			continue
		}
		prev, prevLR = active, rate

		phase := "train"
		if i >= cfg.Iters {
			phase = "finetune"
		}
		if precision.Mode == training.ModePrecision {
			cr := training.PrecisionCostRatio(active.NumBits, active.NumGradBits)
			if phase == "finetune" {
				cr = 1
			}
			fmt.Fprintf(w, "%d\t%g\t%d\t%d\t%.4f\t%s\n", i, rate, active.NumBits, active.NumGradBits, cr, phase)
		} else {
			fmt.Fprintf(w, "%d\t%g\t%g\t%s\n", i, rate, active.TargetRatio, phase)
		}
	}
	return w.Flush()
}
