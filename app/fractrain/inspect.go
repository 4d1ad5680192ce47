package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fractrain/go-fractrain/checkpoints"
)

var inspectWeights bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "Print the contents of a checkpoint file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectCheckpoint(cmd.OutOrStdout(), args[0], inspectWeights)
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectWeights, "weights", false, "List every tensor")
}

// inspectCheckpoint decodes a JSON or binary checkpoint file and prints its
// progress, controller state and tensor summary
func inspectCheckpoint(out io.Writer, path string, listWeights bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "failed to stat checkpoint")
	}
	format := checkpoints.DetectFormat(path)
	ck, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return err
	}

	elements := 0
	for _, w := range ck.Weights {
		elements += len(w.Data)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "file\t%s (%s, %s)\n", path, format, humanize.Bytes(uint64(info.Size())))
	fmt.Fprintf(w, "id\t%s\n", ck.Metadata.ID)
	if ck.Metadata.RunID != "" {
		fmt.Fprintf(w, "run\t%s\n", ck.Metadata.RunID)
	}
	fmt.Fprintf(w, "created\t%s (%s)\n", ck.Metadata.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(ck.Metadata.CreatedAt))
	fmt.Fprintf(w, "arch\t%s\n", ck.Arch)
	fmt.Fprintf(w, "iter\t%d\n", ck.Iteration)
	fmt.Fprintf(w, "prec1\t%.3f\n", ck.Accuracy)
	fmt.Fprintf(w, "best_prec1\t%.3f at %d\n", ck.BestAccuracy, ck.BestIteration)
	fmt.Fprintf(w, "tensors\t%d (%s elements)\n", len(ck.Weights), humanize.Comma(int64(elements)))

	c := ck.Controller
	fmt.Fprintf(w, "lr\t%g\n", c.LearningRate)
	fmt.Fprintf(w, "schedule\tcursor=%d target_ratio=%g num_bits=%d num_grad_bits=%d\n",
		c.ScheduleCursor, c.TargetRatio, c.NumBits, c.NumGradBits)
	fmt.Fprintf(w, "turning points\t%d (threshold %g, scale_loss %g, %d losses kept)\n",
		c.TurningPoints, c.Threshold, c.ScaleLoss, len(c.LossHistory))
	if ck.SWACount > 0 {
		fmt.Fprintf(w, "swa\tn=%d best=%.3f\n", ck.SWACount, ck.BestSWAAccuracy)
	}
	if ck.OptimizerState != nil {
		fmt.Fprintf(w, "optimizer\t%s (%d state tensors)\n", ck.OptimizerState.Type, len(ck.OptimizerState.StateData))
	}

	if listWeights {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "name\tgroup\tshape\telements")
		for _, t := range ck.Weights {
			name := t.Name
			if t.Buffer {
				name += " (buffer)"
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", name, t.Group, t.Shape, humanize.Comma(int64(len(t.Data))))
		}
	}
	return w.Flush()
}
