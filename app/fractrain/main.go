// Command fractrain drives dynamic-precision training runs: it trains the
// synthetic gated model under the precision/budget controller, evaluates
// checkpoints, previews schedules and inspects checkpoint stores.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "1.0.0"

// Global flags
var (
	configPath string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "fractrain",
	Short: "Training controller for dynamic-precision and gated networks",
	Long: `fractrain trains networks whose precision or computation budget changes
during training. A learning-rate schedule, a precision/target-ratio schedule
driven by breakpoints or loss plateaus, a computation-cost regularizer,
weight averaging and resumable checkpoints are all configured from one
YAML file, with FRACTRAIN_* environment overrides.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Configuration file (YAML)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("save-folder", "", "Checkpoint and log directory")
	flags.String("store", "", "Checkpoint store: file or sqlite")
	flags.String("format", "", "Checkpoint format for the file store: json or proto")
	flags.String("run-id", "", "Run identifier in a sqlite store")

	bindFlags(rootCmd, true, map[string]string{
		"log-level":   "log_level",
		"save-folder": "save_folder",
		"store":       "store",
		"format":      "format",
		"run-id":      "run_id",
	})

	rootCmd.AddCommand(trainCmd, testCmd, scheduleCmd, inspectCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
