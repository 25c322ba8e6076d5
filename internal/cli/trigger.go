package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crypto-market-etl/internal/app"
)

var (
	triggerDagID     string
	triggerRunID     string
	triggerScheduled string
	triggerTimeout   time.Duration
)

// triggerCmd is the entry point for an external scheduler: one invocation is
// one run, and a non-zero exit marks the task failed.
var triggerCmd = &cobra.Command{
	Use:         "trigger",
	Short:       "Execute a single pipeline run and exit",
	Annotations: map[string]string{dataOutput: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.TriggerOptions{
			DagID:   triggerDagID,
			RunID:   triggerRunID,
			Timeout: triggerTimeout,
		}
		if triggerScheduled != "" {
			scheduled, err := time.Parse(time.RFC3339, triggerScheduled)
			if err != nil {
				return fmt.Errorf("invalid --scheduled-time value: %w", err)
			}
			opts.ScheduledTime = &scheduled
		}

		_, err := getApp().Trigger(cmd.Context(), opts)
		return err
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerDagID, "dag-id", "", "Workflow identifier (defaults to scheduler.dag_id)")
	triggerCmd.Flags().StringVar(&triggerRunID, "run-id", "", "Run identifier; reusing one overwrites its metric")
	triggerCmd.Flags().StringVar(&triggerScheduled, "scheduled-time", "", "Logical run time (RFC3339); records are observed at this instant")
	triggerCmd.Flags().DurationVar(&triggerTimeout, "timeout", 0, "Cancel the run after this duration")
}
