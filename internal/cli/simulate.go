package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crypto-market-etl/internal/app"
)

var (
	simulateDagID    string
	simulateTaskID   string
	simulateMessage  string
	simulateSeverity string
)

var simulateCmd = &cobra.Command{
	Use:         "simulate-alert",
	Short:       "Send a synthetic failure alert through the configured channels",
	Annotations: map[string]string{dataOutput: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		alert, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			DagID:    simulateDagID,
			TaskID:   simulateTaskID,
			Message:  simulateMessage,
			Severity: simulateSeverity,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "alert dispatched for run %s\n", alert.RunID)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateDagID, "dag-id", "", "Workflow identifier (defaults to scheduler.dag_id)")
	simulateCmd.Flags().StringVar(&simulateTaskID, "task-id", "extract_market_data", "Stage reported as failed")
	simulateCmd.Flags().StringVar(&simulateMessage, "message", "", "Error message carried by the alert")
	simulateCmd.Flags().StringVar(&simulateSeverity, "severity", "", "critical or error (derived from the message when empty)")
}
