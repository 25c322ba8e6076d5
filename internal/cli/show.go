package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crypto-market-etl/internal/app"
)

var (
	showLimit    int
	showSymbol   string
	showCurrency string
	showRuns     bool
)

var showCmd = &cobra.Command{
	Use:         "show",
	Short:       "Display recent price records or pipeline runs",
	Annotations: map[string]string{dataOutput: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			Symbol:   showSymbol,
			Currency: showCurrency,
			Runs:     showRuns,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Only show this symbol")
	showCmd.Flags().StringVar(&showCurrency, "currency", "", "Only show this quote currency")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "List pipeline run metrics instead of prices")
}
