package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fx-rate-alerts/internal/app"
)

var (
	indicatorPair   string
	indicatorKind   string
	indicatorWindow int
)

var indicatorCmd = &cobra.Command{
	Use:   "indicator",
	Short: "Compute a technical indicator for a pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		if indicatorPair == "" {
			return fmt.Errorf("--pair must be provided")
		}
		if indicatorWindow <= 0 {
			return fmt.Errorf("--window must be greater than zero")
		}

		opts := app.IndicatorOptions{
			Pair:   indicatorPair,
			Kind:   indicatorKind,
			Window: indicatorWindow,
		}

		return getApp().Indicator(cmd.Context(), opts)
	},
}

func init() {
	indicatorCmd.Flags().StringVar(&indicatorPair, "pair", "", "Currency pair, e.g. USD/COP")
	indicatorCmd.Flags().StringVar(&indicatorKind, "kind", "RSI", "Indicator kind (RSI or SMA)")
	indicatorCmd.Flags().IntVar(&indicatorWindow, "window", 14, "Rolling window size")
}
