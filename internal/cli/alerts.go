package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fx-rate-alerts/internal/app"
)

var (
	alertsLimit int
	alertsAckID string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List recent alerts or acknowledge one",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsAckID == "" && alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.AlertsOptions{
			Limit: alertsLimit,
			AckID: alertsAckID,
		}

		return getApp().Alerts(cmd.Context(), opts)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().StringVar(&alertsAckID, "ack", "", "Alert ID to mark as read")
}
