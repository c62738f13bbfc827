package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Alerts lists recent alerts, or acknowledges one when AckID is set.
func (a *App) Alerts(ctx context.Context, opts AlertsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot query alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.AckID != "" {
		if err := store.MarkAlertRead(ctx, opts.AckID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "alert %s marked as read\n", opts.AckID)
		return nil
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tBucket (UTC)\tPair\tSeverity\tDeviation%\tRead")

	for _, alert := range alerts {
		read := " "
		if alert.IsRead {
			read = "✓"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.ID,
			alert.BucketTS.UTC().Format(time.RFC3339),
			alert.Pair,
			alert.Severity,
			alert.DeviationPct.StringFixed(2),
			read,
		)
	}

	writer.Flush()
	return nil
}
