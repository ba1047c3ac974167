package main

import (
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

// parseScanDate parses a YYYY-MM-DD flag value. Empty means today in UTC.
func parseScanDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}

var scanCmd = &cobra.Command{
	Use:   "scan [entity-id...]",
	Short: "Run a scan batch for the given entities, or every entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dateFlag, _ := cmd.Flags().GetString("date")
		day, err := parseScanDate(dateFlag, time.Now())
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "scan", true)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Processor.Run(ctx, args, day)
		if err != nil {
			return eris.Wrap(err, "scan")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "encode result")
		}
		if !res.Success {
			return eris.Errorf("batch %s failed: %s", res.BatchID, res.Error)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().String("date", "", "scan date YYYY-MM-DD (default today, UTC)")
	rootCmd.AddCommand(scanCmd)
}
