package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect scan batch history",
	Long:  "Commands for listing, viewing, and summarizing scan batches.",
}

// -- batches list --

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scan batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		batches, err := st.ListBatches(ctx, store.BatchFilter{
			Status: model.BatchStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "batches list")
		}

		if len(batches) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}

		formatBatchList(cmd.OutOrStdout(), batches)
		return nil
	},
}

// -- batches show --

// batchDetail is what batches show prints.
type batchDetail struct {
	Batch *model.ScanBatch   `json:"batch"`
	Scans []model.ScanRecord `json:"scans"`
}

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch and its scan records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := st.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "batches show")
		}
		scans, err := st.ListScanRecords(ctx, store.ScanFilter{BatchID: b.ID})
		if err != nil {
			return eris.Wrap(err, "batches show")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(batchDetail{Batch: b, Scans: scans})
	},
}

// -- batches stats --

var batchesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate batch statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		batches, err := st.ListBatches(ctx, store.BatchFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "batches stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatBatchStats(cmd.OutOrStdout(), computeBatchStats(batches, cutoff))
		return nil
	},
}

func init() {
	batchesListCmd.Flags().String("status", "", "filter by batch status (pending, processing, completed, failed)")
	batchesListCmd.Flags().Int("limit", 50, "max number of batches to display")

	batchesStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	batchesCmd.AddCommand(batchesStatsCmd)
	rootCmd.AddCommand(batchesCmd)
}

// batchStats holds aggregate statistics computed from a set of batches.
type batchStats struct {
	Total      int
	Completed  int
	Failed     int
	Cancelled  int
	Other      int
	TotalCost  float64
	AvgDurSecs float64
}

// computeBatchStats aggregates batches created at or after cutoff. A zero
// cutoff includes everything.
func computeBatchStats(batches []model.ScanBatch, cutoff time.Time) batchStats {
	var s batchStats
	var totalDur time.Duration
	var durCount int

	for _, b := range batches {
		if b.CreatedAt.Before(cutoff) {
			continue
		}
		s.Total++
		s.TotalCost += b.TotalCost

		switch b.Status {
		case model.BatchStatusCompleted:
			s.Completed++
		case model.BatchStatusFailed:
			s.Failed++
			if b.Error == "cancelled" {
				s.Cancelled++
			}
		default:
			s.Other++
		}
		if b.FinishedAt != nil {
			totalDur += b.FinishedAt.Sub(b.CreatedAt)
			durCount++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatBatchList writes a tabular list of batches to w.
func formatBatchList(out io.Writer, batches []model.ScanBatch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSCAN_DATE\tENTITIES\tSTATUS\tCOST\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t---------\t--------\t------\t----\t-------\t--------")

	for _, b := range batches {
		dur := "-"
		if b.FinishedAt != nil {
			dur = b.FinishedAt.Sub(b.CreatedAt).Round(time.Second).String()
		}
		status := string(b.Status)
		if b.Error != "" {
			status += " (" + truncate(b.Error, 30) + ")"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t$%.4f\t%s\t%s\n",
			truncateID(b.ID),
			b.ScanDate.Format(dateLayout),
			len(b.EntityIDs),
			status,
			b.TotalCost,
			b.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatBatchStats writes aggregate stats to w.
func formatBatchStats(out io.Writer, s batchStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total batches:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "  Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "Other:\t%d\n", s.Other)
	_, _ = fmt.Fprintf(w, "Total cost:\t$%.4f\n", s.TotalCost)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
