package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var intelCmd = &cobra.Command{
	Use:   "intel",
	Short: "Competitive intelligence from snapshot history",
}

var intelIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Derive market snapshots from a day's completed scans",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dateFlag, _ := cmd.Flags().GetString("date")
		day, err := parseScanDate(dateFlag, time.Now())
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "intel", false)
		if err != nil {
			return err
		}
		defer env.Close()
		warnEphemeralHistory()

		snaps, err := env.Engine.Ingest(ctx, env.Store, day)
		if err != nil {
			return eris.Wrap(err, "intel ingest")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %d snapshots for %s\n", len(snaps), day.Format(dateLayout))
		return nil
	},
}

var intelReportCmd = &cobra.Command{
	Use:   "report <domain>",
	Short: "Print the competitive-intelligence report for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "intel", false)
		if err != nil {
			return err
		}
		defer env.Close()
		warnEphemeralHistory()

		summary, _ := cmd.Flags().GetBool("summary")
		if summary {
			s, err := env.Engine.Summary(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "intel summary")
			}
			return writeIndented(cmd.OutOrStdout(), s)
		}

		rep, err := env.Engine.Report(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "intel report")
		}
		return writeIndented(cmd.OutOrStdout(), rep)
	},
}

// warnEphemeralHistory flags one-shot commands whose history dies with the
// process.
func warnEphemeralHistory() {
	if cfg.Intel.HistoryBackend == "" || cfg.Intel.HistoryBackend == "memory" {
		zap.L().Warn("intel history backend is memory; snapshots are not kept between commands")
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	intelIngestCmd.Flags().String("date", "", "scan date YYYY-MM-DD (default today, UTC)")
	intelReportCmd.Flags().Bool("summary", false, "print the compact metrics summary instead")

	intelCmd.AddCommand(intelIngestCmd)
	intelCmd.AddCommand(intelReportCmd)
	rootCmd.AddCommand(intelCmd)
}
