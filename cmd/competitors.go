package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-cli/internal/intel"
)

var competitorsCmd = &cobra.Command{
	Use:   "competitors",
	Short: "Manage the tracked competitor registry",
}

var competitorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked competitors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := intel.LoadRegistry(cfg.Intel.CompetitorsFile)
		if err != nil {
			return err
		}
		cs := reg.List()
		if len(cs) == 0 {
			fmt.Fprintln(os.Stderr, "No competitors tracked.")
			return nil
		}
		formatCompetitors(cmd.OutOrStdout(), cs)
		return nil
	},
}

var competitorsAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Track a competitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := intel.LoadRegistry(cfg.Intel.CompetitorsFile)
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		location, _ := cmd.Flags().GetString("location")
		segment, _ := cmd.Flags().GetString("segment")
		size, _ := cmd.Flags().GetString("size")

		c, err := reg.Add(intel.Competitor{
			Domain:   args[0],
			Name:     name,
			Location: location,
			Segment:  segment,
			Size:     size,
		})
		if err != nil {
			return err
		}
		if err := reg.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tracking %s (%s)\n", c.Domain, c.Name)
		return nil
	},
}

var competitorsRemoveCmd = &cobra.Command{
	Use:   "remove <domain>",
	Short: "Stop tracking a competitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := intel.LoadRegistry(cfg.Intel.CompetitorsFile)
		if err != nil {
			return err
		}
		if err := reg.Remove(args[0]); err != nil {
			return err
		}
		if err := reg.Save(); err != nil {
			return eris.Wrap(err, "competitors remove")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", intel.NormalizeDomain(args[0]))
		return nil
	},
}

func formatCompetitors(out io.Writer, cs []intel.Competitor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DOMAIN\tNAME\tLOCATION\tSEGMENT\tSIZE\tUPDATED")
	for _, c := range cs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Domain, c.Name, c.Location, c.Segment, c.Size, c.LastUpdated.Format(dateLayout))
	}
	_ = w.Flush()
}

func init() {
	competitorsAddCmd.Flags().String("name", "", "display name (required)")
	competitorsAddCmd.Flags().String("location", "", "city or region")
	competitorsAddCmd.Flags().String("segment", "mainstream", "market segment: luxury, mainstream, budget, used, service")
	competitorsAddCmd.Flags().String("size", "medium", "size: small, medium, large, enterprise")
	_ = competitorsAddCmd.MarkFlagRequired("name")

	competitorsCmd.AddCommand(competitorsListCmd)
	competitorsCmd.AddCommand(competitorsAddCmd)
	competitorsCmd.AddCommand(competitorsRemoveCmd)
	rootCmd.AddCommand(competitorsCmd)
}
