package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var reportFloor float64

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run confidence decay and report rules needing revalidation",
}

var decayRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one decay pass over published rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		res, err := sys.Decay.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Scanned:             %d\n", res.Scanned)
		fmt.Fprintf(out, "Stale:               %d\n", res.Stale)
		fmt.Fprintf(out, "Decayed:             %d\n", res.Decayed)
		fmt.Fprintf(out, "Needs revalidation:  %d\n", res.NeedsRevalidation)
		if res.Skipped > 0 {
			fmt.Fprintf(out, "Skipped (retry):     %d\n", res.Skipped)
		}
		return nil
	},
}

var decayReportCmd = &cobra.Command{
	Use:   "report",
	Short: "List published rules needing revalidation, weakest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		entries, err := sys.Query.Revalidation(cmd.Context(), reportFloor)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ No rules need revalidation")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RULE\tCONCEPT\tCONFIDENCE\tBASE\tLAST CONFIRMED\tSEVERITY")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%s\t%s\n", e.RuleID, e.ConceptID, e.Confidence, e.Base,
				e.LastConfirmed.Format(time.DateOnly), e.Severity)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(decayCmd)
	decayCmd.AddCommand(decayRunCmd, decayReportCmd)
	decayReportCmd.Flags().Float64Var(&reportFloor, "floor", 0, "confidence floor (default: decay.revalidation_floor)")
	decayReportCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
}
