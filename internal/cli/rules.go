package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/statute/internal/model"
)

var (
	asOfDate        string
	jsonOutput      bool
	decideRationale string
	decideReviewer  string
	revalConfidence float64
	revalEvidence   string
	revalBy         string
	conflictsAll    bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Query and review regulatory rules",
}

var rulesAsOfCmd = &cobra.Command{
	Use:   "as-of <concept>",
	Short: "List published rules in force on a date",
	Long: `As-of lists the PUBLISHED rules for a concept that were in force on the
given date, excluding superseded windows.

Example:
  statute rules as-of vat-rate --date 2025-01-01`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().UTC()
		if asOfDate != "" {
			d, err := time.Parse(time.DateOnly, asOfDate)
			if err != nil {
				return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", asOfDate)
			}
			date = d
		}

		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		rules, err := sys.Query.AsOf(cmd.Context(), args[0], date)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rules)
		}
		if len(rules) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No rules for %s in force on %s\n", args[0], date.Format(time.DateOnly))
			return nil
		}
		return printRules(cmd.OutOrStdout(), rules)
	},
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <rule-id>",
	Short: "Show one rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		rule, err := sys.Query.Rule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rule)
	},
}

var rulesDecideCmd = &cobra.Command{
	Use:   "decide <rule-id> <approve|reject>",
	Short: "Record a human review decision",
	Long: `Decide approves or rejects a rule waiting in PENDING_REVIEW. Approving
also resolves its escalated conflicts in its favour.

Example:
  statute rules decide 3f1c... approve --reviewer ana --rationale "matches NN 152/2024"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision := model.Decision(args[1])
		if decision != model.DecisionApprove && decision != model.DecisionReject {
			return fmt.Errorf("invalid decision %q: want approve or reject", args[1])
		}

		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		rule, err := sys.Decide(cmd.Context(), args[0], decision, decideRationale, decideReviewer)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is now %s\n", rule.ID, rule.Status)
		return nil
	},
}

var rulesRevalidateCmd = &cobra.Command{
	Use:   "revalidate <rule-id>",
	Short: "Restore confidence of a decayed rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		rule, err := sys.Revalidate(cmd.Context(), args[0], revalConfidence, revalEvidence, revalBy)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s confidence %.2f\n", rule.ID, rule.Confidence)
		return nil
	},
}

var rulesConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflicts between rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		conflicts, err := sys.Query.Conflicts(cmd.Context(), !conflictsAll)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), conflicts)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCONCEPT\tTYPE\tSTATUS\tRULES")
		for _, c := range conflicts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", c.ID, c.ConceptID, c.Type, c.Status, c.RuleIDs)
		}
		return tw.Flush()
	},
}

func printRules(w io.Writer, rules []*model.RegulatoryRule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONCEPT\tVALUE\tAPPLIES WHEN\tFROM\tUNTIL\tCONFIDENCE")
	for _, r := range rules {
		until := "-"
		if r.EffectiveUntil != nil {
			until = r.EffectiveUntil.Format(time.DateOnly)
		}
		when := r.AppliesWhen
		if when == "" {
			when = "always"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\n", r.ID, r.ConceptID, r.Value.Text, when,
			r.EffectiveFrom.Format(time.DateOnly), until, r.Confidence)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesAsOfCmd, rulesShowCmd, rulesDecideCmd, rulesRevalidateCmd, rulesConflictsCmd)
	rulesCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	rulesAsOfCmd.Flags().StringVar(&asOfDate, "date", "", "date as YYYY-MM-DD (default: today)")

	rulesDecideCmd.Flags().StringVar(&decideRationale, "rationale", "", "reason for the decision")
	rulesDecideCmd.Flags().StringVar(&decideReviewer, "reviewer", "", "who made the decision")
	_ = rulesDecideCmd.MarkFlagRequired("rationale")
	_ = rulesDecideCmd.MarkFlagRequired("reviewer")

	rulesRevalidateCmd.Flags().Float64Var(&revalConfidence, "confidence", 0, "confirmed confidence (0 < c <= 1)")
	rulesRevalidateCmd.Flags().StringVar(&revalEvidence, "evidence", "", "evidence id backing the confirmation")
	rulesRevalidateCmd.Flags().StringVar(&revalBy, "by", "", "who revalidated the rule")
	_ = rulesRevalidateCmd.MarkFlagRequired("confidence")
	_ = rulesRevalidateCmd.MarkFlagRequired("by")

	rulesConflictsCmd.Flags().BoolVar(&conflictsAll, "all", false, "include resolved conflicts")
}
