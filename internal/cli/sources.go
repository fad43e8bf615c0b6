package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/statute/internal/sentinel"
	"github.com/ppiankov/statute/internal/worker"
)

var (
	sourceJurisdiction string
	sourcesAll         bool
	deactivateReason   string
	checkConcurrency   int
	checkTimeout       time.Duration
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage watched regulatory sources",
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Register a source",
	Long: `Register a source URL. The authority tier (primary, secondary, tertiary)
is classified from the host.

Example:
  statute sources add https://narodne-novine.nn.hr/clanci/sluzbeni/2024_12_152_2508.html --jurisdiction HR`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		src, err := sys.Sentinel.Register(cmd.Context(), args[0], sourceJurisdiction)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s (%s)\n", src.ID, src.URL, src.Authority)
		return nil
	},
}

var sourcesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Register every source listed in a file",
	Long: `Import reads one source per line: "<url> [jurisdiction]". Blank lines and
lines starting with # are skipped. --jurisdiction is used when a line has none.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := worker.ReadSourcesFromFile(args[0])
		if err != nil {
			return err
		}
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		out := cmd.OutOrStdout()
		failed := 0
		for _, spec := range specs {
			jurisdiction := spec.Jurisdiction
			if jurisdiction == "" {
				jurisdiction = sourceJurisdiction
			}
			src, err := sys.Sentinel.Register(cmd.Context(), spec.URL, jurisdiction)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", spec.URL, err)
				continue
			}
			fmt.Fprintf(out, "✓ %s %s (%s)\n", src.ID, src.URL, src.Authority)
		}
		fmt.Fprintf(out, "\nImported %d of %d source(s)\n", len(specs)-failed, len(specs))
		if failed > 0 {
			return fmt.Errorf("%d source(s) failed to import", failed)
		}
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		sources, err := sys.Repo.ListSources(cmd.Context(), !sourcesAll)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tURL\tJURISDICTION\tAUTHORITY\tACTIVE\tFAILURES\tLAST CHECKED")
		for _, s := range sources {
			checked := "-"
			if s.LastCheckedAt != nil {
				checked = s.LastCheckedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n", s.ID, s.URL, s.Jurisdiction, s.Authority, s.Active, s.ConsecutiveFailures, checked)
		}
		return tw.Flush()
	},
}

var sourcesDeactivateCmd = &cobra.Command{
	Use:   "deactivate <source-id>",
	Short: "Stop polling a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		if err := sys.Sentinel.Deactivate(cmd.Context(), args[0], deactivateReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Deactivated %s\n", args[0])
		return nil
	},
}

var sourcesCheckCmd = &cobra.Command{
	Use:   "check <url>...",
	Short: "Probe candidate sources without capturing evidence",
	Long: `Check probes each URL for reachability, robots.txt permission and
authority tier. Nothing is stored.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if checkTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, checkTimeout)
			defer cancel()
		}

		fetcher := sentinel.NewFetcher(cfg.HTTP)
		robots := sentinel.NewRobotsChecker(cfg.HTTP.UserAgent, fetcher.Client(), nil)
		prober := sentinel.NewProber(cfg.HTTP, robots, sentinel.NewAuthorityClassifier(cfg.Sentinel.Authority))
		results := worker.NewBatchProber(prober, checkConcurrency).ProbeURLs(ctx, args)

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "URL\tREACHABLE\tSTATUS\tAUTHORITY\tROBOTS\tERROR")
		for _, r := range results {
			if r.Error != nil || r.Probe == nil {
				fmt.Fprintf(tw, "%s\tfalse\t-\t-\t-\t%v\n", r.URL, r.Error)
				continue
			}
			p := r.Probe
			fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%t\t%s\n", p.URL, p.Reachable, p.StatusCode, p.Authority, p.RobotsAllowed, p.Error)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesAddCmd, sourcesImportCmd, sourcesListCmd, sourcesDeactivateCmd, sourcesCheckCmd)

	for _, c := range []*cobra.Command{sourcesAddCmd, sourcesImportCmd} {
		c.Flags().StringVar(&sourceJurisdiction, "jurisdiction", "", "jurisdiction code, e.g. HR")
	}
	sourcesListCmd.Flags().BoolVar(&sourcesAll, "all", false, "include deactivated sources")
	sourcesDeactivateCmd.Flags().StringVar(&deactivateReason, "reason", "operator", "reason recorded in the audit log")
	sourcesCheckCmd.Flags().IntVar(&checkConcurrency, "concurrency", 4, "parallel probes")
	sourcesCheckCmd.Flags().DurationVar(&checkTimeout, "timeout", 2*time.Minute, "overall check timeout")
}
