package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/release"
)

var bundleFile string

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Inspect, cut and verify rule releases",
}

var releaseCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the latest release",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		rel, err := sys.Query.CurrentRelease(cmd.Context())
		if err != nil {
			return err
		}
		return printRelease(cmd.OutOrStdout(), rel)
	},
}

var releaseShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Print one release as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := parseVersion(args[0])
		if err != nil {
			return err
		}
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		rel, err := sys.Query.Release(cmd.Context(), version)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rel)
	},
}

var releaseCutCmd = &cobra.Command{
	Use:   "cut",
	Short: "Publish eligible approved rules as a new release",
	Long: `Cut promotes every eligible APPROVED rule to PUBLISHED and writes a new
release. When the snapshot is unchanged the current release is kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		rel, err := sys.Releaser.Release(cmd.Context(), uuid.NewString())
		if err != nil {
			return err
		}
		if rel == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to release")
			return nil
		}
		return printRelease(cmd.OutOrStdout(), rel)
	},
}

var releaseVerifyCmd = &cobra.Command{
	Use:   "verify [version]",
	Short: "Recompute and check a release hash",
	Long: `Verify recomputes the content hash of a stored release, or of an exported
bundle file with --bundle.

Example:
  statute release verify 3
  statute release verify --bundle ./releases/9f86d081.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bundleFile != "" {
			data, err := os.ReadFile(bundleFile)
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			rel, err := release.VerifyBundle(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ bundle v%d %s verified\n", rel.Version, rel.ContentHash)
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("version or --bundle required")
		}
		version, err := parseVersion(args[0])
		if err != nil {
			return err
		}

		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		rel, err := sys.Releaser.VerifyVersion(cmd.Context(), version)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ release v%d %s verified\n", rel.Version, rel.ContentHash)
		return nil
	},
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid release version %q", s)
	}
	return v, nil
}

func printRelease(w io.Writer, rel *model.RuleRelease) error {
	if jsonOutput {
		return printJSON(w, rel)
	}
	fmt.Fprintf(w, "Version:    %d\n", rel.Version)
	fmt.Fprintf(w, "Hash:       %s\n", rel.ContentHash)
	fmt.Fprintf(w, "Released:   %s\n", rel.ReleasedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Rules:      %d\n", len(rel.RuleIDs))
	fmt.Fprintf(w, "Promoted:   %d\n", len(rel.Promoted))
	if rel.BundleURI != "" {
		fmt.Fprintf(w, "Bundle:     %s\n", rel.BundleURI)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(releaseCmd)
	releaseCmd.AddCommand(releaseCurrentCmd, releaseShowCmd, releaseCutCmd, releaseVerifyCmd)
	releaseCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	releaseVerifyCmd.Flags().StringVar(&bundleFile, "bundle", "", "verify an exported bundle file instead of a stored release")
}
