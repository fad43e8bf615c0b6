package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var replayBy string

var deadletterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	Short:   "Inspect and replay jobs that exhausted their retries",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters in the order they failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		letters, err := sys.DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), letters)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTAGE\tKIND\tATTEMPTS\tFAILED AT\tREPLAYED\tERROR")
		for _, dl := range letters {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n", dl.ID, dl.Stage, dl.Kind, dl.Attempts,
				dl.DeadLetteredAt.Format(time.RFC3339), dl.Replayed, dl.Error)
		}
		return tw.Flush()
	},
}

var deadletterShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one dead letter with its original payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		dl, err := sys.DeadLetter(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), dl)
	},
}

var deadletterReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Put a dead-lettered job back on its stage queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by := replayBy
		if by == "" {
			by = os.Getenv("USER")
		}
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		job, err := sys.Replay(cmd.Context(), args[0], by)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Replayed %s as job %s on %s\n", args[0], job.ID, job.Stage)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.AddCommand(deadletterListCmd, deadletterShowCmd, deadletterReplayCmd)
	deadletterListCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	deadletterReplayCmd.Flags().StringVar(&replayBy, "by", "", "operator recorded in the audit log (default: $USER)")
}
