package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ppiankov/statute/internal/api"
	"github.com/ppiankov/statute/internal/pipeline"
)

var (
	runNoAPI   bool
	runNoPoll  bool
	runNoDecay bool
	apiAddr    string
	pollForce  bool
)

// runCmd runs every stage in one process
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run all pipeline stages, schedulers and the HTTP API",
	Long: `Run starts one runner per stage (sentinel, extract, compose, review,
arbiter, release), the source poll scheduler, the confidence decay scheduler
and the HTTP API. Everything stops when any part fails or on SIGINT/SIGTERM.

Example:
  statute run
  STATUTE_STORE_DRIVER=postgres STATUTE_QUEUE_DRIVER=redis statute run
  statute run --no-api --addr :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sys, err := openSystem(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		opts := pipeline.RunOptions{Poll: !runNoPoll, Decay: !runNoDecay}
		if !runNoAPI {
			opts.Extra = append(opts.Extra, serveFunc(sys))
		}
		return sys.Run(ctx, opts)
	},
}

// serveCmd serves the read surface without running stages
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API only",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sys, err := openSystem(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()
		return serveFunc(sys)(ctx)
	},
}

// pollCmd enqueues due sources once
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Enqueue a sentinel job for every due source",
	Long: `Poll enqueues one sentinel job per active source whose poll interval has
elapsed. With --force every active source is enqueued. Jobs are picked up by
a running 'statute run'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := openSystem(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = sys.Close() }()

		n, err := sys.Sentinel.Poll(cmd.Context(), pollForce)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Enqueued %d source(s)\n", n)
		return nil
	},
}

func serveFunc(sys *pipeline.System) func(context.Context) error {
	addr := sys.Config.API.Addr
	if apiAddr != "" {
		addr = apiAddr
	}
	metrics := promhttp.HandlerFor(sys.Registry, promhttp.HandlerOpts{})
	srv := api.New(sys.Query, sys, metrics, newLogger())
	return func(ctx context.Context) error {
		return srv.ListenAndServe(ctx, addr)
	}
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, pollCmd)

	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "do not serve the HTTP API")
	runCmd.Flags().BoolVar(&runNoPoll, "no-poll", false, "do not run the poll scheduler")
	runCmd.Flags().BoolVar(&runNoDecay, "no-decay", false, "do not run the decay scheduler")
	for _, c := range []*cobra.Command{runCmd, serveCmd} {
		c.Flags().StringVar(&apiAddr, "addr", "", "API listen address (default: api.addr)")
	}

	pollCmd.Flags().BoolVar(&pollForce, "force", false, "enqueue every active source regardless of interval")
}
