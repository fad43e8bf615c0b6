package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/statute/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create missing tables in the configured SQL store",
	Long: `Migrate applies the schema to the store named by store.driver. With the
dual driver both the SQLite and the Postgres store are migrated. Migrations
only add tables and indexes, so running it twice is safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		type target struct {
			dialect store.Dialect
			dsn     string
		}
		var targets []target
		switch strings.ToLower(cfg.Store.Driver) {
		case "", "memory":
			fmt.Fprintln(cmd.OutOrStdout(), "Memory store has no schema")
			return nil
		case "sqlite":
			targets = append(targets, target{store.SQLite, cfg.Store.SQLitePath})
		case "postgres":
			targets = append(targets, target{store.Postgres, cfg.Store.PostgresURL})
		case "dual":
			targets = append(targets, target{store.SQLite, cfg.Store.SQLitePath}, target{store.Postgres, cfg.Store.PostgresURL})
		default:
			return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
		}

		for _, t := range targets {
			db, err := store.Open(cmd.Context(), t.dialect, t.dsn)
			if err != nil {
				return err
			}
			if err := db.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s schema up to date\n", t.dialect)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
