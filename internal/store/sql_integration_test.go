//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("statute"),
		postgres.WithUsername("statute"),
		postgres.WithPassword("statute"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresRepository(t *testing.T) {
	dsn := startPostgres(t)
	runRepositoryContract(t, func(t *testing.T) Repository {
		ctx := context.Background()
		repo, err := Open(ctx, Postgres, dsn)
		require.NoError(t, err)
		for _, table := range []string{"sources", "evidence", "source_checks", "claims", "rules", "conflicts", "releases"} {
			_, err := repo.DB().ExecContext(ctx, "TRUNCATE "+table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestDualReadSQLiteToPostgres(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)
	next, err := Open(ctx, Postgres, dsn)
	require.NoError(t, err)
	legacy, err := Open(ctx, SQLite, t.TempDir()+"/legacy.db")
	require.NoError(t, err)

	rec := &fakeRecorder{}
	dual := NewDualRead(legacy, next, rec, nil)
	defer func() { _ = dual.Close() }()

	_, err = dual.UpsertRule(ctx, newRule("r1", "key-1"))
	require.NoError(t, err)
	_, err = dual.GetRule(ctx, "r1")
	require.NoError(t, err)
	dual.Drain()
	require.Equal(t, []string{ReadMatch}, rec.results["rules"])
}
