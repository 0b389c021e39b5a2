package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/catalog-cli/internal/config"
	"github.com/reelhouse/catalog-cli/internal/store"
)

// useTestConfig points the global config at a fresh SQLite file.
func useTestConfig(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	cfg = &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: dbPath},
		Server:    config.ServerConfig{Port: 8080},
		Ingest:    config.IngestConfig{BatchSize: 50, Concurrency: 1, MaxRetries: 3},
		FactCheck: config.FactCheckConfig{Profile: "lenient"},
	}
	t.Cleanup(func() { cfg = nil })
	return dbPath
}

func newTestEnv(t *testing.T) *catalogEnv {
	t.Helper()
	dbPath := useTestConfig(t)
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	env, err := newCatalogEnv(st)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}
