package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/catalog-cli/internal/ingest"
	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/resilience"
	"github.com/reelhouse/catalog-cli/internal/store"
)

func runCmd(t *testing.T, cmd *cobra.Command) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetContext(context.TODO())
	})
	err := cmd.RunE(cmd, nil)
	return out.String(), err
}

func openStore(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func TestMigrateCmd(t *testing.T) {
	dbPath := useTestConfig(t)

	_, err := runCmd(t, migrateCmd)
	require.NoError(t, err)

	n, err := openStore(t, dbPath).CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigrateCmd_UnknownDriver(t *testing.T) {
	useTestConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := runCmd(t, migrateCmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestIngestCmd_JSONFile(t *testing.T) {
	dbPath := useTestConfig(t)
	file := filepath.Join(t.TempDir(), "tmdb.json")
	require.NoError(t, os.WriteFile(file, []byte(twoProviderPayload), 0o644))

	ingestFile, ingestFormat, ingestProvider = file, "", ""
	t.Cleanup(func() { ingestFile = "" })

	out, err := runCmd(t, ingestCmd)
	require.NoError(t, err)

	var res ingest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, ingest.Result{Processed: 2, Created: 1, Merged: 1}, res)

	recs, err := openStore(t, dbPath).List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestIngestCmd_CSVWithProvider(t *testing.T) {
	useTestConfig(t)
	file := filepath.Join(t.TempDir(), "export.txt")
	require.NoError(t, os.WriteFile(file, []byte("id,title,type,year\n949,Heat,movie,1995\n"), 0o644))

	ingestFile, ingestFormat, ingestProvider = file, "csv", "tmdb"
	t.Cleanup(func() { ingestFile, ingestFormat, ingestProvider = "", "", "" })

	out, err := runCmd(t, ingestCmd)
	require.NoError(t, err)
	assert.Contains(t, out, `"created": 1`)
}

func TestIngestCmd_Errors(t *testing.T) {
	useTestConfig(t)
	t.Cleanup(func() { ingestFile, ingestFormat, ingestProvider = "", "", "" })

	ingestFile, ingestFormat, ingestProvider = "missing.json", "", "imdb"
	_, err := runCmd(t, ingestCmd)
	assert.ErrorContains(t, err, "unknown provider")

	ingestProvider = ""
	_, err = runCmd(t, ingestCmd)
	assert.ErrorContains(t, err, "read feed")

	ingestFormat = "xml"
	_, err = runCmd(t, ingestCmd)
	assert.ErrorContains(t, err, "unsupported format")
}

func TestRescoreCmd(t *testing.T) {
	dbPath := useTestConfig(t)
	st := openStore(t, dbPath)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	stale := 1.0
	score, votes := 7.0, 500
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.Create(ctx, &model.Record{
			ID:    id,
			Type:  model.ContentTypeMovie,
			Title: "Title " + id,
			Providers: map[string]model.ProviderData{
				model.ProviderTMDB: {ExternalID: id, Score: &score, Votes: &votes},
			},
			UnifiedScore: &stale,
		}))
	}
	require.NoError(t, st.Close())

	rescorePageSize = 2
	t.Cleanup(func() { rescorePageSize = 200 })

	out, err := runCmd(t, rescoreCmd)
	require.NoError(t, err)
	assert.Equal(t, "scanned=3 changed=3 failed=0\n", out)

	out, err = runCmd(t, rescoreCmd)
	require.NoError(t, err)
	assert.Equal(t, "scanned=3 changed=0 failed=0\n", out)

	rec, err := openStore(t, dbPath).Get(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, rec.UnifiedScore)
	assert.InDelta(t, 7.0, *rec.UnifiedScore, 1e-9)
}

func TestRescoreCmd_UnknownType(t *testing.T) {
	useTestConfig(t)
	rescoreType = "podcast"
	t.Cleanup(func() { rescoreType = "" })

	_, err := runCmd(t, rescoreCmd)
	assert.ErrorContains(t, err, "unknown content type")
}

func TestDLQCommands(t *testing.T) {
	dbPath := useTestConfig(t)
	st := openStore(t, dbPath)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID: "dlq-1",
		Source: model.SourceRecord{
			Provider: model.ProviderTMDB, ExternalID: "949", Title: "Heat", Type: model.ContentTypeMovie,
		},
		Error:       "database is locked",
		ErrorType:   resilience.ErrorTypeTransient,
		MaxRetries:  3,
		NextRetryAt: past, CreatedAt: past, LastFailedAt: past,
	}))
	require.NoError(t, st.Close())

	out, err := runCmd(t, dlqListCmd)
	require.NoError(t, err)
	var entries []resilience.DLQEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Heat", entries[0].Source.Title)

	out, err = runCmd(t, dlqReplayCmd)
	require.NoError(t, err)
	var res ingest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, ingest.Result{Processed: 1, Created: 1}, res)

	out, err = runCmd(t, dlqListCmd)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}
