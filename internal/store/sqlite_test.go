package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newRecord(id string, typ model.ContentType, title string, alts ...string) *model.Record {
	return &model.Record{ID: id, Type: typ, Title: title, AlternativeTitles: alts}
}

// --- Records ---

func TestSQLite_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	score := 7.5
	r := newRecord("r1", model.ContentTypeMovie, "Ghost Voice", "Koe no Katachi")
	r.UnifiedScore = &score
	r.Genres = []model.Genre{{ID: 18, Name: "Drama"}}
	r.Providers = map[string]model.ProviderData{model.ProviderTMDB: {ExternalID: "378064"}}

	require.NoError(t, st.Create(ctx, r))
	assert.Equal(t, int64(1), r.Version)
	assert.False(t, r.CreatedAt.IsZero())

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Ghost Voice", got.Title)
	assert.Equal(t, []string{"Koe no Katachi"}, got.AlternativeTitles)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.UnifiedScore)
	assert.InDelta(t, 7.5, *got.UnifiedScore, 1e-9)
	assert.Equal(t, "378064", got.ExternalID(model.ProviderTMDB))
}

func TestSQLite_Get_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Create_RejectsInvalid(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	assert.Error(t, st.Create(ctx, newRecord("", model.ContentTypeMovie, "x")))
	assert.Error(t, st.Create(ctx, newRecord("r1", "anime", "x")))
}

func TestSQLite_Create_DuplicateID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("r1", model.ContentTypeMovie, "Heat")))
	dup := newRecord("r1", model.ContentTypeMovie, "Heat")
	require.Error(t, st.Create(ctx, dup))
	assert.Equal(t, int64(0), dup.Version)
}

func TestSQLite_FindByExternalID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := newRecord("r1", model.ContentTypeSeries, "Attack on Titan")
	r.Providers = map[string]model.ProviderData{model.ProviderMAL: {ExternalID: "16498"}}
	require.NoError(t, st.Create(ctx, r))

	got, err := st.FindByExternalID(ctx, model.ProviderMAL, "16498")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ID)

	missing, err := st.FindByExternalID(ctx, model.ProviderTMDB, "16498")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_FindByTitle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("m1", model.ContentTypeMovie, "Ghost Voice", "Koe no Katachi")))
	require.NoError(t, st.Create(ctx, newRecord("m2", model.ContentTypeMovie, "Re:Zero (2016)")))
	require.NoError(t, st.Create(ctx, newRecord("s1", model.ContentTypeSeries, "Koe no Katachi Diaries")))

	tests := []struct {
		name string
		q    TitleQuery
		want []string
	}{
		{"title substring case-insensitive", TitleQuery{Type: model.ContentTypeMovie, Text: "ghost"}, []string{"m1"}},
		{"alternative title", TitleQuery{Type: model.ContentTypeMovie, Text: "KOE NO katachi"}, []string{"m1"}},
		{"restricted by type", TitleQuery{Type: model.ContentTypeSeries, Text: "koe no katachi"}, []string{"s1"}},
		{"special characters", TitleQuery{Type: model.ContentTypeMovie, Text: "Re:Zero (2016)"}, []string{"m2"}},
		{"no match", TitleQuery{Type: model.ContentTypeMovie, Text: "matrix"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := st.FindByTitle(ctx, tt.q)
			require.NoError(t, err)
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestSQLite_FindByTitle_Limit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.Create(ctx, newRecord(id, model.ContentTypeSeries, "Gundam "+id)))
	}

	recs, err := st.FindByTitle(ctx, TitleQuery{Type: model.ContentTypeSeries, Text: "gundam", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSQLite_FindByTitle_ExactMatchesSurviveLimit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := range 60 {
		id := fmt.Sprintf("a%03d", i)
		require.NoError(t, st.Create(ctx, newRecord(id, model.ContentTypeMovie, fmt.Sprintf("Pickup %d", i))))
	}
	require.NoError(t, st.Create(ctx, newRecord("zz-up", model.ContentTypeMovie, "Up")))
	require.NoError(t, st.Create(ctx, newRecord("zz-alt", model.ContentTypeMovie, "Oben", "UP")))

	all, err := st.FindByTitle(ctx, TitleQuery{Type: model.ContentTypeMovie, Text: "Up"})
	require.NoError(t, err)
	assert.Len(t, all, 62)

	limited, err := st.FindByTitle(ctx, TitleQuery{Type: model.ContentTypeMovie, Text: "Up", Limit: 5})
	require.NoError(t, err)
	require.Len(t, limited, 5)
	assert.Equal(t, "zz-alt", limited[0].ID)
	assert.Equal(t, "zz-up", limited[1].ID)
}

func TestSQLite_Update_CompareAndSwap(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("r1", model.ContentTypeMovie, "Heat")))

	first, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	stale, err := st.Get(ctx, "r1")
	require.NoError(t, err)

	first.Overview = "A group of professional bank robbers."
	require.NoError(t, st.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	stale.Overview = "stale write"
	err = st.Update(ctx, stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Equal(t, int64(1), stale.Version)

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "A group of professional bank robbers.", got.Overview)
	assert.Equal(t, int64(2), got.Version)
}

func TestSQLite_Update_IndexesNewTitlesAndExternalIDs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := newRecord("r1", model.ContentTypeMovie, "Ghost Voice")
	require.NoError(t, st.Create(ctx, r))

	r.AlternativeTitles = append(r.AlternativeTitles, "A Silent Voice")
	r.Providers = map[string]model.ProviderData{model.ProviderMAL: {ExternalID: "28851"}}
	require.NoError(t, st.Update(ctx, r))

	recs, err := st.FindByTitle(ctx, TitleQuery{Type: model.ContentTypeMovie, Text: "silent voice"})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got, err := st.FindByExternalID(ctx, model.ProviderMAL, "28851")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Version)
}

func TestSQLite_Delete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := newRecord("r1", model.ContentTypeMovie, "Heat")
	r.Providers = map[string]model.ProviderData{model.ProviderTMDB: {ExternalID: "949"}}
	require.NoError(t, st.Create(ctx, r))

	require.NoError(t, st.Delete(ctx, "r1"))

	_, err := st.Get(ctx, "r1")
	assert.True(t, errors.Is(err, ErrNotFound))
	got, err := st.FindByExternalID(ctx, model.ProviderTMDB, "949")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.True(t, errors.Is(st.Delete(ctx, "r1"), ErrNotFound))
}

func TestSQLite_List_Pagination(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "d", "b"} {
		require.NoError(t, st.Create(ctx, newRecord(id, model.ContentTypeMovie, "Title "+id)))
	}
	require.NoError(t, st.Create(ctx, newRecord("e", model.ContentTypeSeries, "Series e")))

	page, err := st.List(ctx, ListFilter{Type: model.ContentTypeMovie, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "a", page[0].ID)
	assert.Equal(t, "c", page[2].ID)

	page, err = st.List(ctx, ListFilter{AfterID: "c", Type: model.ContentTypeMovie, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "d", page[0].ID)

	all, err := st.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

// --- Dead letter queue ---

func dlqEntry(id, errType string, nextRetry time.Time) resilience.DLQEntry {
	now := time.Now()
	return resilience.DLQEntry{
		ID:           id,
		Source:       model.SourceRecord{Provider: model.ProviderTMDB, ExternalID: id, Title: "Heat", Type: model.ContentTypeMovie},
		Error:        "503 Service Unavailable",
		ErrorType:    errType,
		MaxRetries:   3,
		NextRetryAt:  nextRetry,
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

func TestSQLite_DLQ_EnqueueAndDequeue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("dlq-1", "transient", time.Now().Add(-time.Minute))))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dlq-1", entries[0].ID)
	assert.Equal(t, "Heat", entries[0].Source.Title)
	assert.Equal(t, model.ContentTypeMovie, entries[0].Source.Type)
	assert.Equal(t, "transient", entries[0].ErrorType)
	assert.False(t, entries[0].NextRetryAt.IsZero())
}

func TestSQLite_DLQ_DequeueRespectsNextRetryAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("later", "transient", time.Now().Add(time.Hour))))

	due, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)

	all, err := st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLite_DLQ_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("t1", "transient", past)))
	p1 := dlqEntry("p1", "permanent", past)
	p1.Source.Provider = model.ProviderMAL
	require.NoError(t, st.EnqueueDLQ(ctx, p1))

	transient, err := st.ListDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, transient, 1)
	assert.Equal(t, "t1", transient[0].ID)

	mal, err := st.ListDLQ(ctx, resilience.DLQFilter{Provider: model.ProviderMAL})
	require.NoError(t, err)
	require.Len(t, mal, 1)
	assert.Equal(t, "p1", mal[0].ID)
}

func TestSQLite_DLQ_IncrementRetryExhausts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e := dlqEntry("dlq-1", "transient", time.Now().Add(-time.Minute))
	e.MaxRetries = 1
	require.NoError(t, st.EnqueueDLQ(ctx, e))

	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", time.Now().Add(-time.Second), "still down"))

	due, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)

	all, err := st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].RetryCount)
	assert.Equal(t, "still down", all[0].Error)

	assert.Error(t, st.IncrementDLQRetry(ctx, "missing", time.Now(), "x"))
}

func TestSQLite_DLQ_RemoveAndCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("a", "transient", past)))
	require.NoError(t, st.EnqueueDLQ(ctx, dlqEntry("b", "transient", past)))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, st.RemoveDLQ(ctx, "a"))
	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_DLQ_EnqueueReplace(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e := dlqEntry("dlq-1", "transient", time.Now().Add(-time.Minute))
	require.NoError(t, st.EnqueueDLQ(ctx, e))
	e.Error = "permanent failure"
	e.ErrorType = "permanent"
	e.RetryCount = 2
	require.NoError(t, st.EnqueueDLQ(ctx, e))

	all, err := st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "permanent failure", all[0].Error)
	assert.Equal(t, 2, all[0].RetryCount)
}

func TestNewSQLite_CloseAndReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Create(ctx, newRecord("r1", model.ContentTypeMovie, "Heat")))
	require.NoError(t, st.Close())

	st2, err := NewSQLite(dbPath)
	require.NoError(t, err)
	defer st2.Close() //nolint:errcheck
	require.NoError(t, st2.Migrate(ctx))

	got, err := st2.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Heat", got.Title)
}
