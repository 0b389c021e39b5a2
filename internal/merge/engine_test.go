package merge

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/catalog-cli/internal/factcheck"
	"github.com/reelhouse/catalog-cli/internal/match"
	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/resilience"
	"github.com/reelhouse/catalog-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestEngine(t *testing.T, st store.Store) *Engine {
	t.Helper()
	m := match.New(st, factcheck.New(factcheck.Lenient()), match.Options{})
	return New(st, m, nil, Options{
		Now:           func() time.Time { return fixedNow },
		ConflictRetry: resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
}

func TestEngine_TwoProvidersMergeIntoOneRecord(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	a := tmdbSource()
	a.OriginalTitle = "Koe no Katachi"
	created, err := e.CreateOrMerge(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, created.Action)
	require.NotNil(t, created.Record.UnifiedScore)
	assert.InDelta(t, 7.5, *created.Record.UnifiedScore, 1e-9)

	b := &model.SourceRecord{
		Provider:    model.ProviderMAL,
		ExternalID:  "28851",
		Title:       "Koe no Katachi",
		Type:        model.ContentTypeMovie,
		ReleaseDate: model.Date("2016"),
		Score:       ptr(8.9),
		Votes:       ptr(800),
		Genres:      []model.Genre{{Name: "Drama"}},
	}
	merged, err := e.CreateOrMerge(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, merged.Action)
	assert.Equal(t, created.Record.ID, merged.Record.ID)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	rec := all[0]
	assert.Equal(t, "378064", rec.ExternalID(model.ProviderTMDB))
	assert.Equal(t, "28851", rec.ExternalID(model.ProviderMAL))
	assert.True(t, rec.DataSources[model.ProviderTMDB].HasData)
	assert.True(t, rec.DataSources[model.ProviderMAL].HasData)
	assert.Len(t, rec.Genres, 1)
	assert.Equal(t, int64(2), rec.Version)

	wa, wb := math.Log10(5000), math.Log10(800)
	want := (7.5*wa + 8.9*wb) / (wa + wb)
	require.NotNil(t, rec.UnifiedScore)
	assert.InDelta(t, want, *rec.UnifiedScore, 1e-9)
	assert.Greater(t, *rec.UnifiedScore, 7.5)
	assert.Less(t, *rec.UnifiedScore, 8.9)
}

func TestEngine_CreatesWhenFactCheckRejects(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	first := tmdbSource()
	first.Title = "Heat"
	first.ReleaseDate = model.Date("1986")
	_, err := e.CreateOrMerge(ctx, first)
	require.NoError(t, err)

	second := tmdbSource()
	second.ExternalID = "949"
	second.Title = "Heat"
	second.ReleaseDate = model.Date("1995")
	out, err := e.CreateOrMerge(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEngine_MergeTwiceIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	_, err := e.CreateOrMerge(ctx, tmdbSource())
	require.NoError(t, err)

	src := malSource()
	src.Title = "Ghost Voice"
	first, err := e.CreateOrMerge(ctx, src)
	require.NoError(t, err)
	second, err := e.CreateOrMerge(ctx, src)
	require.NoError(t, err)

	a, b := first.Record.Clone(), second.Record.Clone()
	a.Version, b.Version = 0, 0
	assert.Equal(t, a, b)
}

func TestEngine_IngestUsesExternalIDFirst(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	created, err := e.Ingest(ctx, tmdbSource())
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, created.Action)

	// A retitled refresh from the same provider id still lands on the record.
	refresh := tmdbSource()
	refresh.Title = "A Silent Voice"
	refresh.Score = ptr(8.1)
	out, err := e.Ingest(ctx, refresh)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, out.Action)
	assert.Equal(t, created.Record.ID, out.Record.ID)
	assert.Equal(t, "external id", out.Reason)
	assert.Equal(t, "A Silent Voice", out.Record.Title)
	assert.Contains(t, out.Record.AlternativeTitles, "Ghost Voice")
	assert.InDelta(t, 8.1, *out.Record.UnifiedScore, 1e-9)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_InvalidSource(t *testing.T) {
	e := newTestEngine(t, newTestStore(t))
	ctx := context.Background()

	tests := []struct {
		name string
		mod  func(*model.SourceRecord)
	}{
		{"missing title", func(s *model.SourceRecord) { s.Title = "  " }},
		{"missing type", func(s *model.SourceRecord) { s.Type = "" }},
		{"unknown type", func(s *model.SourceRecord) { s.Type = "short" }},
		{"unknown provider", func(s *model.SourceRecord) { s.Provider = "imdb" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tmdbSource()
			tt.mod(src)
			_, err := e.Ingest(ctx, src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSource))
		})
	}
	assert.True(t, errors.Is(Validate(nil), ErrInvalidSource))
}

// conflictingStore loses the first n version races.
type conflictingStore struct {
	store.Store
	remaining atomic.Int32
	updates   atomic.Int32
}

func (c *conflictingStore) Update(ctx context.Context, r *model.Record) error {
	c.updates.Add(1)
	if c.remaining.Add(-1) >= 0 {
		return store.ErrVersionConflict
	}
	return c.Store.Update(ctx, r)
}

func TestEngine_RetriesVersionConflict(t *testing.T) {
	st := &conflictingStore{Store: newTestStore(t)}
	e := newTestEngine(t, st)
	ctx := context.Background()

	_, err := e.CreateOrMerge(ctx, tmdbSource())
	require.NoError(t, err)

	st.remaining.Store(2)
	src := malSource()
	src.Title = "Ghost Voice"
	out, err := e.CreateOrMerge(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, out.Action)
	assert.Equal(t, int32(3), st.updates.Load())
}

func TestEngine_GivesUpAfterConflictRetries(t *testing.T) {
	st := &conflictingStore{Store: newTestStore(t)}
	e := newTestEngine(t, st)
	ctx := context.Background()

	_, err := e.CreateOrMerge(ctx, tmdbSource())
	require.NoError(t, err)

	st.remaining.Store(100)
	src := malSource()
	src.Title = "Ghost Voice"
	_, err = e.CreateOrMerge(ctx, src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrVersionConflict))
	assert.Equal(t, int32(5), st.updates.Load())
}

func TestEngine_ConcurrentIngestsOfOneTitle(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := tmdbSource()
			src.ExternalID = strconv.Itoa(1000 + i)
			_, errs[i] = e.CreateOrMerge(ctx, src)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 0, e.locks.size())
}

func TestEngine_Rescore(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	rec := newRecord(tmdbSource(), "stale", fixedNow)
	rec.UnifiedScore = ptr(1.0)
	require.NoError(t, st.Create(ctx, rec))

	changed, err := e.Rescore(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := st.Get(ctx, "stale")
	require.NoError(t, err)
	assert.InDelta(t, 7.5, *got.UnifiedScore, 1e-9)

	changed, err = e.Rescore(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = e.Rescore(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

// slowCreateStore widens the window between matching and inserting.
type slowCreateStore struct {
	store.Store
	creates atomic.Int32
}

func (s *slowCreateStore) Create(ctx context.Context, r *model.Record) error {
	s.creates.Add(1)
	time.Sleep(20 * time.Millisecond)
	return s.Store.Create(ctx, r)
}

// ingestTogether runs every source through e.Ingest at the same time.
func ingestTogether(t *testing.T, e *Engine, srcs ...*model.SourceRecord) []Action {
	t.Helper()
	start := make(chan struct{})
	actions := make([]Action, len(srcs))
	errs := make([]error, len(srcs))

	var wg sync.WaitGroup
	for i, src := range srcs {
		wg.Add(1)
		go func(i int, src *model.SourceRecord) {
			defer wg.Done()
			<-start
			out, err := e.Ingest(context.Background(), src)
			actions[i], errs[i] = out.Action, err
		}(i, src)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	return actions
}

func TestEngine_ConcurrentIngestsAcrossTitleFamily(t *testing.T) {
	for round := range 5 {
		st := &slowCreateStore{Store: newTestStore(t)}
		e := newTestEngine(t, st)

		a := tmdbSource()
		a.OriginalTitle = "Koe no Katachi"
		actions := ingestTogether(t, e, a, malSource())

		all, err := st.List(context.Background(), store.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1, "round %d", round)
		assert.ElementsMatch(t, []Action{ActionCreated, ActionMerged}, actions)
		assert.Equal(t, int32(1), st.creates.Load())
		assert.Equal(t, "378064", all[0].ExternalID(model.ProviderTMDB))
		assert.Equal(t, "28851", all[0].ExternalID(model.ProviderMAL))
	}
}

func TestEngine_ConcurrentIngestsOfOneExternalID(t *testing.T) {
	for round := range 5 {
		st := &slowCreateStore{Store: newTestStore(t)}
		e := newTestEngine(t, st)

		retitled := tmdbSource()
		retitled.Title = "A Silent Voice"
		actions := ingestTogether(t, e, tmdbSource(), retitled)

		all, err := st.List(context.Background(), store.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1, "round %d", round)
		assert.ElementsMatch(t, []Action{ActionCreated, ActionUpdated}, actions)

		byID, err := st.FindByExternalID(context.Background(), model.ProviderTMDB, "378064")
		require.NoError(t, err)
		require.NotNil(t, byID)
		assert.Equal(t, all[0].ID, byID.ID)
	}
}

// racingFinder reports no candidates on its first call and inserts the
// work behind the engine's back, as a concurrent ingest would.
type racingFinder struct {
	next    CandidateFinder
	calls   int
	onFirst func()
}

func (f *racingFinder) FindCandidates(ctx context.Context, src *model.SourceRecord) ([]match.Candidate, error) {
	f.calls++
	if f.calls == 1 {
		f.onFirst()
		return nil, nil
	}
	return f.next.FindCandidates(ctx, src)
}

func TestEngine_ResolvesAgainBeforeCreate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	existing := tmdbSource()
	existing.OriginalTitle = "Koe no Katachi"
	finder := &racingFinder{
		next: match.New(st, factcheck.New(factcheck.Lenient()), match.Options{}),
		onFirst: func() {
			require.NoError(t, st.Create(ctx, newRecord(existing, "created-elsewhere", fixedNow)))
		},
	}
	e := New(st, finder, nil, Options{Now: func() time.Time { return fixedNow }})

	out, err := e.Ingest(ctx, malSource())
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, out.Action)
	assert.Equal(t, "created-elsewhere", out.Record.ID)
	assert.Equal(t, 2, finder.calls)

	all, err := st.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_IngestRejectsExternalIDOfOtherType(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	ctx := context.Background()

	created, err := e.Ingest(ctx, tmdbSource())
	require.NoError(t, err)

	series := tmdbSource()
	series.Type = model.ContentTypeSeries
	series.Episodes = 12
	_, err = e.Ingest(ctx, series)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSource))

	got, err := st.Get(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContentTypeMovie, got.Type)
	assert.Zero(t, got.Episodes)
	assert.Equal(t, int64(1), got.Version)
}

func TestLockKeys(t *testing.T) {
	src := tmdbSource()
	src.OriginalTitle = "Koe no Katachi"
	assert.Equal(t, []string{
		"title|movie|ghost voice",
		"title|movie|koe no katachi",
		"ext|tmdb|378064",
	}, lockKeys(src))

	src.ExternalID = ""
	assert.Len(t, lockKeys(src), 2)
}
