// Package merge creates content records or folds provider records into
// matching ones.
package merge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reelhouse/catalog-cli/internal/franchise"
	"github.com/reelhouse/catalog-cli/internal/match"
	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/resilience"
	"github.com/reelhouse/catalog-cli/internal/score"
	"github.com/reelhouse/catalog-cli/internal/store"
	"github.com/reelhouse/catalog-cli/internal/title"
)

// ErrInvalidSource is returned for a source missing its title, content type
// or provider.
var ErrInvalidSource = eris.New("merge: invalid source record")

// Action is what an ingest did to the store.
type Action string

const (
	ActionCreated Action = "created"
	ActionMerged  Action = "merged"
	ActionUpdated Action = "updated"
)

// Outcome is the result of one ingest.
type Outcome struct {
	Action Action
	Record *model.Record
	// Reason explains an accepted match; empty on create.
	Reason string
}

// CandidateFinder returns fact-checked candidates for a source, best first.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, src *model.SourceRecord) ([]match.Candidate, error)
}

// Options tunes the engine.
type Options struct {
	// Now is the clock used for provenance timestamps. Default: time.Now in UTC.
	Now func() time.Time
	// NewID generates record ids. Default: random UUIDs.
	NewID func() string
	// ConflictRetry bounds the re-runs after a lost version race.
	ConflictRetry resilience.RetryConfig
}

// Engine runs the create-or-merge pipeline against a store.
type Engine struct {
	store   store.Store
	matcher CandidateFinder
	linker  franchise.Linker
	opts    Options
	locks   *keyedMutex

	createMu sync.Mutex
}

// New creates an Engine. A nil linker links nothing.
func New(st store.Store, matcher CandidateFinder, linker franchise.Linker, opts Options) *Engine {
	if linker == nil {
		linker = franchise.Nop{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.ConflictRetry.MaxAttempts <= 0 {
		opts.ConflictRetry.MaxAttempts = 5
	}
	if opts.ConflictRetry.InitialBackoff <= 0 {
		opts.ConflictRetry.InitialBackoff = 10 * time.Millisecond
	}
	if opts.ConflictRetry.MaxBackoff <= 0 {
		opts.ConflictRetry.MaxBackoff = 250 * time.Millisecond
	}
	opts.ConflictRetry.ShouldRetry = isConflict
	if opts.ConflictRetry.OnRetry == nil {
		opts.ConflictRetry.OnRetry = resilience.RetryLogger("store", "merge")
	}
	return &Engine{
		store:   st,
		matcher: matcher,
		linker:  linker,
		opts:    opts,
		locks:   newKeyedMutex(),
	}
}

// Validate checks the fields every source must carry.
func Validate(src *model.SourceRecord) error {
	switch {
	case src == nil:
		return eris.Wrap(ErrInvalidSource, "nil source")
	case strings.TrimSpace(src.Title) == "":
		return eris.Wrap(ErrInvalidSource, "missing title")
	case src.Type == "":
		return eris.Wrap(ErrInvalidSource, "missing content type")
	case !src.Type.Valid():
		return eris.Wrapf(ErrInvalidSource, "unknown content type %q", src.Type)
	case !model.KnownProvider(src.Provider):
		return eris.Wrapf(ErrInvalidSource, "unknown provider %q", src.Provider)
	}
	return nil
}

// CreateOrMerge matches src against the store by title family and merges it
// into the best accepted candidate, or creates a new record when none is
// accepted.
func (e *Engine) CreateOrMerge(ctx context.Context, src *model.SourceRecord) (Outcome, error) {
	return e.run(ctx, src, false)
}

// Ingest looks the source up by its external id first and refreshes that
// record directly; otherwise it runs CreateOrMerge.
func (e *Engine) Ingest(ctx context.Context, src *model.SourceRecord) (Outcome, error) {
	return e.run(ctx, src, true)
}

func (e *Engine) run(ctx context.Context, src *model.SourceRecord, byExternalID bool) (Outcome, error) {
	if err := Validate(src); err != nil {
		return Outcome{}, err
	}
	unlock := e.locks.LockAll(lockKeys(src))
	defer unlock()

	return resilience.DoVal(ctx, e.opts.ConflictRetry, func(ctx context.Context) (Outcome, error) {
		out, found, err := e.resolve(ctx, src, byExternalID)
		if err != nil || found {
			return out, err
		}

		// Creates are serialized and re-resolved: a concurrent ingest of the
		// same work under other lock keys may have created it meanwhile.
		e.createMu.Lock()
		defer e.createMu.Unlock()
		out, found, err = e.resolve(ctx, src, byExternalID)
		if err != nil || found {
			return out, err
		}
		return e.create(ctx, src)
	})
}

// resolve finds the record src belongs to and merges into it. found is
// false when nothing matched.
func (e *Engine) resolve(ctx context.Context, src *model.SourceRecord, byExternalID bool) (Outcome, bool, error) {
	if byExternalID && strings.TrimSpace(src.ExternalID) != "" {
		existing, err := e.store.FindByExternalID(ctx, src.Provider, src.ExternalID)
		if err != nil {
			return Outcome{}, false, eris.Wrap(err, "merge: external id lookup")
		}
		if existing != nil {
			if existing.Type != src.Type {
				return Outcome{}, false, eris.Wrapf(ErrInvalidSource,
					"%s:%s is stored as %s record %s, source says %s",
					src.Provider, src.ExternalID, existing.Type, existing.ID, src.Type)
			}
			out, err := e.merge(ctx, existing, src, ActionUpdated, "external id")
			return out, true, err
		}
	}

	candidates, err := e.matcher.FindCandidates(ctx, src)
	if err != nil {
		return Outcome{}, false, eris.Wrap(err, "merge: find candidates")
	}
	if len(candidates) == 0 {
		return Outcome{}, false, nil
	}
	best := candidates[0]
	out, err := e.merge(ctx, best.Record.Clone(), src, ActionMerged, best.Reason)
	return out, true, err
}

// Rescore recomputes the unified score of one record without matching.
// It reports whether the stored score changed.
func (e *Engine) Rescore(ctx context.Context, id string) (bool, error) {
	return resilience.DoVal(ctx, e.opts.ConflictRetry, func(ctx context.Context) (bool, error) {
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		next := score.ForRecord(rec)
		if sameScore(rec.UnifiedScore, next) {
			return false, nil
		}
		rec.UnifiedScore = next
		rec.UpdatedAt = e.opts.Now()
		if err := e.store.Update(ctx, rec); err != nil {
			return false, eris.Wrapf(err, "merge: rescore %s", id)
		}
		return true, nil
	})
}

func (e *Engine) create(ctx context.Context, src *model.SourceRecord) (Outcome, error) {
	rec := newRecord(src, e.opts.NewID(), e.opts.Now())
	if f := e.linker.DetectFranchise(src); f != nil {
		rec.Franchise = f.Name
	}
	if err := e.linker.ReconcileRelationships(ctx, rec, src); err != nil {
		return Outcome{}, eris.Wrap(err, "merge: link relationships")
	}

	if err := e.store.Create(ctx, rec); err != nil {
		return Outcome{}, eris.Wrap(err, "merge: create record")
	}
	zap.L().Info("merge: created record",
		zap.String("id", rec.ID),
		zap.String("title", rec.Title),
		zap.String("type", string(rec.Type)),
		zap.String("provider", src.Provider),
	)
	return Outcome{Action: ActionCreated, Record: rec}, nil
}

func (e *Engine) merge(ctx context.Context, rec *model.Record, src *model.SourceRecord, action Action, reason string) (Outcome, error) {
	Apply(rec, src, e.opts.Now())
	if err := e.linker.ReconcileRelationships(ctx, rec, src); err != nil {
		return Outcome{}, eris.Wrap(err, "merge: link relationships")
	}

	if err := e.store.Update(ctx, rec); err != nil {
		return Outcome{}, eris.Wrapf(err, "merge: update record %s", rec.ID)
	}
	zap.L().Info("merge: merged record",
		zap.String("id", rec.ID),
		zap.String("title", rec.Title),
		zap.String("action", string(action)),
		zap.String("provider", src.Provider),
		zap.String("external_id", src.ExternalID),
		zap.String("reason", reason),
	)
	return Outcome{Action: action, Record: rec, Reason: reason}, nil
}

// lockKeys names every identity src can be found under: the folded key of
// each title in its family, per content type, and its provider external id.
func lockKeys(src *model.SourceRecord) []string {
	var keys []string
	for _, t := range src.TitleFamily() {
		if k := title.Key(t); k != "" {
			keys = append(keys, "title|"+string(src.Type)+"|"+k)
		}
	}
	if id := strings.TrimSpace(src.ExternalID); id != "" {
		keys = append(keys, "ext|"+src.Provider+"|"+id)
	}
	return keys
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}

func sameScore(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
