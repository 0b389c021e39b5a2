// Package store persists content records and the ingest dead letter queue.
package store

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/resilience"
)

var (
	// ErrNotFound is returned by Get and Delete for an unknown record id.
	ErrNotFound = eris.New("store: record not found")
	// ErrVersionConflict is returned by Update when the stored version no
	// longer matches the version the caller read.
	ErrVersionConflict = eris.New("store: version conflict")
)

// Store is the content record store consumed by the pipeline.
type Store interface {
	Get(ctx context.Context, id string) (*model.Record, error)
	// FindByExternalID returns nil, nil when no record carries the id.
	FindByExternalID(ctx context.Context, provider, externalID string) (*model.Record, error)
	FindByTitle(ctx context.Context, q TitleQuery) ([]model.Record, error)
	// Create inserts a new record at version 1.
	Create(ctx context.Context, r *model.Record) error
	// Update writes r if the stored version equals r.Version and bumps
	// r.Version on success.
	Update(ctx context.Context, r *model.Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter) ([]model.Record, error)

	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// TitleQuery is a case-insensitive substring search over the title and
// alternative titles of records of one content type. Pattern is the
// regex-escaped form of Text. Limit zero returns every hit; with a limit,
// records whose title family contains Text exactly come first.
type TitleQuery struct {
	Type    model.ContentType
	Text    string
	Pattern string
	Limit   int
}

func (q TitleQuery) pattern() string {
	if q.Pattern != "" {
		return q.Pattern
	}
	return regexp.QuoteMeta(q.Text)
}

// exact reports whether Text equals a title of r, ignoring case.
func (q TitleQuery) exact(r *model.Record) bool {
	text := strings.TrimSpace(q.Text)
	for _, t := range r.TitleFamily() {
		if strings.EqualFold(t, text) {
			return true
		}
	}
	return false
}

// ListFilter pages through records in id order.
type ListFilter struct {
	AfterID string
	Type    model.ContentType
	Limit   int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// titleMatches reports whether re matches the title or any alternative title.
func titleMatches(re *regexp.Regexp, r *model.Record) bool {
	if re.MatchString(r.Title) {
		return true
	}
	for _, alt := range r.AlternativeTitles {
		if re.MatchString(alt) {
			return true
		}
	}
	return false
}

// externalIDs returns provider -> external id for every provider entry that
// carries one.
func externalIDs(r *model.Record) map[string]string {
	out := make(map[string]string, len(r.Providers))
	for tag, pd := range r.Providers {
		if id := strings.TrimSpace(pd.ExternalID); id != "" {
			out[tag] = id
		}
	}
	return out
}

func validateRecord(r *model.Record) error {
	if r == nil {
		return eris.New("store: nil record")
	}
	if r.ID == "" {
		return eris.New("store: record id is required")
	}
	if !r.Type.Valid() {
		return eris.Errorf("store: invalid content type %q", r.Type)
	}
	return nil
}

func stamp(r *model.Record) {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
}
