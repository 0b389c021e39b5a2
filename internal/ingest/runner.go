// Package ingest drives provider records through the merge engine in paced
// batches and keeps failed records in the dead letter queue.
package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/reelhouse/catalog-cli/internal/merge"
	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/resilience"
)

// Ingester processes one source record.
type Ingester interface {
	Ingest(ctx context.Context, src *model.SourceRecord) (merge.Outcome, error)
}

// DeadLetterQueue persists failed records for replay.
type DeadLetterQueue interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// Options tunes a Runner.
type Options struct {
	BatchSize   int
	BatchDelay  time.Duration
	Concurrency int
	// DeadLetter enables enqueueing failed records.
	DeadLetter bool
	// MaxRetries is the replay budget of a dead-lettered record.
	MaxRetries int
	// RetryBase is the delay before the first replay; it doubles per retry.
	RetryBase time.Duration

	Retry   resilience.RetryConfig
	Circuit resilience.CircuitBreakerConfig
}

// Result summarizes a run.
type Result struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Merged    int `json:"merged"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Processed += o.Processed
	r.Created += o.Created
	r.Merged += o.Merged
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

type counters struct {
	processed, created, merged, updated, skipped, errors atomic.Int64
}

func (c *counters) result() Result {
	return Result{
		Processed: int(c.processed.Load()),
		Created:   int(c.created.Load()),
		Merged:    int(c.merged.Load()),
		Updated:   int(c.updated.Load()),
		Skipped:   int(c.skipped.Load()),
		Errors:    int(c.errors.Load()),
	}
}

// Runner feeds records to an Ingester.
type Runner struct {
	ingester Ingester
	dlq      DeadLetterQueue
	opts     Options
	breaker  *resilience.CircuitBreaker
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewRunner creates a Runner. dlq may be nil when dead lettering is off.
func NewRunner(ingester Ingester, dlq DeadLetterQueue, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Minute
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("store", "ingest")
	}
	if opts.Circuit.OnStateChange == nil {
		opts.Circuit.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("ingest: store circuit changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	limit := rate.Inf
	if opts.BatchDelay > 0 {
		limit = rate.Every(opts.BatchDelay)
	}
	return &Runner{
		ingester: ingester,
		dlq:      dlq,
		opts:     opts,
		breaker:  resilience.NewCircuitBreaker(opts.Circuit),
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
	}
}

// Run processes records in batches, waiting BatchDelay between batches.
// Per-record failures are counted and never stop the run; a cancelled
// context stops it between records and is returned with the partial result.
func (r *Runner) Run(ctx context.Context, records []model.SourceRecord) (Result, error) {
	var c counters

	for start := 0; start < len(records); start += r.opts.BatchSize {
		if err := r.limiter.Wait(ctx); err != nil {
			return c.result(), eris.Wrap(err, "ingest: wait for batch slot")
		}

		end := min(start+r.opts.BatchSize, len(records))
		batch := records[start:end]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.Concurrency)
		for i := range batch {
			if ctx.Err() != nil {
				break
			}
			src := &batch[i]
			g.Go(func() error {
				r.process(gctx, src, &c)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return c.result(), eris.Wrap(err, "ingest: run cancelled")
		}

		res := c.result()
		zap.L().Info("ingest: batch complete",
			zap.Int("batch_start", start),
			zap.Int("batch_size", len(batch)),
			zap.Int("processed", res.Processed),
			zap.Int("errors", res.Errors),
		)
	}

	res := c.result()
	zap.L().Info("ingest: run complete",
		zap.Int("processed", res.Processed),
		zap.Int("created", res.Created),
		zap.Int("merged", res.Merged),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// IngestOne processes a single record with the run's retry and circuit
// breaker policy.
func (r *Runner) IngestOne(ctx context.Context, src *model.SourceRecord) (merge.Outcome, error) {
	return resilience.DoVal(ctx, r.opts.Retry, func(ctx context.Context) (merge.Outcome, error) {
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (merge.Outcome, error) {
			return r.ingester.Ingest(ctx, src)
		})
	})
}

func (r *Runner) process(ctx context.Context, src *model.SourceRecord, c *counters) {
	c.processed.Add(1)
	log := zap.L().With(
		zap.String("provider", src.Provider),
		zap.String("external_id", src.ExternalID),
		zap.String("title", src.Title),
	)

	out, err := r.IngestOne(ctx, src)
	if err != nil {
		if errors.Is(err, merge.ErrInvalidSource) {
			c.skipped.Add(1)
			log.Warn("ingest: skipped record", zap.Error(err))
			return
		}
		c.errors.Add(1)
		log.Error("ingest: record failed", zap.Error(err))
		r.deadLetter(ctx, src, err)
		return
	}

	switch out.Action {
	case merge.ActionCreated:
		c.created.Add(1)
	case merge.ActionMerged:
		c.merged.Add(1)
	case merge.ActionUpdated:
		c.updated.Add(1)
	}
}

func (r *Runner) deadLetter(ctx context.Context, src *model.SourceRecord, cause error) {
	if !r.opts.DeadLetter || r.dlq == nil || ctx.Err() != nil {
		return
	}
	now := r.now().UTC()
	entry := resilience.DLQEntry{
		Source:       *src,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		MaxRetries:   r.opts.MaxRetries,
		NextRetryAt:  now.Add(r.opts.RetryBase),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := r.dlq.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("ingest: dead letter enqueue failed",
			zap.String("provider", src.Provider),
			zap.String("external_id", src.ExternalID),
			zap.Error(err),
		)
	}
}

// Replay re-ingests due dead letter entries. Successful entries are removed;
// failed ones are rescheduled with a doubled delay until their retry budget
// runs out.
func (r *Runner) Replay(ctx context.Context, filter resilience.DLQFilter) (Result, error) {
	if r.dlq == nil {
		return Result{}, eris.New("ingest: no dead letter queue configured")
	}
	entries, err := r.dlq.DequeueDLQ(ctx, filter)
	if err != nil {
		return Result{}, eris.Wrap(err, "ingest: dequeue dlq")
	}

	var res Result
	for i := range entries {
		if ctx.Err() != nil {
			return res, eris.Wrap(ctx.Err(), "ingest: replay cancelled")
		}
		e := &entries[i]
		res.Processed++

		out, err := r.IngestOne(ctx, &e.Source)
		if err != nil {
			res.Errors++
			next := r.now().UTC().Add(r.opts.RetryBase * time.Duration(1<<min(e.RetryCount+1, 16)))
			if incErr := r.dlq.IncrementDLQRetry(ctx, e.ID, next, err.Error()); incErr != nil {
				return res, eris.Wrap(incErr, "ingest: reschedule dlq entry")
			}
			zap.L().Warn("ingest: replay failed",
				zap.String("dlq_id", e.ID),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err),
			)
			continue
		}

		switch out.Action {
		case merge.ActionCreated:
			res.Created++
		case merge.ActionMerged:
			res.Merged++
		case merge.ActionUpdated:
			res.Updated++
		}
		if err := r.dlq.RemoveDLQ(ctx, e.ID); err != nil {
			return res, eris.Wrap(err, "ingest: remove dlq entry")
		}
	}
	return res, nil
}
