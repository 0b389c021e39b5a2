package resilience

import (
	"time"

	"github.com/reelhouse/catalog-cli/internal/model"
)

// DLQEntry is a source record that failed ingestion and waits for replay.
type DLQEntry struct {
	ID           string             `json:"id"`
	Source       model.SourceRecord `json:"source"`
	Error        string             `json:"error"`
	ErrorType    string             `json:"error_type"`
	RetryCount   int                `json:"retry_count"`
	MaxRetries   int                `json:"max_retries"`
	NextRetryAt  time.Time          `json:"next_retry_at"`
	CreatedAt    time.Time          `json:"created_at"`
	LastFailedAt time.Time          `json:"last_failed_at"`
}

// DLQFilter narrows a dead letter query. Empty fields match everything.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry still has replay budget.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Due reports whether the entry is retryable at now.
func (e *DLQEntry) Due(now time.Time) bool {
	return e.CanRetry() && !e.NextRetryAt.After(now)
}
