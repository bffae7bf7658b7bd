// Package queue implements the priority job queue: deduplication,
// dead-lettering, retries, and crash recovery, backed by Redis on the
// galion: keyspace.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// Status values a Job can hold. pending re-enters on retry; completed and
// failed are terminal; cancelled is auxiliary.
const (
	StatusPending   = "pending"
	StatusProcessing = "processing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is one URL+options acquisition attempt. It is the unit the Queue
// Manager owns exclusively once enqueued; Workers hold only a borrowed view
// for the duration of a single attempt.
type Job struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	URLHash    string            `json:"url_hash"`
	PlatformID string            `json:"platform_id"`
	Options    map[string]string `json:"options"`
	Status     string            `json:"status"`
	Priority   int               `json:"priority"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`

	Progress float64 `json:"progress"`
	Speed    float64 `json:"speed"`
	ETA      int64   `json:"eta"`

	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`

	StartTime string `json:"start_time,omitempty"` // RFC3339 deferred-start, handler/job-admission concern only

	Error     string            `json:"error,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Result    map[string]string `json:"result,omitempty"`
}

// Fingerprint returns the 16 hex char digest of the normalised URL used as
// the dedup key, per the spec's "URL Fingerprint" data model.
func Fingerprint(rawURL string) string {
	sum := sha256.Sum256([]byte(normaliseURL(rawURL)))
	return hex.EncodeToString(sum[:])[:16]
}

// normaliseURL lower-cases the host and strips a trailing slash so that
// trivially-equivalent URLs collide on the same fingerprint.
func normaliseURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// score composes priority (dominant term) with arrival time (tiebreaker):
// (10-priority)*1e12 + arrival_unix_millis. Smaller score dequeues first.
// Within a priority class this is FIFO; across classes it is strict.
func score(priority int, arrival time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	return float64(10-priority)*1e12 + float64(arrival.UnixMilli())
}

