// Package platform implements the URL→handler dispatch lattice: a
// priority-ordered registry of regex-matched platform descriptors, and the
// handler strategies themselves (direct API handlers and
// extractor-delegating handlers), grounded in the shared download engine
// and the teacher's subprocess-invocation idiom (internal/security/scanner.go's
// exec.CommandContext + line-by-line stdout capture).
package platform

import (
	"context"

	"golang.org/x/time/rate"
)

// Capabilities is the per-handler capability descriptor (spec §3).
type Capabilities struct {
	RequiresCredential bool
	SupportsQuality    bool
	SupportsSubtitles  bool
	SupportsPlaylists  bool
	SupportsChannels   bool
}

// Pattern pairs a URL-matching regex with the url_type it represents. The
// kind is a property of the pattern, not of its capture-group names, so a
// handler's named groups are free to carry whatever metadata keys the spec
// calls for (e.g. civitai's model_id/version_id) without also having to
// double as the emitted url_type (spec scenario 6: civitai's url_type is
// "model", its metadata keys are "model_id"/"version_id" — two different
// strings that a name-derived kind could never produce at once).
type Pattern struct {
	Regexp string
	Kind   string
}

// Descriptor is the immutable per-handler metadata carried as plain data
// (spec's REDESIGN FLAGS note: "prefer ... plain data" over inheritance).
type Descriptor struct {
	ID          string
	DisplayName string
	Category    string
	Patterns    []Pattern
	Capabilities Capabilities
	RateLimitRPM int
	Priority     int // smaller sorts first; generic is pinned last
}

// Classification is what the router returns for a matched URL.
type Classification struct {
	PlatformID string
	URLKind    string
	Groups     map[string]string
}

// DownloadOptions carries job options relevant to a handler's download step.
type DownloadOptions struct {
	Quality         string
	Subtitles       bool
	CredentialRef   string
	CustomFilename  string
	DestinationRoot string
}

// ProgressFunc matches the worker's progress sink contract: percent in
// [0,100], best-effort delivery, monotonically non-decreasing per job.
type ProgressFunc func(percent float64, downloaded, total int64, speed float64, etaSeconds int64)

// DownloadResult is what a handler reports back to the worker.
type DownloadResult struct {
	Success  bool
	Path     string
	Bytes    int64
	Digest   string
	Resumed  bool
	Error    string
}

// InfoResult is the handler's info(url) view: fetch metadata without downloading.
type InfoResult struct {
	Title       string
	Filename    string
	SizeBytes   int64
	ContentType string
	Extra       map[string]string
}

// CredentialValidation is validate_credential's result shape.
type CredentialValidation struct {
	Valid    bool
	Username string
	Error    string
}

// Handler is the shared four-method capability contract every platform
// strategy implements (spec §4.3).
type Handler interface {
	ID() string
	Descriptor() Descriptor
	Classify(rawURL string) (*Classification, bool)
	Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error)
	Info(ctx context.Context, rawURL string) (InfoResult, error)
	ValidateCredential(ctx context.Context, secret string) (CredentialValidation, error)
}

// newRateLimiter builds a requests-per-minute limiter for a descriptor,
// burst of 1 so the limit is a genuine steady rate rather than an initial
// allowance.
func newRateLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	perSecond := float64(rpm) / 60.0
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
