package platform

import (
	"context"
	"fmt"
	"regexp"

	"golang.org/x/time/rate"
)

// ErrUnsupportedKind is returned by a handler's Download when the classified
// URL kind is one the handler recognises but doesn't know how to fetch
// (spec §7's "unsupported-url-kind", not retried).
var ErrUnsupportedKind = fmt.Errorf("platform: unsupported url kind")

// ErrCredentialUnsupported is the default ValidateCredential response for
// handlers that never consume a credential.
var ErrCredentialUnsupported = fmt.Errorf("platform: handler does not use credentials")

// base carries the immutable per-handler metadata and a self-contained rate
// limiter, and supplies the default Classify/ValidateCredential behaviour
// every concrete handler embeds. Handlers needing a credential override
// ValidateCredential; all of them reuse Classify and ID/Descriptor as-is.
type compiledPattern struct {
	re   *regexp.Regexp
	kind string
}

type base struct {
	descriptor Descriptor
	patterns   []compiledPattern
	limiter    *rate.Limiter
}

func newBase(d Descriptor) (base, error) {
	compiled := make([]compiledPattern, 0, len(d.Patterns))
	for _, p := range d.Patterns {
		re, err := regexp.Compile(p.Regexp)
		if err != nil {
			return base{}, fmt.Errorf("platform: compile pattern %q for %s: %w", p.Regexp, d.ID, err)
		}
		compiled = append(compiled, compiledPattern{re: re, kind: p.Kind})
	}
	return base{descriptor: d, patterns: compiled, limiter: newRateLimiter(d.RateLimitRPM)}, nil
}

func (b base) ID() string            { return b.descriptor.ID }
func (b base) Descriptor() Descriptor { return b.descriptor }

// Classify iterates the handler's own patterns exactly as the registry does,
// so a handler classifies identically whether invoked directly or through
// Registry.Classify.
func (b base) Classify(rawURL string) (*Classification, bool) {
	for _, pattern := range b.patterns {
		match := pattern.re.FindStringSubmatch(rawURL)
		if match == nil {
			continue
		}
		groups := make(map[string]string)
		for i, name := range pattern.re.SubexpNames() {
			if i == 0 || name == "" || match[i] == "" {
				continue
			}
			groups[name] = match[i]
		}
		return &Classification{PlatformID: b.descriptor.ID, URLKind: pattern.kind, Groups: groups}, true
	}
	return nil, false
}

// ValidateCredential is the default for handlers with RequiresCredential
// false; credential-consuming handlers override this.
func (b base) ValidateCredential(ctx context.Context, secret string) (CredentialValidation, error) {
	return CredentialValidation{Valid: false, Error: ErrCredentialUnsupported.Error()}, ErrCredentialUnsupported
}

// waitRateLimit blocks for this handler's own per-platform budget before an
// outbound request, per spec §9's resolved "rate-limiter gate lives in the
// handler's download prologue".
func (b base) waitRateLimit(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}
