package platform

import (
	"regexp"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// GenericPlatformID is the sentinel that classifies any http(s) URL not
// claimed by a more specific handler, ensuring the lattice is total.
const GenericPlatformID = "generic-file"

// GenericStreamPlatformID is the generic extractor-delegating fallback for
// stream/media URLs that don't match a direct-API platform and that the
// caller has explicitly routed to the extractor path (via the job's
// platform id; it has no URL patterns of its own).
const GenericStreamPlatformID = "generic-stream"

type registration struct {
	descriptor Descriptor
	patterns   []compiledPattern
	handler    Handler
	limiter    *rate.Limiter
}

// Registry is the immutable-after-startup handler registration and the
// priority-ordered URL classifier (spec §4.2).
type Registry struct {
	mu    sync.RWMutex
	regs  []*registration
	byID  map[string]*registration
	built bool
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*registration)}
}

// Register adds a handler under its descriptor. Must be called before any
// Classify/HandlerFor call; the registry sorts by priority once built.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := h.Descriptor()
	compiled := make([]compiledPattern, 0, len(d.Patterns))
	for _, p := range d.Patterns {
		re, err := regexp.Compile(p.Regexp)
		if err != nil {
			return err
		}
		compiled = append(compiled, compiledPattern{re: re, kind: p.Kind})
	}

	reg := &registration{
		descriptor: d,
		patterns:   compiled,
		handler:    h,
		limiter:    newRateLimiter(d.RateLimitRPM),
	}
	r.regs = append(r.regs, reg)
	r.byID[d.ID] = reg
	r.built = false
	return nil
}

// finalize sorts registrations by priority, generic platforms pinned last
// regardless of their configured priority value.
func (r *Registry) finalize() {
	if r.built {
		return
	}
	sort.SliceStable(r.regs, func(i, j int) bool {
		pi, pj := r.regs[i].descriptor.Priority, r.regs[j].descriptor.Priority
		gi := isGeneric(r.regs[i].descriptor.ID)
		gj := isGeneric(r.regs[j].descriptor.ID)
		if gi != gj {
			return !gi // non-generic first
		}
		return pi < pj
	})
	r.built = true
}

func isGeneric(id string) bool {
	return id == GenericPlatformID || id == GenericStreamPlatformID
}

// Classify iterates registrations in priority order and asks each handler's
// own Classify (so overrides such as the news domain whitelist apply); the
// first match wins. Returns platform id, url-kind, and captured named groups.
func (r *Registry) Classify(rawURL string) Classification {
	r.mu.Lock()
	r.finalize()
	regs := r.regs
	r.mu.Unlock()

	for _, reg := range regs {
		if c, ok := reg.handler.Classify(rawURL); ok && c != nil {
			return *c
		}
	}

	return Classification{PlatformID: GenericPlatformID, URLKind: "file"}
}

// HandlerFor returns the instantiated handler strategy for a platform id, or
// nil if unregistered.
func (r *Registry) HandlerFor(id string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	if !ok {
		return nil
	}
	return reg.handler
}

// LimiterFor returns a per-platform rate limiter built from the descriptor's
// RateLimitRPM. Handlers do not acquire from it: each handler's Download
// prologue waits on its own limiter (base.waitRateLimit), built from the
// same descriptor field.
func (r *Registry) LimiterFor(id string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	if !ok {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return reg.limiter
}

// Descriptors returns all registered descriptors, priority-ordered.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	r.finalize()
	regs := r.regs
	r.mu.Unlock()

	out := make([]Descriptor, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.descriptor)
	}
	return out
}
