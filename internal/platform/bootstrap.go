package platform

import (
	"fmt"

	"galion/internal/credential"
	"galion/internal/download"
	"galion/internal/filesystem"
)

// NewDefaultRegistry constructs and registers every handler the spec names,
// in the shape described in DESIGN.md: direct handlers share a download
// engine + organizer + credential source; extractor handlers share the
// external extractor binary path + organizer. Registration order doesn't
// matter for correctness (Registry sorts by priority internally) but
// mirrors the spec's component table ordering for readability.
func NewDefaultRegistry(engine *download.Engine, organizer *filesystem.Organizer, creds credential.Source, extractorPath string) (*Registry, error) {
	reg := NewRegistry()
	dd := newDirectDeps(engine, organizer, creds)

	directCtors := []func() (Handler, error){
		func() (Handler, error) { return newArchiveHandler(dd) },
		func() (Handler, error) { return newCivitaiHandler(dd) },
		func() (Handler, error) { return newHuggingfaceHandler(dd) },
		func() (Handler, error) { return newGithubHandler(dd) },
		func() (Handler, error) { return newNewsHandler(organizer) },
		func() (Handler, error) { return newGenericFileHandler(dd) },
	}
	extractorCtors := []func() (Handler, error){
		func() (Handler, error) { return newYoutubeHandler(extractorPath, organizer) },
		func() (Handler, error) { return newInstagramHandler(extractorPath, organizer) },
		func() (Handler, error) { return newTiktokHandler(extractorPath, organizer) },
		func() (Handler, error) { return newTwitterHandler(extractorPath, organizer) },
		func() (Handler, error) { return newRedditHandler(extractorPath, organizer) },
		func() (Handler, error) { return newTelegramHandler(extractorPath, organizer) },
		func() (Handler, error) { return newGenericStreamHandler(extractorPath, organizer) },
	}

	for _, ctor := range append(extractorCtors, directCtors...) {
		h, err := ctor()
		if err != nil {
			return nil, fmt.Errorf("platform: construct handler: %w", err)
		}
		if err := reg.Register(h); err != nil {
			return nil, fmt.Errorf("platform: register %s: %w", h.ID(), err)
		}
	}

	return reg, nil
}
