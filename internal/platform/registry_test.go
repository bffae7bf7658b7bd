package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubHandler is a minimal Handler used only to exercise Registry dispatch
// in isolation from any real network/subprocess collaborator.
type stubHandler struct {
	base
}

func newStubHandler(t *testing.T, d Descriptor) *stubHandler {
	t.Helper()
	b, err := newBase(d)
	require.NoError(t, err)
	return &stubHandler{base: b}
}

func (stubHandler) Download(context.Context, string, DownloadOptions, ProgressFunc) (DownloadResult, error) {
	return DownloadResult{Success: true}, nil
}

func (stubHandler) Info(context.Context, string) (InfoResult, error) {
	return InfoResult{}, nil
}

// Scenario 6: router dispatch.
func TestRegistryDispatchScenarios(t *testing.T) {
	reg := NewRegistry()

	youtube := newStubHandler(t, Descriptor{
		ID: "youtube", Patterns: []Pattern{{Regexp: `^https?://(?:www\.)?youtube\.com/watch\?(?:.*&)?v=(?P<video>[\w-]+)`, Kind: "video"}},
		Priority: 2,
	})
	civitai := newStubHandler(t, Descriptor{
		ID: "civitai", Patterns: []Pattern{{
			Regexp: `^https?://(?:www\.)?civitai\.com/models/(?P<model_id>[0-9]+)(?:\?modelVersionId=(?P<version_id>[0-9]+))?`,
			Kind:   "model",
		}},
		Priority: 5,
	})
	generic := newStubHandler(t, Descriptor{
		ID: GenericPlatformID, Patterns: []Pattern{{Regexp: `^(?P<direct>https?://.+)$`, Kind: "direct"}}, Priority: 1 << 30,
	})

	require.NoError(t, reg.Register(youtube))
	require.NoError(t, reg.Register(civitai))
	require.NoError(t, reg.Register(generic))

	c1 := reg.Classify("https://www.youtube.com/watch?v=abc")
	require.Equal(t, "youtube", c1.PlatformID)
	require.Equal(t, "video", c1.URLKind)

	c2 := reg.Classify("https://civitai.com/models/123?modelVersionId=456")
	require.Equal(t, "civitai", c2.PlatformID)
	require.Equal(t, "model", c2.URLKind)
	require.Equal(t, "123", c2.Groups["model_id"])
	require.Equal(t, "456", c2.Groups["version_id"])

	c3 := reg.Classify("https://example.org/file.zip")
	require.Equal(t, GenericPlatformID, c3.PlatformID)
}

// Property 8: router totality — every http(s) URL classifies to something.
func TestRegistryTotality(t *testing.T) {
	reg := NewRegistry()
	generic := newStubHandler(t, Descriptor{
		ID: GenericPlatformID, Patterns: []Pattern{{Regexp: `^(?P<direct>https?://.+)$`, Kind: "direct"}}, Priority: 1 << 30,
	})
	require.NoError(t, reg.Register(generic))

	for _, u := range []string{
		"https://anything.example/path?q=1",
		"http://another.example/",
		"https://sub.domain.example/a/b/c.bin",
	} {
		c := reg.Classify(u)
		require.NotEmpty(t, c.PlatformID)
	}
}

// generic must never win over a specific handler, regardless of its
// configured numeric priority.
func TestRegistryGenericSortsLast(t *testing.T) {
	reg := NewRegistry()
	generic := newStubHandler(t, Descriptor{
		ID: GenericPlatformID, Patterns: []Pattern{{Regexp: `^(?P<direct>https?://.+)$`, Kind: "direct"}}, Priority: 0,
	})
	youtube := newStubHandler(t, Descriptor{
		ID: "youtube", Patterns: []Pattern{{Regexp: `^https?://(?:www\.)?youtube\.com/watch\?(?:.*&)?v=(?P<video>[\w-]+)`, Kind: "video"}}, Priority: 99,
	})
	require.NoError(t, reg.Register(generic))
	require.NoError(t, reg.Register(youtube))

	c := reg.Classify("https://www.youtube.com/watch?v=zzz")
	require.Equal(t, "youtube", c.PlatformID)
}

func TestHandlerForReturnsRegisteredHandler(t *testing.T) {
	reg := NewRegistry()
	youtube := newStubHandler(t, Descriptor{ID: "youtube", Priority: 2})
	require.NoError(t, reg.Register(youtube))

	require.Equal(t, youtube, reg.HandlerFor("youtube"))
	require.Nil(t, reg.HandlerFor("does-not-exist"))
}
