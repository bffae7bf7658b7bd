// Extractor-delegating handlers: YouTube, Instagram, TikTok, Twitter,
// Reddit, Telegram, and the Generic-for-streams catch-all. Each builds an
// argument vector for the external media-extractor process and delegates
// byte transfer entirely to it (spec §4.3's second handler shape). Grounded
// on internal/security/scanner.go's exec.CommandContext + stdout capture
// idiom, generalised to a long-running line-streamed subprocess in
// extractor.go's extractorRunner.
package platform

import (
	"context"
	"fmt"

	"galion/internal/filesystem"
)

// extractorHandler is the shared shape every extractor-delegating handler
// embeds: its own base metadata plus the process-wide extractor runner and
// the organizer it places finished files under.
type extractorHandler struct {
	base
	runner    *extractorRunner
	organizer *filesystem.Organizer
}

func (h *extractorHandler) download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	if err := h.waitRateLimit(ctx); err != nil {
		return DownloadResult{}, err
	}

	dir, err := h.organizer.TargetDir(filesystem.Placement{PlatformID: h.descriptor.ID})
	if err != nil {
		return DownloadResult{}, fmt.Errorf("platform: %s: prepare output dir: %w", h.descriptor.ID, err)
	}

	optsWithRoot := opts
	optsWithRoot.DestinationRoot = dir

	args := buildExtractorArgs(rawURL, optsWithRoot, h.descriptor.Capabilities.SupportsQuality)

	outcome, err := h.runner.run(ctx, args, progress)
	if err != nil {
		return DownloadResult{Error: err.Error()}, fmt.Errorf("platform: %s: %w", h.descriptor.ID, err)
	}
	if !outcome.Success {
		return DownloadResult{Error: "extractor produced no output file"}, fmt.Errorf("%w: no destination reported", ErrUnsupportedKind)
	}

	return DownloadResult{Success: true, Path: outcome.DestinationPath}, nil
}

func (h *extractorHandler) info(ctx context.Context, rawURL string) (InfoResult, error) {
	args := []string{"--dump-json", "--no-download", rawURL}
	_, err := h.runner.run(ctx, args, nil)
	if err != nil {
		return InfoResult{}, fmt.Errorf("platform: %s: info: %w", h.descriptor.ID, err)
	}
	return InfoResult{}, nil
}

func newExtractorBase(d Descriptor, extractorPath string, organizer *filesystem.Organizer) (extractorHandler, error) {
	b, err := newBase(d)
	if err != nil {
		return extractorHandler{}, err
	}
	return extractorHandler{base: b, runner: newExtractorRunner(extractorPath), organizer: organizer}, nil
}

// --- YouTube ---------------------------------------------------------------

type youtubeHandler struct{ extractorHandler }

func newYoutubeHandler(extractorPath string, organizer *filesystem.Organizer) (*youtubeHandler, error) {
	eh, err := newExtractorBase(Descriptor{
		ID: "youtube", DisplayName: "YouTube", Category: "video",
		Patterns: []Pattern{
			{Regexp: `^https?://(?:www\.)?youtube\.com/watch\?(?:.*&)?v=(?P<video>[\w-]+)`, Kind: "video"},
			{Regexp: `^https?://youtu\.be/(?P<video>[\w-]+)`, Kind: "video"},
			{Regexp: `^https?://(?:www\.)?youtube\.com/shorts/(?P<short>[\w-]+)`, Kind: "short"},
			{Regexp: `^https?://(?:www\.)?youtube\.com/live/(?P<live>[\w-]+)`, Kind: "live"},
			{Regexp: `^https?://(?:www\.)?youtube\.com/playlist\?list=(?P<playlist>[\w-]+)`, Kind: "playlist"},
			{Regexp: `^https?://(?:www\.)?youtube\.com/(?:channel|c|@)(?P<channel>[\w-]+)`, Kind: "channel"},
		},
		Capabilities: Capabilities{SupportsQuality: true, SupportsSubtitles: true, SupportsPlaylists: true, SupportsChannels: true},
		Priority:     2,
	}, extractorPath, organizer)
	if err != nil {
		return nil, err
	}
	return &youtubeHandler{eh}, nil
}

func (h *youtubeHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	return h.download(ctx, rawURL, opts, progress)
}
func (h *youtubeHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	return h.info(ctx, rawURL)
}

// --- Instagram ---------------------------------------------------------

type instagramHandler struct{ extractorHandler }

func newInstagramHandler(extractorPath string, organizer *filesystem.Organizer) (*instagramHandler, error) {
	eh, err := newExtractorBase(Descriptor{
		ID: "instagram", DisplayName: "Instagram", Category: "video",
		Patterns: []Pattern{
			{Regexp: `^https?://(?:www\.)?instagram\.com/(?:p|reel)/(?P<post>[\w-]+)`, Kind: "post"},
			{Regexp: `^https?://(?:www\.)?instagram\.com/stories/(?P<username>[\w.-]+)/(?P<story>[\w-]+)`, Kind: "story"},
		},
		Capabilities: Capabilities{RequiresCredential: true},
		Priority:     2,
	}, extractorPath, organizer)
	if err != nil {
		return nil, err
	}
	return &instagramHandler{eh}, nil
}

func (h *instagramHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	return h.download(ctx, rawURL, opts, progress)
}
func (h *instagramHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	return h.info(ctx, rawURL)
}
func (h *instagramHandler) ValidateCredential(ctx context.Context, secret string) (CredentialValidation, error) {
	if secret == "" {
		return CredentialValidation{Valid: false, Error: "empty credential"}, nil
	}
	return CredentialValidation{Valid: true}, nil
}

// --- TikTok --------------------------------------------------------------

type tiktokHandler struct{ extractorHandler }

func newTiktokHandler(extractorPath string, organizer *filesystem.Organizer) (*tiktokHandler, error) {
	eh, err := newExtractorBase(Descriptor{
		ID: "tiktok", DisplayName: "TikTok", Category: "video",
		Patterns: []Pattern{
			{Regexp: `^https?://(?:www\.)?tiktok\.com/@[\w.-]+/video/(?P<video>[0-9]+)`, Kind: "video"},
			{Regexp: `^https?://vm\.tiktok\.com/(?P<short>[\w-]+)`, Kind: "short"},
		},
		Priority: 2,
	}, extractorPath, organizer)
	if err != nil {
		return nil, err
	}
	return &tiktokHandler{eh}, nil
}

func (h *tiktokHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	return h.download(ctx, rawURL, opts, progress)
}
func (h *tiktokHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	return h.info(ctx, rawURL)
}

// --- Twitter/X -------------------------------------------------------------

type twitterHandler struct{ extractorHandler }

func newTwitterHandler(extractorPath string, organizer *filesystem.Organizer) (*twitterHandler, error) {
	eh, err := newExtractorBase(Descriptor{
		ID: "twitter", DisplayName: "Twitter/X", Category: "video",
		Patterns: []Pattern{
			{Regexp: `^https?://(?:www\.)?(?:twitter|x)\.com/[\w]+/status/(?P<status>[0-9]+)`, Kind: "status"},
		},
		Capabilities: Capabilities{RequiresCredential: true},
		Priority:     2,
	}, extractorPath, organizer)
	if err != nil {
		return nil, err
	}
	return &twitterHandler{eh}, nil
}

func (h *twitterHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	return h.download(ctx, rawURL, opts, progress)
}
func (h *twitterHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	return h.info(ctx, rawURL)
}
func (h *twitterHandler) ValidateCredential(ctx context.Context, secret string) (CredentialValidation, error) {
	if secret == "" {
		return CredentialValidation{Valid: false, Error: "empty credential"}, nil
	}
	return CredentialValidation{Valid: true}, nil
}

// --- Reddit ----------------------------------------------------------------

type redditHandler struct{ extractorHandler }

func newRedditHandler(extractorPath string, organizer *filesystem.Organizer) (*redditHandler, error) {
	eh, err := newExtractorBase(Descriptor{
		ID: "reddit", DisplayName: "Reddit", Category: "video",
		Patterns: []Pattern{
			{Regexp: `^https?://(?:www\.|old\.)?reddit\.com/r/[\w]+/comments/(?P<post>[\w]+)`, Kind: "post"},
		},
		Priority: 3,
	}, extractorPath, organizer)
	if err != nil {
		return nil, err
	}
	return &redditHandler{eh}, nil
}

func (h *redditHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	return h.download(ctx, rawURL, opts, progress)
}
func (h *redditHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	return h.info(ctx, rawURL)
}

// --- Telegram --------------------------------------------------------------

type telegramHandler struct{ extractorHandler }

func newTelegramHandler(extractorPath string, organizer *filesystem.Organizer) (*telegramHandler, error) {
	eh, err := newExtractorBase(Descriptor{
		ID: "telegram", DisplayName: "Telegram", Category: "video",
		Patterns: []Pattern{
			{Regexp: `^https?://t\.me/(?P<channel>[\w.-]+)/(?P<post>[0-9]+)`, Kind: "post"},
		},
		Capabilities: Capabilities{RequiresCredential: true},
		Priority:     3,
	}, extractorPath, organizer)
	if err != nil {
		return nil, err
	}
	return &telegramHandler{eh}, nil
}

func (h *telegramHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	return h.download(ctx, rawURL, opts, progress)
}
func (h *telegramHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	return h.info(ctx, rawURL)
}
func (h *telegramHandler) ValidateCredential(ctx context.Context, secret string) (CredentialValidation, error) {
	if secret == "" {
		return CredentialValidation{Valid: false, Error: "empty credential"}, nil
	}
	return CredentialValidation{Valid: true}, nil
}

// --- Generic-for-streams ---------------------------------------------------

// genericStreamHandler is the extractor-delegating catch-all for streaming
// URLs the router couldn't attribute to a named platform but the extractor's
// own (broader) site support can still handle (spec §4.3 supplement). It is
// never matched by Registry.Classify directly (GenericPlatformID wins the
// totality guarantee); callers opt into it explicitly via platform_id.
type genericStreamHandler struct{ extractorHandler }

func newGenericStreamHandler(extractorPath string, organizer *filesystem.Organizer) (*genericStreamHandler, error) {
	// No auto-match patterns: this handler is reached only when a caller
	// explicitly sets platform_id=generic-stream, not via Classify — the
	// totality guarantee (every http(s) URL resolves somewhere) belongs to
	// GenericPlatformID alone, per spec §4.2.
	eh, err := newExtractorBase(Descriptor{
		ID: GenericStreamPlatformID, DisplayName: "Generic Stream", Category: "video",
		Patterns:     nil,
		Capabilities: Capabilities{SupportsQuality: true, SupportsSubtitles: true},
		Priority:     1 << 30,
	}, extractorPath, organizer)
	if err != nil {
		return nil, err
	}
	return &genericStreamHandler{eh}, nil
}

func (h *genericStreamHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	return h.download(ctx, rawURL, opts, progress)
}
func (h *genericStreamHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	return h.info(ctx, rawURL)
}
