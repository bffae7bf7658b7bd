// Direct-API handlers: Archive, CivitAI, HuggingFace, GitHub, Generic-for-
// files. Each resolves the actual binary URL via the platform's own API (or,
// for the generic fallback, uses the submitted URL directly) and delegates
// the byte transfer to internal/download.Engine, placing the result under a
// category-named subdirectory via internal/filesystem.Organizer. Grounded on
// internal/core/organizer.go's category placement and internal/engine/http.go's
// request-building idiom (teacher); the per-platform API shapes are learned
// from the HuggingFaceModelDownloader/GitHub-release-asset patterns in the
// other_examples corpus.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"galion/internal/credential"
	"galion/internal/download"
	"galion/internal/filesystem"
)

// directDeps bundles the collaborators every direct handler needs: the
// shared download engine, the filesystem organizer, and the credential
// source. Passed in at construction rather than looked up globally, per
// spec §9's "avoid global event emitters; pass sinks explicitly" idiom
// generalised to collaborators.
type directDeps struct {
	engine     *download.Engine
	organizer  *filesystem.Organizer
	creds      credential.Source
	httpClient *http.Client
}

func newDirectDeps(engine *download.Engine, organizer *filesystem.Organizer, creds credential.Source) directDeps {
	return directDeps{
		engine:     engine,
		organizer:  organizer,
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiGetJSON issues a GET against the platform's own API and decodes a JSON
// response, injecting a credential header when one resolves for platformID.
func (d directDeps) apiGetJSON(ctx context.Context, platformID, apiURL string, authHeader string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("platform: build api request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if authHeader != "" {
		if secret, ok := d.creds.Lookup(platformID); ok {
			req.Header.Set(authHeader, secret)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", download.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: http %d", download.ErrAuthRequired, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: http %d", download.ErrNotFound, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("platform: api %s: http %d", apiURL, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("platform: decode api response: %w", err)
	}
	return nil
}

// fetchAndPlace downloads binaryURL to a staging path under
// organizer.root/.staging, then moves it into its platform placement.
func (d directDeps) fetchAndPlace(ctx context.Context, jobID, binaryURL string, placement filesystem.Placement, headers map[string]string, progress ProgressFunc) (DownloadResult, error) {
	stagingDir, err := d.organizer.TargetDir(filesystem.Placement{PlatformID: ".staging"})
	if err != nil {
		return DownloadResult{}, fmt.Errorf("platform: prepare staging dir: %w", err)
	}
	stagingPath := filepath.Join(stagingDir, jobID)

	var sink download.ProgressSink
	if progress != nil {
		sink = func(s download.ProgressSnapshot) {
			progress(s.Percent, s.BytesDownloaded, s.TotalBytes, s.Speed, s.ETASeconds)
		}
	}

	res := d.engine.Fetch(ctx, jobID, binaryURL, stagingPath, sink, "", headers)
	if res.Err != nil {
		return DownloadResult{Error: res.Err.Error()}, res.Err
	}

	finalPath, err := d.organizer.Place(stagingPath, placement)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("platform: place downloaded file: %w", err)
	}

	return DownloadResult{
		Success: true,
		Path:    finalPath,
		Bytes:   res.Bytes,
		Digest:  res.Digest,
		Resumed: res.Resumed,
	}, nil
}

// --- Generic-for-files ---------------------------------------------------

// genericFileHandler is the totality fallback for direct file links the
// router could not attribute to a named platform (spec §4.2's "generic"
// sentinel for the direct-handler shape).
type genericFileHandler struct {
	base
	deps directDeps
}

func newGenericFileHandler(deps directDeps) (*genericFileHandler, error) {
	b, err := newBase(Descriptor{
		ID: GenericPlatformID, DisplayName: "Generic File", Category: "generic",
		Patterns: []Pattern{{Regexp: `^(?P<direct>https?://.+)$`, Kind: "direct"}},
		Priority: 1 << 30,
	})
	if err != nil {
		return nil, err
	}
	return &genericFileHandler{base: b, deps: deps}, nil
}

func (h *genericFileHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	if err := h.waitRateLimit(ctx); err != nil {
		return DownloadResult{}, err
	}

	filename := opts.CustomFilename
	if filename == "" {
		if u, err := url.Parse(rawURL); err == nil {
			filename = filepath.Base(u.Path)
		}
	}
	if filename == "" || filename == "." || filename == "/" {
		filename = "download.bin"
	}

	headers := map[string]string{}
	if opts.CredentialRef != "" {
		if secret, ok := h.deps.creds.Lookup(GenericPlatformID); ok {
			headers["Authorization"] = secret
		}
	}

	return h.deps.fetchAndPlace(ctx, jobIDFromOpts(opts, rawURL), rawURL,
		filesystem.Placement{PlatformID: "generic", Filename: filename}, headers, progress)
}

func (h *genericFileHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	probe, err := h.deps.engine.Probe(ctx, rawURL, nil)
	if err != nil {
		return InfoResult{}, err
	}
	return InfoResult{Filename: probe.Filename, SizeBytes: probe.Size, ContentType: probe.ContentType}, nil
}

// --- Archive ---------------------------------------------------------------

// archiveHandler distinguishes archive.org items, web.archive.org snapshots,
// and archive.today links by pattern (spec §4.3's "Archive handler").
type archiveHandler struct {
	base
	deps directDeps
}

func newArchiveHandler(deps directDeps) (*archiveHandler, error) {
	b, err := newBase(Descriptor{
		ID: "archive", DisplayName: "Internet Archive", Category: "archive",
		Patterns: []Pattern{
			{Regexp: `^https?://(?:www\.)?archive\.org/details/(?P<item>[^/?#]+)`, Kind: "item"},
			{Regexp: `^https?://web\.archive\.org/web/(?P<snapshot>[0-9]+(?:id_)?)/(?P<snapshotUrl>.+)$`, Kind: "snapshot"},
			{Regexp: `^https?://archive\.(?:today|ph|is|li|vn)/(?P<snapshotToday>.+)$`, Kind: "today"},
		},
		Priority: 5,
	})
	if err != nil {
		return nil, err
	}
	return &archiveHandler{base: b, deps: deps}, nil
}

type archiveMetadataResponse struct {
	Files []struct {
		Name   string `json:"name"`
		Size   string `json:"size"`
		Source string `json:"source"`
		Format string `json:"format"`
	} `json:"files"`
}

func (h *archiveHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	if err := h.waitRateLimit(ctx); err != nil {
		return DownloadResult{}, err
	}

	class, ok := h.Classify(rawURL)
	if !ok {
		return DownloadResult{}, ErrUnsupportedKind
	}

	switch class.URLKind {
	case "item":
		item := class.Groups["item"]
		var meta archiveMetadataResponse
		apiURL := fmt.Sprintf("https://archive.org/metadata/%s", item)
		if err := h.deps.apiGetJSON(ctx, "archive", apiURL, "", &meta); err != nil {
			return DownloadResult{}, err
		}
		binaryURL, filename, err := largestNonMetadataFile(item, meta)
		if err != nil {
			return DownloadResult{}, err
		}
		return h.deps.fetchAndPlace(ctx, jobIDFromOpts(opts, rawURL), binaryURL,
			filesystem.Placement{PlatformID: "archive", Filename: filename}, nil, progress)

	case "snapshot", "today":
		filename := opts.CustomFilename
		if filename == "" {
			filename = "snapshot.html"
		}
		return h.deps.fetchAndPlace(ctx, jobIDFromOpts(opts, rawURL), rawURL,
			filesystem.Placement{PlatformID: "archive", Filename: filename}, nil, progress)

	default:
		return DownloadResult{}, ErrUnsupportedKind
	}
}

// largestNonMetadataFile resolves the largest file in the item manifest
// whose format isn't a metadata/derivative artifact (spec §4.3: "for items
// it resolves the largest non-metadata file from the JSON manifest").
func largestNonMetadataFile(item string, meta archiveMetadataResponse) (binaryURL, filename string, err error) {
	var bestSize int64 = -1
	for _, f := range meta.Files {
		if strings.EqualFold(f.Format, "Metadata") || strings.HasSuffix(f.Name, "_meta.xml") ||
			strings.HasSuffix(f.Name, "_files.xml") || strings.HasSuffix(f.Name, "_meta.sqlite") {
			continue
		}
		size := parseIntOrZero(f.Size)
		if size > bestSize {
			bestSize = size
			filename = f.Name
		}
	}
	if filename == "" {
		return "", "", fmt.Errorf("platform: archive item %s: no eligible file in manifest", item)
	}
	return fmt.Sprintf("https://archive.org/download/%s/%s", item, filename), filename, nil
}

func (h *archiveHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	class, ok := h.Classify(rawURL)
	if !ok || class.URLKind != "item" {
		return InfoResult{}, ErrUnsupportedKind
	}
	var meta archiveMetadataResponse
	apiURL := fmt.Sprintf("https://archive.org/metadata/%s", class.Groups["item"])
	if err := h.deps.apiGetJSON(ctx, "archive", apiURL, "", &meta); err != nil {
		return InfoResult{}, err
	}
	_, filename, err := largestNonMetadataFile(class.Groups["item"], meta)
	if err != nil {
		return InfoResult{}, err
	}
	return InfoResult{Filename: filename}, nil
}

// --- CivitAI -----------------------------------------------------------

// civitaiHandler resolves the first eligible version from a model's version
// list and places output under civitai/<model-type>/ (spec §4.3 supplement).
type civitaiHandler struct {
	base
	deps directDeps
}

func newCivitaiHandler(deps directDeps) (*civitaiHandler, error) {
	b, err := newBase(Descriptor{
		ID: "civitai", DisplayName: "CivitAI", Category: "models",
		Patterns: []Pattern{{
			Regexp: `^https?://(?:www\.)?civitai\.com/models/(?P<model_id>[0-9]+)(?:\?modelVersionId=(?P<version_id>[0-9]+))?`,
			Kind:   "model",
		}},
		Capabilities: Capabilities{RequiresCredential: true},
		Priority:     5,
	})
	if err != nil {
		return nil, err
	}
	return &civitaiHandler{base: b, deps: deps}, nil
}

type civitaiModelResponse struct {
	Type         string `json:"type"`
	ModelVersions []struct {
		ID    int64 `json:"id"`
		Files []struct {
			Name        string `json:"name"`
			DownloadURL string `json:"downloadUrl"`
			Primary     bool   `json:"primary"`
		} `json:"files"`
	} `json:"modelVersions"`
}

func (h *civitaiHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	if err := h.waitRateLimit(ctx); err != nil {
		return DownloadResult{}, err
	}

	class, ok := h.Classify(rawURL)
	if !ok {
		return DownloadResult{}, ErrUnsupportedKind
	}

	var model civitaiModelResponse
	apiURL := fmt.Sprintf("https://civitai.com/api/v1/models/%s", class.Groups["model_id"])
	if err := h.deps.apiGetJSON(ctx, "civitai", apiURL, "Authorization", &model); err != nil {
		return DownloadResult{}, err
	}
	if len(model.ModelVersions) == 0 {
		return DownloadResult{}, fmt.Errorf("platform: civitai model %s: no versions", class.Groups["model_id"])
	}

	version := model.ModelVersions[0]
	if vid := class.Groups["version_id"]; vid != "" {
		for _, v := range model.ModelVersions {
			if fmt.Sprint(v.ID) == vid {
				version = v
				break
			}
		}
	}
	if len(version.Files) == 0 {
		return DownloadResult{}, fmt.Errorf("platform: civitai version %d: no files", version.ID)
	}

	file := version.Files[0]
	for _, f := range version.Files {
		if f.Primary {
			file = f
			break
		}
	}

	headers := map[string]string{}
	if secret, ok := h.deps.creds.Lookup("civitai"); ok {
		headers["Authorization"] = "Bearer " + secret
	}

	modelType := model.Type
	if modelType == "" {
		modelType = "other"
	}

	return h.deps.fetchAndPlace(ctx, jobIDFromOpts(opts, rawURL), file.DownloadURL,
		filesystem.Placement{PlatformID: "civitai", Subdir: strings.ToLower(modelType), Filename: file.Name}, headers, progress)
}

func (h *civitaiHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	class, ok := h.Classify(rawURL)
	if !ok {
		return InfoResult{}, ErrUnsupportedKind
	}
	var model civitaiModelResponse
	apiURL := fmt.Sprintf("https://civitai.com/api/v1/models/%s", class.Groups["model_id"])
	if err := h.deps.apiGetJSON(ctx, "civitai", apiURL, "Authorization", &model); err != nil {
		return InfoResult{}, err
	}
	return InfoResult{Title: class.Groups["model_id"], ContentType: model.Type}, nil
}

func (h *civitaiHandler) ValidateCredential(ctx context.Context, secret string) (CredentialValidation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://civitai.com/api/v1/models?limit=1", nil)
	if err != nil {
		return CredentialValidation{}, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := h.deps.httpClient.Do(req)
	if err != nil {
		return CredentialValidation{Valid: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return CredentialValidation{Valid: true}, nil
	}
	return CredentialValidation{Valid: false, Error: fmt.Sprintf("http %d", resp.StatusCode)}, nil
}

// --- HuggingFace ---------------------------------------------------------

// huggingfaceHandler resolves the primary weights file from a repo's file
// listing, output under huggingface/<owner>_<repo>/ (spec §4.3 supplement,
// grounded on the HuggingFaceModelDownloader reference in the pack).
type huggingfaceHandler struct {
	base
	deps directDeps
}

func newHuggingfaceHandler(deps directDeps) (*huggingfaceHandler, error) {
	b, err := newBase(Descriptor{
		ID: "huggingface", DisplayName: "Hugging Face", Category: "models",
		Patterns: []Pattern{{
			Regexp: `^https?://(?:www\.)?huggingface\.co/(?P<owner>[\w.-]+)/(?P<repo>[\w.-]+)(?:/tree/(?P<rev>[\w.-]+))?/?$`,
			Kind:   "repo",
		}},
		Capabilities: Capabilities{RequiresCredential: true},
		Priority:     5,
	})
	if err != nil {
		return nil, err
	}
	return &huggingfaceHandler{base: b, deps: deps}, nil
}

type hfFileEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

var primaryWeightExtensions = []string{".safetensors", ".bin", ".gguf", ".ckpt", ".pt"}

func (h *huggingfaceHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	if err := h.waitRateLimit(ctx); err != nil {
		return DownloadResult{}, err
	}

	class, ok := h.Classify(rawURL)
	if !ok {
		return DownloadResult{}, ErrUnsupportedKind
	}
	owner, repo := class.Groups["owner"], class.Groups["repo"]
	rev := class.Groups["rev"]
	if rev == "" {
		rev = "main"
	}

	var files []hfFileEntry
	apiURL := fmt.Sprintf("https://huggingface.co/api/models/%s/%s/tree/%s", owner, repo, rev)
	if err := h.deps.apiGetJSON(ctx, "huggingface", apiURL, "Authorization", &files); err != nil {
		return DownloadResult{}, err
	}

	entry, err := primaryModelFile(files)
	if err != nil {
		return DownloadResult{}, err
	}

	headers := map[string]string{}
	if secret, ok := h.deps.creds.Lookup("huggingface"); ok {
		headers["Authorization"] = "Bearer " + secret
	}

	binaryURL := fmt.Sprintf("https://huggingface.co/%s/%s/resolve/%s/%s", owner, repo, rev, entry.Path)
	subdir := owner + "_" + repo

	return h.deps.fetchAndPlace(ctx, jobIDFromOpts(opts, rawURL), binaryURL,
		filesystem.Placement{PlatformID: "huggingface", Subdir: subdir, Filename: filepath.Base(entry.Path)}, headers, progress)
}

func primaryModelFile(files []hfFileEntry) (hfFileEntry, error) {
	var best hfFileEntry
	found := false
	for _, f := range files {
		if f.Type != "file" {
			continue
		}
		ext := strings.ToLower(filepath.Ext(f.Path))
		for _, want := range primaryWeightExtensions {
			if ext == want && f.Size > best.Size {
				best = f
				found = true
			}
		}
	}
	if !found {
		return hfFileEntry{}, fmt.Errorf("platform: huggingface repo: no weights file found")
	}
	return best, nil
}

func (h *huggingfaceHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	class, ok := h.Classify(rawURL)
	if !ok {
		return InfoResult{}, ErrUnsupportedKind
	}
	return InfoResult{Title: class.Groups["owner"] + "/" + class.Groups["repo"]}, nil
}

func (h *huggingfaceHandler) ValidateCredential(ctx context.Context, secret string) (CredentialValidation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://huggingface.co/api/whoami-v2", nil)
	if err != nil {
		return CredentialValidation{}, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := h.deps.httpClient.Do(req)
	if err != nil {
		return CredentialValidation{Valid: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CredentialValidation{Valid: false, Error: fmt.Sprintf("http %d", resp.StatusCode)}, nil
	}
	var who struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&who)
	return CredentialValidation{Valid: true, Username: who.Name}, nil
}

// --- GitHub --------------------------------------------------------------

// githubHandler resolves the primary asset from a release, preferring
// non-source-archive assets and falling back to the source tarball (spec
// §4.3 supplement).
type githubHandler struct {
	base
	deps directDeps
}

func newGithubHandler(deps directDeps) (*githubHandler, error) {
	b, err := newBase(Descriptor{
		ID: "github", DisplayName: "GitHub Releases", Category: "software",
		Patterns: []Pattern{
			{Regexp: `^https?://github\.com/(?P<owner>[\w.-]+)/(?P<repo>[\w.-]+)/releases/tag/(?P<tag>[^/?#]+)`, Kind: "release"},
			{Regexp: `^https?://github\.com/(?P<owner>[\w.-]+)/(?P<repo>[\w.-]+)/releases/latest/?$`, Kind: "latest-release"},
		},
		Capabilities: Capabilities{RequiresCredential: true},
		Priority:     5,
	})
	if err != nil {
		return nil, err
	}
	return &githubHandler{base: b, deps: deps}, nil
}

type githubReleaseResponse struct {
	TarballURL string `json:"tarball_url"`
	Assets     []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int64  `json:"size"`
	} `json:"assets"`
}

func (h *githubHandler) Download(ctx context.Context, rawURL string, opts DownloadOptions, progress ProgressFunc) (DownloadResult, error) {
	if err := h.waitRateLimit(ctx); err != nil {
		return DownloadResult{}, err
	}

	class, ok := h.Classify(rawURL)
	if !ok {
		return DownloadResult{}, ErrUnsupportedKind
	}
	owner, repo := class.Groups["owner"], class.Groups["repo"]

	apiPath := "latest"
	if tag := class.Groups["tag"]; tag != "" {
		apiPath = "tags/" + tag
	}

	var release githubReleaseResponse
	apiURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/%s", owner, repo, apiPath)
	if err := h.deps.apiGetJSON(ctx, "github", apiURL, "Authorization", &release); err != nil {
		return DownloadResult{}, err
	}

	binaryURL, filename := primaryReleaseAsset(release)

	headers := map[string]string{"Accept": "application/octet-stream"}
	if secret, ok := h.deps.creds.Lookup("github"); ok {
		headers["Authorization"] = "Bearer " + secret
	}

	return h.deps.fetchAndPlace(ctx, jobIDFromOpts(opts, rawURL), binaryURL,
		filesystem.Placement{PlatformID: "github", Filename: filename}, headers, progress)
}

// primaryReleaseAsset prefers the largest non-source-archive asset,
// falling back to the release's source tarball.
func primaryReleaseAsset(release githubReleaseResponse) (binaryURL, filename string) {
	var bestSize int64 = -1
	for _, a := range release.Assets {
		if strings.HasSuffix(a.Name, ".tar.gz") && strings.Contains(a.Name, "source") {
			continue
		}
		if a.Size > bestSize {
			bestSize = a.Size
			binaryURL, filename = a.BrowserDownloadURL, a.Name
		}
	}
	if binaryURL == "" {
		binaryURL = release.TarballURL
		filename = "source.tar.gz"
	}
	return binaryURL, filename
}

func (h *githubHandler) Info(ctx context.Context, rawURL string) (InfoResult, error) {
	class, ok := h.Classify(rawURL)
	if !ok {
		return InfoResult{}, ErrUnsupportedKind
	}
	return InfoResult{Title: class.Groups["owner"] + "/" + class.Groups["repo"]}, nil
}

func (h *githubHandler) ValidateCredential(ctx context.Context, secret string) (CredentialValidation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return CredentialValidation{}, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := h.deps.httpClient.Do(req)
	if err != nil {
		return CredentialValidation{Valid: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CredentialValidation{Valid: false, Error: fmt.Sprintf("http %d", resp.StatusCode)}, nil
	}
	var who struct {
		Login string `json:"login"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&who)
	return CredentialValidation{Valid: true, Username: who.Login}, nil
}

// --- shared helpers --------------------------------------------------------

// jobIDFromOpts returns a staging-filename-safe token unique enough to keep
// concurrent attempts at the same URL from colliding in the staging
// directory; the Handler contract doesn't thread the queue's job id through
// to Download, so this derives one from the URL plus the call's wall-clock
// instant instead.
func jobIDFromOpts(opts DownloadOptions, rawURL string) string {
	h := fmt.Sprintf("%x", []byte(rawURL))
	if len(h) > 16 {
		h = h[:16]
	}
	return fmt.Sprintf("%s-%d", h, time.Now().UnixNano())
}

func writeFileString(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0644)
}

func parseIntOrZero(s string) int64 {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0
	}
	return v
}
