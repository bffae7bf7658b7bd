package platform

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// extractorRunner invokes the external media-extractor process shared by
// every extractor-delegating handler (YouTube, Instagram, TikTok, Twitter,
// Reddit, Telegram, Generic-for-streams). Grounded in the teacher's
// exec.CommandContext + stdout/stderr capture idiom
// (internal/security/scanner.go), generalised from a single-shot scan
// invocation to a long-running line-streamed subprocess.
type extractorRunner struct {
	binaryPath string
}

func newExtractorRunner(binaryPath string) *extractorRunner {
	return &extractorRunner{binaryPath: binaryPath}
}

var (
	progressLineRe    = regexp.MustCompile(`\[download\]\s+([\d.]+)%`)
	destinationLineRe = regexp.MustCompile(`\[download\] Destination:\s*(.+)`)
	mergerLineRe      = regexp.MustCompile(`\[Merger\]\s+"?([^"]+)"?`)
	alreadyLineRe     = regexp.MustCompile(`\[download\]\s+(.+?)\s+has already been downloaded`)
)

// extractorOutcome is the parsed result of a subprocess run.
type extractorOutcome struct {
	DestinationPath string
	Success         bool
}

// run spawns the extractor with args, capturing stdout line-by-line,
// parsing progress (percent) and destination lines (file path) per the
// grammar `[download] XX.X%`, `[download] Destination: PATH`,
// `[Merger] "PATH"`, and returns the final path and success flag.
func (e *extractorRunner) run(ctx context.Context, args []string, progress ProgressFunc) (extractorOutcome, error) {
	cmd := exec.CommandContext(ctx, e.binaryPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return extractorOutcome{}, fmt.Errorf("platform: extractor stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return extractorOutcome{}, fmt.Errorf("platform: extractor stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return extractorOutcome{}, fmt.Errorf("platform: extractor start: %w", err)
	}

	var outcome extractorOutcome
	var lastPercent float64
	done := make(chan struct{})

	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			parseExtractorLine(line, &outcome, &lastPercent, progress)
		}
	}()

	errScanner := bufio.NewScanner(stderr)
	var stderrTail []string
	for errScanner.Scan() {
		stderrTail = append(stderrTail, errScanner.Text())
		if len(stderrTail) > 20 {
			stderrTail = stderrTail[1:]
		}
	}

	<-done
	waitErr := cmd.Wait()
	if waitErr != nil {
		return outcome, fmt.Errorf("platform: extractor exited: %w: %s", waitErr, strings.Join(stderrTail, "; "))
	}

	outcome.Success = outcome.DestinationPath != ""
	return outcome, nil
}

// parseExtractorLine updates outcome/lastPercent and forwards a
// monotonically non-decreasing percent to progress, per spec §4.3's
// progress contract.
func parseExtractorLine(line string, outcome *extractorOutcome, lastPercent *float64, progress ProgressFunc) {
	if m := destinationLineRe.FindStringSubmatch(line); m != nil {
		outcome.DestinationPath = strings.TrimSpace(m[1])
		return
	}
	if m := mergerLineRe.FindStringSubmatch(line); m != nil {
		outcome.DestinationPath = strings.TrimSpace(m[1])
		return
	}
	if m := alreadyLineRe.FindStringSubmatch(line); m != nil {
		outcome.DestinationPath = strings.TrimSpace(m[1])
		if progress != nil {
			progress(100, 0, 0, 0, 0)
		}
		*lastPercent = 100
		return
	}
	if m := progressLineRe.FindStringSubmatch(line); m != nil {
		percent, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return
		}
		if percent < *lastPercent {
			return
		}
		*lastPercent = percent
		if progress != nil {
			progress(percent, 0, 0, 0, 0)
		}
	}
}

// buildYoutubeFormatArg maps a quality preset to a format expression, per
// spec §4.3's YouTube quality-to-format table.
func buildYoutubeFormatArg(quality string) string {
	switch quality {
	case "8k":
		return "bestvideo[height<=4320]+bestaudio/best"
	case "4k":
		return "bestvideo[height<=2160]+bestaudio/best"
	case "1080p":
		return "bestvideo[height<=1080]+bestaudio/best"
	case "720p":
		return "bestvideo[height<=720]+bestaudio/best"
	case "480p":
		return "bestvideo[height<=480]+bestaudio/best"
	case "360p":
		return "bestvideo[height<=360]+bestaudio/best"
	case "audio":
		return "bestaudio/best"
	case "best", "":
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	default:
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	}
}

// buildExtractorArgs assembles the argument vector shared by every
// extractor-delegating handler: output template, optional format,
// subtitles, and credential/cookie injection.
func buildExtractorArgs(rawURL string, opts DownloadOptions, supportsQuality bool) []string {
	args := []string{
		"--newline",
		"-o", outputTemplate(opts),
	}

	if supportsQuality {
		args = append(args, "-f", buildYoutubeFormatArg(opts.Quality))
		if opts.Quality == "audio" {
			args = append(args, "-x", "--audio-format", "mp3")
		}
	}

	if opts.Subtitles {
		args = append(args, "--write-subs", "--write-auto-subs", "--sub-langs", "en.*")
	}

	if opts.CredentialRef != "" {
		args = append(args, "--cookies", opts.CredentialRef)
	}

	args = append(args, rawURL)
	return args
}

func outputTemplate(opts DownloadOptions) string {
	root := opts.DestinationRoot
	if root == "" {
		root = "."
	}
	if opts.CustomFilename != "" {
		return root + "/%(title)s-" + opts.CustomFilename + ".%(ext)s"
	}
	return root + "/%(title)s.%(ext)s"
}
