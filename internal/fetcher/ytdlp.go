// Package fetcher adapts yt-dlp as the subtitle fetch/normalize
// collaborator. The coordinator treats it as a black box returning
// (text, language, summary) or an error.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/MimeLyc/yt-subtitle-downloader/internal/jobs"
	"github.com/MimeLyc/yt-subtitle-downloader/internal/subtitle"
)

// YtDlp invokes the yt-dlp binary to probe video metadata and download
// subtitles, preferring manually authored subtitles over auto captions.
type YtDlp struct {
	binary    string
	cookies   string
	keepTemp  bool
	runner    commandRunner
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	readFile  func(name string) ([]byte, error)
	glob      func(pattern string) ([]string, error)
}

type Option func(*YtDlp)

// WithCookies passes a cookies.txt file to yt-dlp for authenticated fetches.
func WithCookies(path string) Option {
	return func(y *YtDlp) {
		y.cookies = path
	}
}

// WithKeepTemp keeps intermediate files on disk instead of cleaning them up.
func WithKeepTemp(keep bool) Option {
	return func(y *YtDlp) {
		y.keepTemp = keep
	}
}

func New(binary string, opts ...Option) *YtDlp {
	if binary == "" {
		binary = "yt-dlp"
	}
	y := &YtDlp{
		binary:    binary,
		runner:    execRunner{},
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		readFile:  os.ReadFile,
		glob:      filepath.Glob,
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// WatchURL builds the video URL from a watch id, passing full URLs through.
func WatchURL(watchID string) string {
	if strings.HasPrefix(watchID, "http://") || strings.HasPrefix(watchID, "https://") {
		return watchID
	}
	return "https://www.youtube.com/watch?v=" + watchID
}

type videoMetadata struct {
	Language          string                     `json:"language"`
	Subtitles         map[string]json.RawMessage `json:"subtitles"`
	AutomaticCaptions map[string]json.RawMessage `json:"automatic_captions"`
}

// pickLanguage selects the subtitle language and whether auto captions are
// needed. The uploader's language wins when it has a track; manual
// subtitles beat auto captions; ties break lexicographically.
func pickLanguage(meta videoMetadata) (string, bool, bool) {
	if meta.Language != "" {
		if _, ok := meta.Subtitles[meta.Language]; ok {
			return meta.Language, false, true
		}
		if _, ok := meta.AutomaticCaptions[meta.Language]; ok {
			return meta.Language, true, true
		}
	}
	if len(meta.Subtitles) > 0 {
		return sortedKeys(meta.Subtitles)[0], false, true
	}
	if len(meta.AutomaticCaptions) > 0 {
		return sortedKeys(meta.AutomaticCaptions)[0], true, true
	}
	return "", false, false
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fetch implements jobs.Fetcher.
func (y *YtDlp) Fetch(ctx context.Context, watchID string, logf func(string)) (jobs.Result, error) {
	url := WatchURL(watchID)

	logf(fmt.Sprintf("Fetching metadata for %s...", url))
	meta, err := y.probeMetadata(ctx, url)
	if err != nil {
		return jobs.Result{}, err
	}

	lang, useAuto, ok := pickLanguage(meta)
	if !ok {
		return jobs.Result{}, errors.New("no subtitles available for this video")
	}
	kind := "manual"
	if useAuto {
		kind = "auto"
	}
	logf(fmt.Sprintf("Selected language '%s' (%s captions).", lang, kind))

	outDir, err := y.mkdirTemp("", "yt_subtitle_")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("create temp directory: %w", err)
	}
	if y.keepTemp {
		logf(fmt.Sprintf("Keeping temp files in %s.", outDir))
	} else {
		defer func() {
			_ = y.removeAll(outDir)
		}()
	}

	logf("Downloading subtitles with yt-dlp...")
	if err := y.downloadSubtitles(ctx, url, lang, useAuto, outDir, logf); err != nil {
		return jobs.Result{}, err
	}

	logf("Parsing subtitle text...")
	text, err := y.normalizeDownloaded(outDir, lang)
	if err != nil {
		return jobs.Result{}, err
	}
	if text == "" {
		return jobs.Result{}, errors.New("subtitle text was empty")
	}

	resultLang := lang
	if _, perr := language.Parse(lang); perr != nil {
		// yt-dlp caption keys are not always real tags; fall back to
		// detecting the language from the text itself.
		resultLang = subtitle.DetectLanguage(text)
	}

	summary := subtitle.Summarize(text, subtitle.DefaultExcerptSize)
	return jobs.Result{
		Text:     text,
		Language: resultLang,
		Summary: jobs.Summary{
			Beginning: summary.Beginning,
			Ending:    summary.Ending,
		},
	}, nil
}

func (y *YtDlp) probeMetadata(ctx context.Context, url string) (videoMetadata, error) {
	args := []string{"--dump-single-json", "--no-warnings"}
	if y.cookies != "" {
		args = append(args, "--cookies", y.cookies)
	}
	args = append(args, url)

	result, err := y.runner.Run(ctx, y.binary, args...)
	if err != nil {
		return videoMetadata{}, commandError(result, "yt-dlp metadata probe failed", err)
	}

	var meta videoMetadata
	if uerr := json.Unmarshal([]byte(result.Stdout), &meta); uerr != nil {
		return videoMetadata{}, fmt.Errorf("parse video metadata: %w", uerr)
	}
	return meta, nil
}

func (y *YtDlp) downloadSubtitles(ctx context.Context, url, lang string, useAuto bool, outDir string, logf func(string)) error {
	args := []string{"--skip-download"}
	if useAuto {
		args = append(args, "--write-auto-subs")
	} else {
		args = append(args, "--write-sub")
	}
	args = append(args,
		"--sub-lang", lang,
		"--sub-format", "json3",
		"-o", filepath.Join(outDir, "subtitle.%(ext)s"),
	)
	if y.cookies != "" {
		args = append(args, "--cookies", y.cookies)
	}
	args = append(args, url)

	result, err := y.runner.Run(ctx, y.binary, args...)
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			logf(line)
		}
	}
	if err != nil {
		return commandError(result, "yt-dlp subtitle download failed", err)
	}
	return nil
}

// normalizeDownloaded locates the downloaded caption file (json3 preferred,
// vtt fallback) and normalizes it to plain text.
func (y *YtDlp) normalizeDownloaded(outDir, lang string) (string, error) {
	joiner := subtitle.JoinerFor(lang)

	matches, _ := y.glob(filepath.Join(outDir, "subtitle*.json3"))
	if len(matches) > 0 {
		data, err := y.readFile(matches[0])
		if err != nil {
			return "", fmt.Errorf("read subtitle file: %w", err)
		}
		return subtitle.ParseJSON3(data, joiner)
	}

	matches, _ = y.glob(filepath.Join(outDir, "*.vtt"))
	if len(matches) > 0 {
		data, err := y.readFile(matches[0])
		if err != nil {
			return "", fmt.Errorf("read subtitle file: %w", err)
		}
		return subtitle.ParseVTT(data, joiner), nil
	}

	return "", errors.New("subtitle file not found after download")
}

// commandError prefers yt-dlp's own stderr text so upstream failures reach
// the user verbatim.
func commandError(result commandResult, fallback string, err error) error {
	if msg := strings.TrimSpace(result.Stderr); msg != "" {
		return errors.New(msg)
	}
	return fmt.Errorf("%s: %w", fallback, err)
}
