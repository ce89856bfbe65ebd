// Package subtitle normalizes raw caption payloads into plain text.
//
// yt-dlp delivers captions either as YouTube's json3 timedtext format or as
// WebVTT. Both carry timing and styling noise that is useless for reading;
// normalization strips it and joins the remaining lines with a
// language-aware joiner (CJK text is joined without spaces).
package subtitle

import (
	"encoding/json"
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// JoinerFor returns the string used to join caption lines for the given
// language tag: empty for CJK languages, a single space otherwise.
func JoinerFor(langTag string) string {
	if isCJK(langTag) {
		return ""
	}
	return " "
}

func isCJK(langTag string) bool {
	tag, err := language.Parse(langTag)
	if err != nil {
		return false
	}
	base, _ := tag.Base()
	switch base.String() {
	case "ja", "ko", "zh":
		return true
	}
	return false
}

type json3Payload struct {
	Events []struct {
		Segs []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

// ParseJSON3 extracts plain text from a json3 timedtext payload.
func ParseJSON3(data []byte, joiner string) (string, error) {
	var payload json3Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}

	lines := make([]string, 0, len(payload.Events))
	for _, event := range payload.Events {
		var b strings.Builder
		for _, seg := range event.Segs {
			b.WriteString(seg.UTF8)
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			continue
		}
		lines = append(lines, strings.TrimSpace(strings.ReplaceAll(text, "\n", joiner)))
	}
	return strings.TrimSpace(strings.Join(lines, joiner)), nil
}

// ParseVTT extracts plain text from a WebVTT payload, dropping the header,
// NOTE/STYLE blocks, cue timings, and bare cue indices.
func ParseVTT(data []byte, joiner string) string {
	cleaned := make([]string, 0)
	skipBlock := false
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(strings.TrimPrefix(raw, "\uFEFF"))
		if line == "" {
			skipBlock = false
			continue
		}
		if skipBlock {
			continue
		}
		if strings.HasPrefix(line, "WEBVTT") ||
			strings.HasPrefix(line, "Kind:") ||
			strings.HasPrefix(line, "Language:") {
			continue
		}
		if strings.HasPrefix(line, "NOTE") || strings.HasPrefix(line, "STYLE") {
			skipBlock = true
			continue
		}
		if strings.Contains(line, "-->") {
			continue
		}
		if isDigits(line) {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, joiner))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
