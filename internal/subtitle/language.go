package subtitle

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// DetectLanguage guesses an ISO 639-1 tag from already-normalized text.
// Used only when the video metadata carries no language tag of its own;
// returns "und" when detection gives nothing usable.
func DetectLanguage(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "und"
	}
	iso := whatlanggo.DetectLang(trimmed).Iso6391()
	if iso == "" {
		return "und"
	}
	return iso
}
