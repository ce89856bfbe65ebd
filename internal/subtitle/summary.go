package subtitle

import "strings"

// DefaultExcerptSize is the length of each summary excerpt in runes.
const DefaultExcerptSize = 400

// Summary holds the beginning and ending excerpt of a subtitle text.
type Summary struct {
	Beginning string
	Ending    string
}

// Summarize produces a beginning/ending excerpt pair of size runes each.
// Text that fits within twice the excerpt size is returned whole on both
// sides.
func Summarize(text string, size int) Summary {
	if size <= 0 {
		size = DefaultExcerptSize
	}
	runes := []rune(text)
	if len(runes) <= size*2 {
		return Summary{Beginning: text, Ending: text}
	}
	return Summary{
		Beginning: strings.TrimRight(string(runes[:size]), " \t\n"),
		Ending:    strings.TrimLeft(string(runes[len(runes)-size:]), " \t\n"),
	}
}
