package subtitle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize_ShortTextReturnedWhole(t *testing.T) {
	t.Parallel()

	got := Summarize("short enough", 400)
	assert.Equal(t, "short enough", got.Beginning)
	assert.Equal(t, "short enough", got.Ending)
}

func TestSummarize_LongTextExcerpts(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 500) + strings.Repeat("b", 500)
	got := Summarize(text, 400)
	assert.Equal(t, strings.Repeat("a", 400), got.Beginning)
	assert.Equal(t, strings.Repeat("b", 400), got.Ending)
}

func TestSummarize_RuneSafe(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("あ", 30)
	got := Summarize(text, 10)
	assert.Equal(t, strings.Repeat("あ", 10), got.Beginning)
	assert.Equal(t, strings.Repeat("あ", 10), got.Ending)
}

func TestSummarize_DefaultSize(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 2*DefaultExcerptSize+1)
	got := Summarize(text, 0)
	assert.Len(t, got.Beginning, DefaultExcerptSize)
	assert.Len(t, got.Ending, DefaultExcerptSize)
}

func TestDetectLanguage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "und", DetectLanguage("   "))
	assert.Equal(t, "en", DetectLanguage("The quick brown fox jumps over the lazy dog and keeps on running."))
	assert.Equal(t, "ja", DetectLanguage("吾輩は猫である。名前はまだ無い。どこで生れたかとんと見当がつかぬ。"))
}
