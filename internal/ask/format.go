package ask

import (
	"regexp"
	"strings"
)

const (
	// maxAnswerLen is the hard cap on a delivered answer.
	maxAnswerLen = 3900
	// truncateAt leaves room for the truncation marker.
	truncateAt     = 3850
	truncationMark = "\n…(truncated)"
	// zeroWidthSpace defangs backticks so model output cannot break
	// downstream chat formatting.
	zeroWidthSpace = '\u200b'
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Normalize post-processes final model output: line endings, blank-line
// runs, backtick defanging and hard truncation. Applying it to already
// normalized text is a no-op.
func Normalize(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	text = defangBackticks(text)

	runes := []rune(text)
	if len(runes) > maxAnswerLen {
		text = string(runes[:truncateAt]) + truncationMark
	}
	return text
}

// defangBackticks prefixes each backtick with a zero-width space,
// skipping backticks already defanged so repeated passes do not stack
// prefixes.
func defangBackticks(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		if r == '`' && prev != zeroWidthSpace {
			b.WriteRune(zeroWidthSpace)
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
