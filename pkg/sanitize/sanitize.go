package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	scriptRegex = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRegex  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRegex    = regexp.MustCompile(`<[^>]*>`)
)

// Text cleans user supplied display text such as stream titles: markup and
// control characters are removed and runs of whitespace collapse to one space.
func Text(input string) string {
	input = SanitizeHTML(input)
	input = StripControlCharacters(input)
	return strings.Join(strings.Fields(input), " ")
}

// SanitizeHTML removes all HTML tags
func SanitizeHTML(input string) string {
	input = scriptRegex.ReplaceAllString(input, "")
	input = styleRegex.ReplaceAllString(input, "")
	return tagRegex.ReplaceAllString(input, "")
}

// StripControlCharacters removes control characters from string.
// Tabs and newlines become spaces.
func StripControlCharacters(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			result.WriteRune(' ')
		case !unicode.IsControl(r):
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidateStringLength checks if the character count is within bounds
func ValidateStringLength(input string, minLen, maxLen int) bool {
	n := utf8.RuneCountInString(input)
	return n >= minLen && n <= maxLen
}
