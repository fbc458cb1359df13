package turn

import "regexp"

// repeatPatterns match a participant asking for the question again. New
// phrasings go here; the match always runs over the whole turn buffer.
var repeatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brepeat\b`),
	regexp.MustCompile(`(?i)\bsay that again\b`),
	regexp.MustCompile(`(?i)\bwhat was the question\b`),
	regexp.MustCompile(`(?i)\bdidn'?t (hear|understand|catch)\b`),
	regexp.MustCompile(`(?i)\bcouldn'?t (hear|understand)\b`),
	regexp.MustCompile(`(?i)\bpardon\b`),
	regexp.MustCompile(`(?i)\bcome again\b`),
	regexp.MustCompile(`(?i)\bone more time\b`),
}

// wantsRepeat reports whether text contains a repeat request.
func wantsRepeat(text string) bool {
	for _, p := range repeatPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
