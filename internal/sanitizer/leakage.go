package sanitizer

import (
	"regexp"
	"strings"
)

var (
	leakagePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)system\s*prompt\s*:.*?(?:\n|$)`),
		regexp.MustCompile(`(?is)instructions?\s*:.*?(?:\n|$)`),
		regexp.MustCompile(`(?is)my\s+instructions\s+are.*?(?:\n|$)`),
		regexp.MustCompile(`(?is)\*\*[^*\n]*guidelines?[^*\n]*\*\*.*?(?:\n|$)`),
		regexp.MustCompile(`(?is)core\s+responsibilities.*?(?:\n|$)`),
	}
	blankRunRe = regexp.MustCompile(`\n\n+`)
	spaceRunRe = regexp.MustCompile(`  +`)
)

// CleanLeakage removes lines in which generated text restates its own
// operating instructions, then collapses runs of blank lines and spaces.
func CleanLeakage(text string) string {
	for _, re := range leakagePatterns {
		text = re.ReplaceAllString(text, "")
	}
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	text = spaceRunRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
