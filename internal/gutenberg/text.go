package gutenberg

import (
	"regexp"
	"strings"
)

// Patterns marking the end of the licence header, tried in order.
var headerPatterns = compile(
	`\nProduced by `,
	`\n.*\*\*\*.*START OF .*PROJECT GUTENBERG`,
	`\n.*END .*SMALL PRINT`,
	`\n<<THIS ELECTRONIC VERSION`,
	`\n\*SMALL PRINT\!`,
	`\n\*.*This file should be named`,
	`\nCharacter set encoding`,
)

// Patterns marking the start of the licence footer, tried in order.
var footerPatterns = compile(
	`\n.*Project Gutenberg`,
	`\n<<THIS ELECTRONIC VERSION`,
	`\n\[End of original text`,
)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Body cuts the licence header and footer from ebook text. The header is
// looked for in the first headerWindow bytes and the body starts on the
// line after the match; the footer is looked for in the last footerWindow
// bytes after the body start. ok is false when either is missing.
func Body(text string, headerWindow, footerWindow int) (body string, reason string, ok bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	head := text
	if headerWindow > 0 && len(head) > headerWindow {
		head = head[:headerWindow]
	}
	loc := firstMatch(headerPatterns, head)
	if loc == nil {
		return "", SkipNoHeader, false
	}
	start := len(text)
	if nl := strings.IndexByte(text[loc[0]+1:], '\n'); nl >= 0 {
		start = loc[0] + 1 + nl + 1
	}

	from := start
	if footerWindow > 0 && len(text)-footerWindow > from {
		from = len(text) - footerWindow
	}
	loc = firstMatch(footerPatterns, text[from:])
	if loc == nil {
		return "", SkipNoFooter, false
	}
	return text[start : from+loc[0]], "", true
}

func firstMatch(patterns []*regexp.Regexp, s string) []int {
	for _, re := range patterns {
		if loc := re.FindStringIndex(s); loc != nil {
			return loc
		}
	}
	return nil
}
