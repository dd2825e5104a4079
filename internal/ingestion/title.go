package ingestion

import (
	"strings"
	"unicode"

	"github.com/knoguchi/hybridrag/internal/passage"
)

// abbreviations that end in a period without ending a sentence
var abbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.", "prof.",
	"inc.", "ltd.", "corp.",
	"etc.", "e.g.", "i.e.",
	"vs.", "v.", "fig.", "eq.", "al.",
	"no.", "vol.", "pp.",
}

// deriveTitle returns the first sentence of content, capped at
// passage.MaxTitleRunes.
func deriveTitle(content string) string {
	return passage.TruncateTitle(firstSentence(content))
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)

	for i, r := range runes {
		switch r {
		case '。', '！', '？':
			return string(runes[:i+1])
		case '.', '!', '?':
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			sentence := string(runes[:i+1])
			if r == '.' && isAbbreviation(sentence) {
				continue
			}
			return sentence
		}
	}
	return text
}

func isAbbreviation(text string) bool {
	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if !strings.HasSuffix(lower, abbr) {
			continue
		}
		// "Dr." but not "Hydr."
		prefix := lower[:len(lower)-len(abbr)]
		if prefix == "" || !unicode.IsLetter(lastRune(prefix)) {
			return true
		}
	}
	return false
}

func lastRune(s string) rune {
	r := []rune(s)
	return r[len(r)-1]
}
