// Package tokenizer turns ebook text into normalised word tokens. Text is
// NFKC-normalised and lower-cased, split on UAX#29 word boundaries, and only
// purely alphabetic words that are not English stop-words are kept. Words are
// not stemmed: the index answers questions about the words as written.
package tokenizer

import (
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/unicode/norm"
)

var stopWords = map[string]struct{}{
	"i": {}, "me": {}, "my": {}, "myself": {}, "we": {}, "our": {}, "ours": {},
	"ourselves": {}, "you": {}, "your": {}, "yours": {}, "yourself": {},
	"yourselves": {}, "he": {}, "him": {}, "his": {}, "himself": {}, "she": {},
	"her": {}, "hers": {}, "herself": {}, "it": {}, "its": {}, "itself": {},
	"they": {}, "them": {}, "their": {}, "theirs": {}, "themselves": {},
	"what": {}, "which": {}, "who": {}, "whom": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "am": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "be": {}, "been": {}, "being": {}, "have": {}, "has": {},
	"had": {}, "having": {}, "do": {}, "does": {}, "did": {}, "doing": {},
	"a": {}, "an": {}, "the": {}, "and": {}, "but": {}, "if": {}, "or": {},
	"because": {}, "as": {}, "until": {}, "while": {}, "of": {}, "at": {},
	"by": {}, "for": {}, "with": {}, "about": {}, "against": {}, "between": {},
	"into": {}, "through": {}, "during": {}, "before": {}, "after": {},
	"above": {}, "below": {}, "to": {}, "from": {}, "up": {}, "down": {},
	"in": {}, "out": {}, "on": {}, "off": {}, "over": {}, "under": {},
	"again": {}, "further": {}, "then": {}, "once": {}, "here": {}, "there": {},
	"when": {}, "where": {}, "why": {}, "how": {}, "all": {}, "any": {},
	"both": {}, "each": {}, "few": {}, "more": {}, "most": {}, "other": {},
	"some": {}, "such": {}, "no": {}, "nor": {}, "not": {}, "only": {},
	"own": {}, "same": {}, "so": {}, "than": {}, "too": {}, "very": {},
	"s": {}, "t": {}, "can": {}, "will": {}, "just": {}, "don": {},
	"should": {}, "now": {}, "d": {}, "ll": {}, "m": {}, "o": {}, "re": {},
	"ve": {}, "y": {}, "ain": {}, "aren": {}, "couldn": {}, "didn": {},
	"doesn": {}, "hadn": {}, "hasn": {}, "haven": {}, "isn": {}, "ma": {},
	"mightn": {}, "mustn": {}, "needn": {}, "shan": {}, "shouldn": {},
	"wasn": {}, "weren": {}, "won": {}, "wouldn": {},
}

// Token represents a single normalised term and its position among the kept
// terms of the original text.
type Token struct {
	Term     string
	Position int
}

// Tokenizer is the default text tokenizer. The zero value is usable.
type Tokenizer struct{}

// New returns the default tokenizer.
func New() Tokenizer {
	return Tokenizer{}
}

// Terms returns the kept terms of text in order.
func (Tokenizer) Terms(text string) []string {
	return terms(text)
}

// Tokenize breaks text into positioned Tokens with stop-words and
// non-alphabetic words removed.
func Tokenize(text string) []Token {
	ts := terms(text)
	tokens := make([]Token, len(ts))
	for i, t := range ts {
		tokens[i] = Token{Term: t, Position: i}
	}
	return tokens
}

// Count reduces text to term occurrence counts.
func Count(text string) map[string]int {
	counts := make(map[string]int)
	for _, t := range terms(text) {
		counts[t]++
	}
	return counts
}

// Normalize folds a single query word the way terms are folded at
// ingestion time.
func Normalize(word string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(word)))
}

// IsStopWord reports whether term is dropped by the tokenizer.
func IsStopWord(term string) bool {
	_, ok := stopWords[term]
	return ok
}

func terms(text string) []string {
	text = strings.ToLower(norm.NFKC.String(text))
	seg := words.FromString(text)
	out := make([]string, 0, len(text)/8)
	for seg.Next() {
		w := seg.Value()
		if !alphabetic(w) {
			continue
		}
		if _, isStop := stopWords[w]; isStop {
			continue
		}
		out = append(out, w)
	}
	return out
}

func alphabetic(w string) bool {
	if w == "" {
		return false
	}
	for _, r := range w {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
