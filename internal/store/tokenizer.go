package store

import (
	"strings"
	"unicode"
)

// DefaultProseStopWords are high-frequency English words filtered before BM25
// indexing. Obsidian notes are prose, so the list is language stopwords, not
// programming keywords.
var DefaultProseStopWords = []string{
	"the", "a", "an", "and", "or", "but", "of", "to", "in", "on", "at",
	"is", "are", "was", "were", "be", "been", "it", "its", "this", "that",
	"these", "those", "for", "with", "as", "by", "from", "not", "no",
	"have", "has", "had", "do", "does", "did", "will", "would", "can",
	"could", "should", "i", "you", "he", "she", "we", "they", "my", "your",
}

// TokenizeProse splits text into lowercase word tokens. Words are maximal
// runs of letters and digits; apostrophes inside a word are dropped so
// "don't" tokenizes as "dont". Tokens shorter than minLen are discarded.
func TokenizeProse(text string, minLen int) []string {
	if minLen <= 0 {
		minLen = 2
	}

	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() >= minLen {
			tokens = append(tokens, strings.ToLower(current.String()))
		}
		current.Reset()
	}

	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		case r == '\'':
			// joins a word, contributes nothing
		default:
			flush()
		}
	}
	flush()

	return tokens
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, stop := stopWords[tok]; !stop {
			out = append(out, tok)
		}
	}
	return out
}

// BuildStopWordMap converts a stop word list to a lookup set.
func BuildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
