package chunk

import (
	"log/slog"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts model tokens in text. The chunker uses cheap character
// estimates for pre-segmentation and the counter only for exact verification,
// so Count is called on candidate segments, not the whole document per probe.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a real BPE tokenizer (cl100k_base).
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the exact token count for text.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates token counts without a BPE vocabulary:
// one token per word plus one per run of punctuation. Deterministic and
// dependency-free, used when the tiktoken encoding cannot be loaded and in
// tests that assert chunking determinism.
type HeuristicCounter struct{}

// Count approximates the token count for text.
func (HeuristicCounter) Count(text string) int {
	tokens := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				tokens++
				inWord = true
			}
		case unicode.IsSpace(r):
			inWord = false
		default:
			tokens++
			inWord = false
		}
	}
	return tokens
}

var (
	counterOnce sync.Once
	counter     TokenCounter
)

// DefaultCounter returns the process-wide token counter: tiktoken when its
// encoding is available, the heuristic otherwise. The choice is part of the
// chunking configuration fingerprint, so a fallback cannot silently
// invalidate incremental diffs.
func DefaultCounter() TokenCounter {
	counterOnce.Do(func() {
		tk, err := NewTiktokenCounter()
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using heuristic token counter",
				slog.String("error", err.Error()))
			counter = HeuristicCounter{}
			return
		}
		counter = tk
	})
	return counter
}

// CounterName identifies a counter implementation for the config fingerprint.
func CounterName(c TokenCounter) string {
	switch c.(type) {
	case *TiktokenCounter:
		return "cl100k_base"
	default:
		return "heuristic"
	}
}
