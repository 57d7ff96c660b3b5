// Package chunk splits markdown documents into overlapping, structurally
// aligned passages with stable content-derived identity hashes.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Chunk is one retrievable passage of a document.
type Chunk struct {
	// Hash is the identity of the chunk: sha256 of the normalized text.
	// Two chunks with identical normalized text share a hash; storage
	// disambiguates co-located duplicates by (content hash, Seq).
	Hash string

	// Seq is the zero-based position of the chunk within its document.
	Seq int

	// StartByte and EndByte delimit the chunk in the source text.
	StartByte int
	EndByte   int

	// Tokens is the verified token count of Text.
	Tokens int

	// Text is the raw chunk text.
	Text string

	// Heading is the nearest preceding heading title, used as context when
	// formatting the chunk for embedding.
	Heading string
}

// Params configures the chunker. Chunk identity is only comparable between
// runs that used identical Params, so they are fingerprinted into the index.
type Params struct {
	// TargetTokens is the token budget per chunk.
	TargetTokens int

	// OverlapRatio is the fraction of TargetTokens each chunk overlaps the
	// previous one.
	OverlapRatio float64

	// Tolerance is the fractional band around TargetTokens within which a
	// structural breakpoint is preferred over a hard cut.
	Tolerance float64

	// Counter identifies the token counter ("cl100k_base" or "heuristic").
	Counter string
}

// DefaultParams returns the standard chunking parameters.
func DefaultParams() Params {
	return Params{
		TargetTokens: 900,
		OverlapRatio: 0.15,
		Tolerance:    0.2,
		Counter:      CounterName(DefaultCounter()),
	}
}

// Fingerprint returns a stable identifier for this parameter set. A changed
// fingerprint invalidates incremental chunk diffs.
func (p Params) Fingerprint() string {
	raw := fmt.Sprintf("v1|target=%d|overlap=%.4f|tolerance=%.4f|counter=%s",
		p.TargetTokens, p.OverlapRatio, p.Tolerance, p.Counter)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

// NormalizeText canonicalizes chunk text before hashing: line endings are
// unified and surrounding whitespace stripped, so formatting-only churn does
// not change chunk identity.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}

// HashText returns the chunk identity hash for text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}
