// Package embed sits between the model provider and the stores: it formats
// text for embedding, caches results content-addressed, and fans chunk
// embedding out over a worker pool.
package embed

import "strings"

// Asymmetric task prefixes. Embedding models trained with instruction
// prefixes (nomic-embed-text among them) place queries and documents in
// different regions of the space; mixing the prefixes up degrades recall.
const (
	queryPrefix    = "search_query: "
	documentPrefix = "search_document: "
)

// QueryText formats a user query for embedding.
func QueryText(query string) string {
	return queryPrefix + strings.TrimSpace(query)
}

// DocumentText formats a chunk for embedding. The note title and nearest
// heading are prepended so short chunks inherit their document's context.
func DocumentText(title, heading, body string) string {
	var b strings.Builder
	b.WriteString(documentPrefix)
	if title = strings.TrimSpace(title); title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	if heading = strings.TrimSpace(heading); heading != "" && heading != title {
		b.WriteString(heading)
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(body))
	return b.String()
}
