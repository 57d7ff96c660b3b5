// Package scanner discovers markdown notes in a vault and extracts the
// metadata the index stores alongside them: title, tags, and wiki links.
package scanner

import (
	"bytes"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	wikiLinkRe  = regexp.MustCompile(`\[\[(.*?)\]\]`)
	inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
)

// Note is one parsed markdown file.
type Note struct {
	// Path is the vault-relative path, forward slashes.
	Path string

	// Title comes from frontmatter, the first H1, or the file stem, in that
	// order.
	Title string

	// Body is the markdown content with frontmatter stripped.
	Body string

	// Raw is the file content as read, including frontmatter. Chunking and
	// content hashing operate on Raw so the stored blob round-trips.
	Raw []byte

	Tags  []string
	Links []string
}

// ParseNote extracts metadata from raw markdown. Malformed frontmatter is
// not an error; the file is treated as having none.
func ParseNote(path string, raw []byte) *Note {
	fm, body := splitFrontmatter(raw)
	return &Note{
		Path:  path,
		Title: deriveTitle(fm, body, path),
		Body:  body,
		Raw:   raw,
		Tags:  extractTags(fm, body),
		Links: extractLinks(body),
	}
}

// splitFrontmatter separates a leading YAML block delimited by --- lines
// from the body. Invalid YAML falls back to no frontmatter.
func splitFrontmatter(raw []byte) (map[string]any, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(raw, "\r\n")
	if !bytes.HasPrefix(trimmed, []byte(delim+"\n")) && !bytes.HasPrefix(trimmed, []byte(delim+"\r\n")) {
		return nil, string(raw)
	}

	rest := trimmed[len(delim):]
	end := bytes.Index(rest, []byte("\n"+delim))
	if end < 0 {
		return nil, string(raw)
	}

	var fm map[string]any
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, string(raw)
	}
	body := rest[end+1+len(delim):]
	return fm, strings.TrimLeft(string(body), "\r\n")
}

func deriveTitle(fm map[string]any, body, path string) string {
	if t, ok := fm["title"].(string); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	base := path[strings.LastIndex(path, "/")+1:]
	return strings.TrimSuffix(strings.TrimSuffix(base, ".markdown"), ".md")
}

// extractTags merges frontmatter tags with inline #tags, first occurrence
// order, deduplicated case-insensitively.
func extractTags(fm map[string]any, body string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tag string) {
		tag = strings.TrimSpace(strings.TrimPrefix(tag, "#"))
		if tag == "" {
			return
		}
		key := strings.ToLower(tag)
		if !seen[key] {
			seen[key] = true
			out = append(out, tag)
		}
	}

	switch v := fm["tags"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			add(s)
		}
	}

	for _, m := range inlineTagRe.FindAllStringSubmatch(stripFencedCode(body), -1) {
		add(m[1])
	}
	return out
}

// extractLinks returns deduplicated wikilink targets. [[Target|Alias]]
// resolves to Target, [[Target#Section]] to Target.
func extractLinks(body string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range wikiLinkRe.FindAllStringSubmatch(stripFencedCode(body), -1) {
		target := m[1]
		if i := strings.IndexByte(target, '|'); i >= 0 {
			target = target[:i]
		}
		if i := strings.IndexByte(target, '#'); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		out = append(out, target)
	}
	return out
}

// stripFencedCode blanks out fenced code blocks so #comments and [[x]] in
// code are not mistaken for tags and links.
func stripFencedCode(body string) string {
	var b strings.Builder
	inFence := false
	for _, line := range strings.SplitAfter(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			b.WriteString("\n")
			continue
		}
		if inFence {
			b.WriteString("\n")
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}
