package chunk

import (
	"sort"
	"strings"
)

// BreakpointKind identifies the structural feature behind a candidate split.
type BreakpointKind string

const (
	KindHeading  BreakpointKind = "heading"
	KindFence    BreakpointKind = "fence"
	KindRule     BreakpointKind = "rule"
	KindBlank    BreakpointKind = "blank"
	KindListItem BreakpointKind = "list_item"
	KindSentence BreakpointKind = "sentence"
)

// Breakpoint scores for each structural kind. Headings additionally lose one
// point per depth level so `#` outranks `######`.
const (
	scoreHeading  = 100
	scoreFence    = 80
	scoreRule     = 60
	scoreBlank    = 50
	scoreListItem = 40
	scoreSentence = 20
)

// Breakpoint is a candidate chunk boundary: a byte offset where a new chunk
// may begin, scored by the structural strength of the feature at that offset.
type Breakpoint struct {
	Offset int
	Score  int
	Kind   BreakpointKind
}

// FenceRange is a half-open [Start, End) byte range covered by a fenced code
// block, including its delimiter lines. An unterminated fence extends to the
// end of the text.
type FenceRange struct {
	Start int
	End   int
}

// Contains reports whether offset falls strictly inside the fence, i.e. the
// fence would be reopened by starting a chunk there. The fence start and the
// position just past its end are valid boundaries.
func (f FenceRange) Contains(offset int) bool {
	return offset > f.Start && offset < f.End
}

// FenceRanges scans text for fenced code blocks (``` or ~~~ delimiters,
// optionally indented up to three spaces) and returns their byte ranges in
// order. A closing delimiter must use the same marker as the opener.
func FenceRanges(text string) []FenceRange {
	var ranges []FenceRange
	var open bool
	var openStart int
	var marker byte

	offset := 0
	for offset < len(text) {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		var next int
		var line string
		if lineEnd < 0 {
			line = text[offset:]
			next = len(text)
		} else {
			line = text[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		}

		if m, ok := fenceMarker(line); ok {
			if !open {
				open = true
				openStart = offset
				marker = m
			} else if m == marker {
				ranges = append(ranges, FenceRange{Start: openStart, End: next})
				open = false
			}
		}
		offset = next
	}

	if open {
		ranges = append(ranges, FenceRange{Start: openStart, End: len(text)})
	}
	return ranges
}

// fenceMarker reports whether line opens or closes a fence and which marker
// character it uses.
func fenceMarker(line string) (byte, bool) {
	trimmed := line
	for i := 0; i < 3 && strings.HasPrefix(trimmed, " "); i++ {
		trimmed = trimmed[1:]
	}
	if strings.HasPrefix(trimmed, "```") {
		return '`', true
	}
	if strings.HasPrefix(trimmed, "~~~") {
		return '~', true
	}
	return 0, false
}

// insideFence reports whether offset is strictly inside any of the ranges.
// Ranges are sorted by start, so a binary search narrows the candidates.
func insideFence(fences []FenceRange, offset int) bool {
	i := sort.Search(len(fences), func(i int) bool { return fences[i].End > offset })
	return i < len(fences) && fences[i].Contains(offset)
}

// Scan walks text once and returns all candidate breakpoints sorted by
// offset. It is a pure function over text: no chunk assembly state leaks in.
// No breakpoint falls strictly inside a fenced code block; fences themselves
// contribute boundary breakpoints at their start and just past their end.
func Scan(text string) []Breakpoint {
	fences := FenceRanges(text)
	var bps []Breakpoint

	add := func(offset, score int, kind BreakpointKind) {
		if offset <= 0 || offset >= len(text) {
			return
		}
		if kind != KindFence && insideFence(fences, offset) {
			return
		}
		bps = append(bps, Breakpoint{Offset: offset, Score: score, Kind: kind})
	}

	for _, f := range fences {
		add(f.Start, scoreFence, KindFence)
		if f.End < len(text) {
			add(f.End, scoreFence, KindFence)
		}
	}

	offset := 0
	prevBlank := false
	for offset < len(text) {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		var next int
		var line string
		if lineEnd < 0 {
			line = text[offset:]
			next = len(text)
		} else {
			line = text[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		}

		trimmed := strings.TrimSpace(line)

		switch {
		case isHeading(trimmed):
			level := headingLevel(trimmed)
			add(offset, scoreHeading-level, KindHeading)
		case isRule(trimmed):
			add(offset, scoreRule, KindRule)
		case isListItem(trimmed):
			add(offset, scoreListItem, KindListItem)
		}

		// A non-blank line following a blank line starts a paragraph.
		if prevBlank && trimmed != "" {
			add(offset, scoreBlank, KindBlank)
		}
		prevBlank = trimmed == ""

		// Sentence boundaries inside the line, skipping fenced content.
		if !insideFence(fences, offset) {
			for i := 0; i < len(line)-1; i++ {
				c := line[i]
				if (c == '.' || c == '!' || c == '?') && line[i+1] == ' ' {
					add(offset+i+2, scoreSentence, KindSentence)
				}
			}
		}

		offset = next
	}

	sort.Slice(bps, func(i, j int) bool {
		if bps[i].Offset != bps[j].Offset {
			return bps[i].Offset < bps[j].Offset
		}
		return bps[i].Score > bps[j].Score
	})

	// Deduplicate by offset, keeping the strongest kind.
	out := bps[:0]
	lastOffset := -1
	for _, bp := range bps {
		if bp.Offset == lastOffset {
			continue
		}
		out = append(out, bp)
		lastOffset = bp.Offset
	}
	return out
}

// isHeading reports whether a trimmed line is an ATX heading.
func isHeading(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	level := headingLevel(line)
	return level >= 1 && level <= 6 && len(line) > level && line[level] == ' '
}

// headingLevel counts leading # characters.
func headingLevel(line string) int {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	return n
}

// isRule reports whether a trimmed line is a horizontal rule.
func isRule(line string) bool {
	if len(line) < 3 {
		return false
	}
	c := line[0]
	if c != '-' && c != '*' && c != '_' {
		return false
	}
	for i := 0; i < len(line); i++ {
		if line[i] != c && line[i] != ' ' {
			return false
		}
	}
	return strings.Count(line, string(c)) >= 3
}

// isListItem reports whether a trimmed line begins a list item.
func isListItem(line string) bool {
	if len(line) >= 2 && (line[0] == '-' || line[0] == '*' || line[0] == '+') && line[1] == ' ' {
		return true
	}
	// Ordered list: digits followed by ". " or ") ".
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line)-1 {
		return false
	}
	return (line[i] == '.' || line[i] == ')') && line[i+1] == ' '
}
