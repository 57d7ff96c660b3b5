package chunk

import (
	"strings"
)

// Chunker assembles chunks from scanned breakpoints. Chunking is
// deterministic: the same text and Params always yield the same chunk hash
// sequence.
type Chunker struct {
	params  Params
	counter TokenCounter
}

// New creates a chunker. A nil counter selects DefaultCounter.
func New(params Params, counter TokenCounter) *Chunker {
	if counter == nil {
		counter = DefaultCounter()
	}
	if params.TargetTokens <= 0 {
		params = DefaultParams()
	}
	return &Chunker{params: params, counter: counter}
}

// Params returns the chunker's parameter set.
func (c *Chunker) Params() Params {
	return c.params
}

// Chunk splits text into ordered, overlapping chunks aligned to structural
// breakpoints. A document under the token budget yields one chunk. A span
// with no usable breakpoint, such as a single fenced block larger than the
// budget, yields one oversized chunk rather than a cut inside the fence.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	target := c.params.TargetTokens
	maxTokens := target + int(float64(target)*c.params.Tolerance)
	overlapTokens := int(float64(target) * c.params.OverlapRatio)

	bps := Scan(text)
	fences := FenceRanges(text)
	cpt := c.charsPerToken(text)

	var chunks []Chunk
	start := 0
	for start < len(text) {
		remaining := text[start:]
		if c.counter.Count(remaining) <= maxTokens {
			chunks = c.appendChunk(chunks, text, start, len(text))
			break
		}

		end := c.pickEnd(text, bps, fences, start, cpt)

		// Re-verify with the real tokenizer; a character estimate can land a
		// structural cut past the token budget.
		if c.counter.Count(text[start:end]) > maxTokens {
			end = c.tokenAwareSplit(text, bps, fences, start)
		}
		if end <= start {
			end = len(text)
		}

		chunks = c.appendChunk(chunks, text, start, end)

		if end >= len(text) {
			break
		}

		next := c.overlapStart(bps, start, end, overlapTokens, cpt)
		if next <= start {
			next = end
		}
		start = next
	}

	c.annotate(chunks, text)
	return chunks
}

// pickEnd selects the chunk end offset: the strongest breakpoint inside the
// tolerance band around the target size, or a hard token cut when the band
// holds none.
func (c *Chunker) pickEnd(text string, bps []Breakpoint, fences []FenceRange, start int, cpt float64) int {
	target := c.params.TargetTokens
	idealEnd := start + int(float64(target)*cpt)
	bandLo := start + int(float64(target)*(1-c.params.Tolerance)*cpt)
	bandHi := start + int(float64(target)*(1+c.params.Tolerance)*cpt)
	if bandHi > len(text) {
		bandHi = len(text)
	}

	best := -1
	bestScore := -1
	bestDist := 0
	for _, bp := range bps {
		if bp.Offset <= start || bp.Offset < bandLo {
			continue
		}
		if bp.Offset > bandHi {
			break
		}
		dist := bp.Offset - idealEnd
		if dist < 0 {
			dist = -dist
		}
		if bp.Score > bestScore || (bp.Score == bestScore && dist < bestDist) {
			best = bp.Offset
			bestScore = bp.Score
			bestDist = dist
		}
	}
	if best > start {
		return best
	}
	return c.hardCut(text, fences, start)
}

// tokenAwareSplit re-splits an over-budget segment: the cut moves back to the
// largest breakpoint at or before the exact token boundary, falling back to
// the token boundary itself.
func (c *Chunker) tokenAwareSplit(text string, bps []Breakpoint, fences []FenceRange, start int) int {
	limit := c.cutAtTokens(text, start, c.params.TargetTokens)

	best := -1
	for _, bp := range bps {
		if bp.Offset <= start {
			continue
		}
		if bp.Offset > limit {
			break
		}
		if bp.Offset > best {
			best = bp.Offset
		}
	}
	if best > start {
		return best
	}
	return c.fenceSafe(text, fences, start, limit)
}

// hardCut returns a cut at the exact token budget, fence-adjusted.
func (c *Chunker) hardCut(text string, fences []FenceRange, start int) int {
	limit := c.cutAtTokens(text, start, c.params.TargetTokens)
	return c.fenceSafe(text, fences, start, limit)
}

// fenceSafe moves a proposed cut out of any fence it falls inside. The cut
// extends to the fence end, which may yield an oversized chunk; that is the
// documented exception rather than an error.
func (c *Chunker) fenceSafe(text string, fences []FenceRange, start, offset int) int {
	if offset <= start {
		return len(text)
	}
	for _, f := range fences {
		if f.Contains(offset) {
			if f.End > start {
				return f.End
			}
		}
	}
	return offset
}

// cutAtTokens finds the largest end offset such that text[start:end] stays
// within maxTokens, by binary search with the real tokenizer.
func (c *Chunker) cutAtTokens(text string, start, maxTokens int) int {
	lo, hi := start, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		mid = alignRune(text, mid)
		if mid <= lo {
			break
		}
		if c.counter.Count(text[start:mid]) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return alignRune(text, lo)
}

// overlapStart computes where the next chunk begins: overlap tokens before
// the previous end, re-aligned forward to the nearest breakpoint. Breakpoints
// never sit inside fences, so the overlap cannot reopen one; without a
// breakpoint the next chunk starts flush at the previous end.
func (c *Chunker) overlapStart(bps []Breakpoint, start, end, overlapTokens int, cpt float64) int {
	if overlapTokens <= 0 {
		return end
	}
	want := end - int(float64(overlapTokens)*cpt)
	if want <= start {
		want = start + 1
	}

	best := -1
	bestDist := -1
	for _, bp := range bps {
		if bp.Offset < want || bp.Offset >= end {
			continue
		}
		dist := bp.Offset - want
		if bestDist < 0 || dist < bestDist {
			best = bp.Offset
			bestDist = dist
		}
	}
	if best > start {
		return best
	}
	return end
}

// appendChunk materializes the [start,end) span, skipping whitespace-only
// spans.
func (c *Chunker) appendChunk(chunks []Chunk, text string, start, end int) []Chunk {
	raw := text[start:end]
	if NormalizeText(raw) == "" {
		return chunks
	}
	return append(chunks, Chunk{
		Seq:       len(chunks),
		StartByte: start,
		EndByte:   end,
		Text:      raw,
	})
}

// annotate fills hashes, token counts, and heading context.
func (c *Chunker) annotate(chunks []Chunk, text string) {
	headings := headingOffsets(text)
	for i := range chunks {
		chunks[i].Hash = HashText(chunks[i].Text)
		chunks[i].Tokens = c.counter.Count(chunks[i].Text)
		chunks[i].Heading = headingBefore(headings, chunks[i].StartByte)
	}
}

// charsPerToken estimates the character density of tokens in text, sampling
// at most the first 8 KiB to bound tokenizer work during pre-segmentation.
func (c *Chunker) charsPerToken(text string) float64 {
	sample := text
	if len(sample) > 8192 {
		sample = sample[:alignRune(text, 8192)]
	}
	n := c.counter.Count(sample)
	if n == 0 {
		return 4.0
	}
	cpt := float64(len(sample)) / float64(n)
	if cpt < 1 {
		cpt = 1
	}
	return cpt
}

// alignRune moves offset back to the nearest rune boundary.
func alignRune(text string, offset int) int {
	if offset >= len(text) {
		return len(text)
	}
	for offset > 0 && text[offset]&0xC0 == 0x80 {
		offset--
	}
	return offset
}

// headingOffset pairs a heading's byte offset with its title.
type headingOffset struct {
	offset int
	title  string
}

// headingOffsets lists headings in order of appearance, skipping fenced
// content so a `# comment` inside a code block is not mistaken for one.
func headingOffsets(text string) []headingOffset {
	fences := FenceRanges(text)
	var out []headingOffset

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

		trimmed := strings.TrimSpace(line)
		if isHeading(trimmed) && !insideFence(fences, offset) {
			level := headingLevel(trimmed)
			out = append(out, headingOffset{
				offset: offset,
				title:  strings.TrimSpace(trimmed[level:]),
			})
		}
		offset = next
	}
	return out
}

// headingBefore returns the title of the last heading at or before offset.
func headingBefore(headings []headingOffset, offset int) string {
	title := ""
	for _, h := range headings {
		if h.offset > offset {
			break
		}
		title = h.title
	}
	return title
}
