// Package chunker splits normalized document text into overlapping,
// type-tagged chunks sized for an embedding provider.
package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/hashicorp-forge/embedsearch/pkg/models"
	"github.com/hashicorp-forge/embedsearch/pkg/textprep"
)

const (
	// DefaultChunkSize is the default core chunk length in characters.
	DefaultChunkSize = 1000

	// DefaultOverlap is the default number of characters shared with each neighbour.
	DefaultOverlap = 200

	// DefaultMinChunkSize is the smallest chunk emitted when a paragraph overflows.
	DefaultMinChunkSize = 100

	codeFence = "```"
)

// Chunker splits text into chunks.
type Chunker struct {
	chunkSize          int
	overlap            int
	minChunkSize       int
	preserveCodeBlocks bool
	prep               *textprep.Preprocessor
}

// Option configures the chunker.
type Option func(*Chunker)

// WithChunkSize sets the core chunk size in characters.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap between chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// WithMinChunkSize sets the minimum size for a chunk emitted on overflow.
func WithMinChunkSize(size int) Option {
	return func(c *Chunker) {
		if size >= 0 {
			c.minChunkSize = size
		}
	}
}

// WithPreserveCodeBlocks controls whether fenced code blocks are always
// emitted as their own chunk.
func WithPreserveCodeBlocks(preserve bool) Option {
	return func(c *Chunker) {
		c.preserveCodeBlocks = preserve
	}
}

// New creates a chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		chunkSize:          DefaultChunkSize,
		overlap:            DefaultOverlap,
		minChunkSize:       DefaultMinChunkSize,
		preserveCodeBlocks: true,
		prep:               textprep.New(textprep.DocumentOptions()),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	if c.minChunkSize > c.chunkSize {
		c.minChunkSize = c.chunkSize
	}

	return c
}

// Normalize applies the document normalization rules used before chunking.
func (c *Chunker) Normalize(text string) string {
	return c.prep.Process(text).Text
}

// block is a run of text in the normalized document, in rune offsets.
type block struct {
	start, end int
	kind       models.ChunkType
	heading    string
}

// span is an emitted chunk before overlap is applied.
type span struct {
	start, end int
	kinds      map[models.ChunkType]bool
	section    string
}

// Chunk splits text into chunks for documentID. Empty input yields no chunks.
func (c *Chunker) Chunk(documentID uuid.UUID, text string) []models.Chunk {
	normalized := []rune(c.Normalize(text))
	if len(normalized) == 0 {
		return nil
	}

	blocks := c.mergeCodeFences(normalized, paragraphs(normalized))
	spans := c.accumulate(normalized, blocks)
	return c.applyOverlap(documentID, normalized, spans)
}

// paragraphs splits on blank lines.
func paragraphs(text []rune) []block {
	var blocks []block
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' && i+1 < len(text) && text[i+1] == '\n' {
			if i > start {
				blocks = append(blocks, block{start: start, end: i})
			}
			for i < len(text) && text[i] == '\n' {
				i++
			}
			start = i
			i--
		}
	}
	if start < len(text) {
		blocks = append(blocks, block{start: start, end: len(text)})
	}
	return blocks
}

// mergeCodeFences joins paragraphs between an opening and closing fence
// into one block, then classifies every block.
func (c *Chunker) mergeCodeFences(text []rune, in []block) []block {
	out := make([]block, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		body := string(text[b.start:b.end])
		if fenceCount(body)%2 == 1 {
			for j := i + 1; j < len(in); j++ {
				b.end = in[j].end
				i = j
				if fenceCount(string(text[in[j].start:in[j].end]))%2 == 1 {
					break
				}
			}
			body = string(text[b.start:b.end])
		}
		b.kind, b.heading = classify(body)
		out = append(out, b)
	}
	return out
}

func fenceCount(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), codeFence) {
			n++
		}
	}
	return n
}

var (
	headingRe = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	listRe    = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+`)
)

// classify infers the block type from its lines.
func classify(body string) (models.ChunkType, string) {
	if strings.HasPrefix(strings.TrimSpace(body), codeFence) {
		return models.ChunkTypeCode, ""
	}

	lines := strings.Split(body, "\n")
	kinds := map[models.ChunkType]bool{}
	heading := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case headingRe.MatchString(trimmed):
			kinds[models.ChunkTypeHeading] = true
			if heading == "" {
				heading = strings.TrimSpace(headingRe.FindStringSubmatch(trimmed)[1])
			}
		case listRe.MatchString(line):
			kinds[models.ChunkTypeList] = true
		case strings.Count(trimmed, "|") >= 2:
			kinds[models.ChunkTypeTable] = true
		default:
			kinds[models.ChunkTypeParagraph] = true
		}
	}
	return combine(kinds), heading
}

func combine(kinds map[models.ChunkType]bool) models.ChunkType {
	if len(kinds) == 1 {
		for k := range kinds {
			return k
		}
	}
	if len(kinds) == 0 {
		return models.ChunkTypeParagraph
	}
	return models.ChunkTypeMixed
}

// accumulate packs blocks into spans no longer than chunkSize where possible.
func (c *Chunker) accumulate(text []rune, blocks []block) []span {
	var (
		spans   []span
		current *span
		section string
	)

	flush := func() {
		if current != nil {
			spans = append(spans, *current)
			current = nil
		}
	}
	add := func(b block) {
		if current == nil {
			current = &span{start: b.start, end: b.end, kinds: map[models.ChunkType]bool{}, section: section}
		}
		current.end = b.end
		current.kinds[b.kind] = true
	}

	for _, b := range blocks {
		if b.heading != "" {
			section = b.heading
		}

		if b.kind == models.ChunkTypeCode && c.preserveCodeBlocks {
			flush()
			add(b)
			flush()
			continue
		}

		for _, piece := range c.split(text, b) {
			if current != nil && (piece.end-current.start) > c.chunkSize {
				if current.end-current.start >= c.minChunkSize {
					flush()
				}
			}
			add(piece)
		}
	}
	flush()

	return spans
}

// split breaks a block longer than chunkSize at sentence boundaries, then
// at word boundaries, then hard.
func (c *Chunker) split(text []rune, b block) []block {
	if b.end-b.start <= c.chunkSize {
		return []block{b}
	}

	var pieces []block
	start := b.start
	for start < b.end {
		limit := start + c.chunkSize
		if limit >= b.end {
			pieces = append(pieces, block{start: start, end: b.end, kind: b.kind})
			break
		}

		cut := -1
		for i := limit; i > start+c.chunkSize/4; i-- {
			if isSentenceEnd(text[i-1]) && unicode.IsSpace(text[i]) {
				cut = i
				break
			}
		}
		if cut < 0 {
			for i := limit; i > limit-c.chunkSize/5; i-- {
				if unicode.IsSpace(text[i]) {
					cut = i
					break
				}
			}
		}
		if cut < 0 {
			cut = limit
		}

		pieces = append(pieces, block{start: start, end: cut, kind: b.kind})
		start = skipSpace(text, cut, b.end)
	}
	return pieces
}

// applyOverlap extends each span with boundary-aware text from its
// neighbours and builds the final chunks.
func (c *Chunker) applyOverlap(documentID uuid.UUID, text []rune, spans []span) []models.Chunk {
	chunks := make([]models.Chunk, 0, len(spans))
	for i, s := range spans {
		from, to := s.start, s.end
		if c.overlap > 0 && i > 0 {
			from = overlapStart(text, spans[i-1].start, s.start, c.overlap)
		}
		if c.overlap > 0 && i < len(spans)-1 {
			to = overlapEnd(text, s.end, spans[i+1].end, c.overlap)
		}

		body := string(text[from:to])
		chunks = append(chunks, models.Chunk{
			DocumentID:    documentID,
			Index:         i,
			Text:          body,
			CharStart:     s.start,
			CharEnd:       s.end,
			OverlapPrefix: s.start - from,
			OverlapSuffix: to - s.end,
			Type:          combine(s.kinds),
			SectionTitle:  s.section,
			WordCount:     len(strings.Fields(body)),
			CharCount:     to - from,
		})
	}
	return chunks
}

// overlapStart picks where the borrowed tail of the previous chunk begins.
// It prefers the earliest sentence or line start in the window, then the
// earliest word start.
func overlapStart(text []rune, prevStart, coreStart, overlap int) int {
	lo := coreStart - overlap
	if lo < prevStart {
		lo = prevStart
	}

	pick := -1
	for i := lo; i < coreStart; i++ {
		if i > 0 && (text[i-1] == '\n' || (unicode.IsSpace(text[i-1]) && i > 1 && isSentenceEnd(text[i-2]))) && !unicode.IsSpace(text[i]) {
			pick = i
			break
		}
	}
	if pick < 0 {
		for i := lo; i < coreStart; i++ {
			if (i == 0 || unicode.IsSpace(text[i-1])) && !unicode.IsSpace(text[i]) {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		pick = lo
	}

	pick = skipSpace(text, pick, coreStart)
	if onlySpace(text, pick, coreStart) {
		return coreStart
	}
	return pick
}

// overlapEnd picks where the borrowed head of the next chunk ends. It
// prefers the latest sentence or line end in the window, then the latest
// word end.
func overlapEnd(text []rune, coreEnd, nextEnd, overlap int) int {
	hi := coreEnd + overlap
	if hi > nextEnd {
		hi = nextEnd
	}

	pick := -1
	for i := hi; i > coreEnd; i-- {
		if isSentenceEnd(text[i-1]) && (i == len(text) || unicode.IsSpace(text[i])) {
			pick = i
			break
		}
		if i < len(text) && text[i] == '\n' && !unicode.IsSpace(text[i-1]) {
			pick = i
			break
		}
	}
	if pick < 0 {
		for i := hi; i > coreEnd; i-- {
			if (i == len(text) || unicode.IsSpace(text[i])) && !unicode.IsSpace(text[i-1]) {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		pick = hi
	}

	for pick > coreEnd && unicode.IsSpace(text[pick-1]) {
		pick--
	}
	return pick
}

// StripOverlap returns the core text of each chunk, in order.
func StripOverlap(chunks []models.Chunk) []string {
	out := make([]string, len(chunks))
	for i := range chunks {
		out[i] = chunks[i].Core()
	}
	return out
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func skipSpace(text []rune, i, limit int) int {
	for i < limit && unicode.IsSpace(text[i]) {
		i++
	}
	return i
}

func onlySpace(text []rune, from, to int) bool {
	for i := from; i < to; i++ {
		if !unicode.IsSpace(text[i]) {
			return false
		}
	}
	return true
}
