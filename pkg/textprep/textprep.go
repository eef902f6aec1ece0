// Package textprep normalizes raw text before chunking and embedding.
//
// Processing is deterministic: the same input and Options always produce the
// same Result, including the content hash used as the embedding cache key.
package textprep

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
	"golang.org/x/text/unicode/norm"
)

// Names recorded in Result.Modifications.
const (
	ModStripMarkup          = "strip_markup"
	ModStripURLs            = "strip_urls"
	ModStripEmails          = "strip_emails"
	ModStripNumbers         = "strip_numbers"
	ModStripEmoji           = "strip_emoji"
	ModNormalizeUnicode     = "normalize_unicode"
	ModStripControlChars    = "strip_control_chars"
	ModNormalizePunctuation = "normalize_punctuation"
	ModCollapseWhitespace   = "collapse_whitespace"
	ModLowercase            = "lowercase"
	ModTruncate             = "truncate"
)

// DefaultMaxChunkSize is the default rune limit applied before embedding.
const DefaultMaxChunkSize = 8000

// Options toggles individual processing steps.
type Options struct {
	StripMarkup          bool
	StripURLs            bool
	StripEmails          bool
	StripNumbers         bool
	StripEmoji           bool
	NormalizeUnicode     bool
	StripControlChars    bool
	NormalizePunctuation bool
	CollapseWhitespace   bool
	// PreserveLineBreaks keeps single and paragraph line breaks when
	// collapsing whitespace.
	PreserveLineBreaks bool
	Lowercase          bool

	// MaxChunkSize is the maximum length in runes. Zero disables truncation.
	MaxChunkSize int
}

// DefaultOptions returns the options used for embedding input.
func DefaultOptions() Options {
	return Options{
		StripMarkup:          true,
		NormalizeUnicode:     true,
		StripControlChars:    true,
		NormalizePunctuation: true,
		CollapseWhitespace:   true,
		MaxChunkSize:         DefaultMaxChunkSize,
	}
}

// DocumentOptions returns the options used to normalize whole documents
// before chunking. Line structure and indentation survive.
func DocumentOptions() Options {
	return Options{
		NormalizeUnicode:   true,
		StripControlChars:  true,
		CollapseWhitespace: true,
		PreserveLineBreaks: true,
	}
}

// Result is the outcome of preprocessing.
type Result struct {
	Text          string
	Modifications []string
	IsEmpty       bool
	Truncated     bool
	// Hash is the hex SHA-256 of Text.
	Hash string
}

// Preprocessor applies Options to raw text.
type Preprocessor struct {
	opts Options
}

// New creates a Preprocessor.
func New(opts Options) *Preprocessor {
	return &Preprocessor{opts: opts}
}

// Options returns the configured options.
func (p *Preprocessor) Options() Options {
	return p.opts
}

var (
	blockTagRe    = regexp.MustCompile(`(?i)<\s*/?\s*(p|div|br|li|ul|ol|h[1-6]|tr|table|section|article|blockquote|pre|header|footer)\b[^>]*>`)
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)\s*>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	urlRe         = regexp.MustCompile(`(?i)\b(?:https?|ftp)://[^\s<>"']+|\bwww\.[^\s<>"']+`)
	emailRe       = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	numberRe      = regexp.MustCompile(`\b\d+(?:[.,]\d+)*\b`)
	hspaceRe      = regexp.MustCompile(`[ \t\f\v\x{00A0}\x{2000}-\x{200A}\x{202F}\x{205F}\x{3000}]+`)
	spaceRe       = regexp.MustCompile(`\s+`)
	manyBreaksRe  = regexp.MustCompile(`\n{3,}`)
	dashRunRe     = regexp.MustCompile(`[\x{2010}-\x{2015}\x{2212}]+`)
	dotRunRe      = regexp.MustCompile(`\.{4,}`)
)

var punctuationReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", "\"", "”", "\"", "„", "\"", "‟", "\"",
	"«", "\"", "»", "\"",
	"…", "...",
)

// Process runs every enabled step over raw.
func (p *Preprocessor) Process(raw string) Result {
	res := Result{}
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	apply := func(enabled bool, name string, fn func(string) string) {
		if !enabled {
			return
		}
		out := fn(text)
		if out != text {
			res.Modifications = append(res.Modifications, name)
			text = out
		}
	}

	apply(p.opts.StripMarkup, ModStripMarkup, stripMarkup)
	apply(p.opts.StripURLs, ModStripURLs, func(s string) string { return urlRe.ReplaceAllString(s, " ") })
	apply(p.opts.StripEmails, ModStripEmails, func(s string) string { return emailRe.ReplaceAllString(s, " ") })
	apply(p.opts.StripNumbers, ModStripNumbers, func(s string) string { return numberRe.ReplaceAllString(s, " ") })
	apply(p.opts.StripEmoji, ModStripEmoji, gomoji.RemoveEmojis)
	apply(p.opts.NormalizeUnicode, ModNormalizeUnicode, norm.NFC.String)
	apply(p.opts.StripControlChars, ModStripControlChars, stripControlChars)
	apply(p.opts.NormalizePunctuation, ModNormalizePunctuation, normalizePunctuation)
	apply(p.opts.CollapseWhitespace, ModCollapseWhitespace, func(s string) string {
		return collapseWhitespace(s, p.opts.PreserveLineBreaks)
	})
	apply(p.opts.Lowercase, ModLowercase, strings.ToLower)

	if p.opts.MaxChunkSize > 0 {
		if out, truncated := Truncate(text, p.opts.MaxChunkSize); truncated {
			res.Modifications = append(res.Modifications, ModTruncate)
			res.Truncated = true
			text = out
		}
	}

	res.Text = text
	res.IsEmpty = strings.TrimSpace(text) == ""
	res.Hash = Hash(text)
	return res
}

// Hash returns the hex SHA-256 digest of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates provider token usage at four runes per token.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}

func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	s = scriptStyleRe.ReplaceAllString(s, "")
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad':
		return true
	}
	return false
}

func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || isZeroWidth(r) {
			return -1
		}
		return r
	}, s)
}

func normalizePunctuation(s string) string {
	s = punctuationReplacer.Replace(s)
	s = dashRunRe.ReplaceAllString(s, "-")
	return dotRunRe.ReplaceAllString(s, "...")
}

func collapseWhitespace(s string, preserveLineBreaks bool) string {
	if !preserveLineBreaks {
		return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	}

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		// Leading indentation is kept so code blocks stay intact.
		trimmed := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(trimmed)]
		lines[i] = strings.TrimRight(indent+hspaceRe.ReplaceAllString(trimmed, " "), " \t")
		if strings.TrimSpace(lines[i]) == "" {
			lines[i] = ""
		}
	}
	s = strings.Join(lines, "\n")
	s = manyBreaksRe.ReplaceAllString(s, "\n\n")
	return strings.Trim(s, "\n")
}

// Truncate shortens text to at most limit runes. It prefers the last word
// boundary within the final 20% of the limit, then the last sentence boundary
// within the final 60%, and otherwise cuts hard at the limit.
func Truncate(text string, limit int) (string, bool) {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text, false
	}

	wordFloor := limit - limit/5
	for i := limit; i >= wordFloor; i-- {
		if unicode.IsSpace(runes[i]) {
			return strings.TrimRightFunc(string(runes[:i]), unicode.IsSpace), true
		}
	}

	sentenceFloor := limit - (limit*3)/5
	for i := limit - 1; i >= sentenceFloor; i-- {
		if isSentenceEnd(runes[i]) && (i+1 >= len(runes) || unicode.IsSpace(runes[i+1])) {
			return string(runes[:i+1]), true
		}
	}

	return string(runes[:limit]), true
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
