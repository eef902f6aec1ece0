package textprep

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_CollapsesWhitespace(t *testing.T) {
	res := New(DefaultOptions()).Process(" Hello   world! ")

	assert.Equal(t, "Hello world!", res.Text)
	assert.False(t, res.IsEmpty)
	assert.False(t, res.Truncated)
	assert.Contains(t, res.Modifications, ModCollapseWhitespace)
	assert.Equal(t, Hash("Hello world!"), res.Hash)
}

func TestProcess_Empty(t *testing.T) {
	tests := []string{"", "   ", "\n\t\n", "<p> </p>", "\u200b\u200b"}

	p := New(DefaultOptions())
	for _, input := range tests {
		res := p.Process(input)
		assert.True(t, res.IsEmpty, "input %q", input)
	}
}

func TestProcess_HashDeterministic(t *testing.T) {
	p := New(DefaultOptions())
	a := p.Process("The quick  brown fox")
	b := p.Process("The quick  brown fox")
	c := p.Process("The quick brown fox!")

	assert.Equal(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
	assert.Len(t, a.Hash, 64)
}

func TestProcess_StripMarkup(t *testing.T) {
	res := New(DefaultOptions()).Process("<p>Hello</p><p>World &amp; co</p><script>alert(1)</script>")

	assert.Equal(t, "Hello World & co", res.Text)
	assert.Contains(t, res.Modifications, ModStripMarkup)
}

func TestProcess_BlockTagsBecomeLineBreaks(t *testing.T) {
	opts := DefaultOptions()
	opts.PreserveLineBreaks = true

	res := New(opts).Process("<h1>Title</h1><p>First</p><br/>Second")
	assert.Equal(t, "Title\n\nFirst\n\nSecond", res.Text)
}

func TestProcess_PreserveLineBreaks(t *testing.T) {
	res := New(DocumentOptions()).Process("Line one  \r\n\n\n\nLine   two\n  indented")
	assert.Equal(t, "Line one\n\nLine two\n  indented", res.Text)
}

func TestProcess_OptionalStripping(t *testing.T) {
	opts := DefaultOptions()
	opts.StripURLs = true
	opts.StripEmails = true
	opts.StripNumbers = true
	opts.StripEmoji = true

	res := New(opts).Process("Mail bob@example.com or see https://example.com/docs 😀 call 555 1234 now")

	assert.Equal(t, "Mail or see call now", res.Text)
	for _, mod := range []string{ModStripURLs, ModStripEmails, ModStripNumbers, ModStripEmoji} {
		assert.Contains(t, res.Modifications, mod)
	}
}

func TestProcess_UnicodeAndPunctuation(t *testing.T) {
	// "e" followed by a combining acute accent composes to a single rune.
	res := New(DefaultOptions()).Process("Cafe\u0301 “quoted” — it’s done…")

	assert.Equal(t, "Caf\u00e9 \"quoted\" - it's done...", res.Text)
	assert.Contains(t, res.Modifications, ModNormalizeUnicode)
	assert.Contains(t, res.Modifications, ModNormalizePunctuation)
}

func TestProcess_StripControlChars(t *testing.T) {
	res := New(DefaultOptions()).Process("zero\u200bwidth\x00 bell\x07")
	assert.Equal(t, "zerowidth bell", res.Text)
	assert.Contains(t, res.Modifications, ModStripControlChars)
}

func TestProcess_Lowercase(t *testing.T) {
	opts := DefaultOptions()
	opts.Lowercase = true
	assert.Equal(t, "mixed case", New(opts).Process("MiXeD CASE").Text)
}

func TestProcess_NoModifications(t *testing.T) {
	res := New(DefaultOptions()).Process("already clean")
	assert.Empty(t, res.Modifications)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		limit     int
		expected  string
		truncated bool
	}{
		{
			name:     "under limit",
			text:     "short",
			limit:    10,
			expected: "short",
		},
		{
			name:      "word boundary",
			text:      "aaaa bbbb cccc",
			limit:     10,
			expected:  "aaaa bbbb",
			truncated: true,
		},
		{
			name:      "sentence boundary",
			text:      "Hi there. abcdefghijklmnopqrstuvwxyz",
			limit:     20,
			expected:  "Hi there.",
			truncated: true,
		},
		{
			name:      "hard cut",
			text:      "abcdefghijklmnopqrstuvwxyz",
			limit:     10,
			expected:  "abcdefghij",
			truncated: true,
		},
		{
			name:      "multibyte runes",
			text:      strings.Repeat("é", 30),
			limit:     12,
			expected:  strings.Repeat("é", 12),
			truncated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated := Truncate(tt.text, tt.limit)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.truncated, truncated)
			assert.LessOrEqual(t, len([]rune(got)), tt.limit)
		})
	}
}

func TestProcess_TruncatesToMaxChunkSize(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxChunkSize = 50

	res := New(opts).Process(strings.Repeat("word ", 40))
	require.True(t, res.Truncated)
	assert.Contains(t, res.Modifications, ModTruncate)
	assert.LessOrEqual(t, len([]rune(res.Text)), 50)
	assert.False(t, strings.HasSuffix(res.Text, " "))
	assert.True(t, strings.HasSuffix(res.Text, "word"))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
	assert.Equal(t, 3, EstimateTokens("abcdefghi"))
}
