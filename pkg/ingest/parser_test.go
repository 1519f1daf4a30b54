package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

func TestPlainTextParserMarkdown(t *testing.T) {
	doc := `# Attention Is All You Need

## Abstract
We propose the Transformer.

## 1 Introduction
Recurrent models are slow.

## References
[1] Someone. Something. 2010.
`
	sections, meta, err := NewPlainTextParser().ParseDocument([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "Attention Is All You Need", meta.Title)
	require.Len(t, sections, 2)
	assert.Equal(t, "Abstract", sections[0].Title)
	assert.Equal(t, "We propose the Transformer.", sections[0].Text)
	assert.Equal(t, "1 Introduction", sections[1].Title)
}

func TestPlainTextParserBareHeadings(t *testing.T) {
	doc := "Abstract\nA short summary.\n\n2.1 Training Setup\nWe train for ten epochs.\n\nConclusion:\nIt works."
	sections, meta, err := NewPlainTextParser().ParseDocument([]byte(doc))
	require.NoError(t, err)
	assert.Empty(t, meta.Title)
	assert.Equal(t, 3, meta.Headings)
	require.Len(t, sections, 3)
	assert.Equal(t, "Abstract", sections[0].Title)
	assert.Equal(t, "2.1 Training Setup", sections[1].Title)
	assert.Equal(t, "Conclusion", sections[2].Title)
	assert.Equal(t, "It works.", sections[2].Text)
}

func TestPlainTextParserNoHeadings(t *testing.T) {
	sections, _, err := NewPlainTextParser().ParseDocument([]byte("just some text.\nmore text."))
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Empty(t, sections[0].Title)
}

func TestPlainTextParserFailures(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"whitespace", []byte("  \n\n\t ")},
		{"headings only", []byte("# Title\n## Abstract\n")},
		{"pdf", []byte("%PDF-1.7 binary")},
		{"invalid utf8", []byte{0xff, 0xfe, 0xfd}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewPlainTextParser().ParseDocument(tt.data)
			assert.ErrorIs(t, err, types.ErrParseFailure)
		})
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences(`It works. Does it? Yes! He said "stop." Then v1.5 shipped`)
	assert.Equal(t, []string{"It works.", "Does it?", "Yes!", `He said "stop."`, "Then v1.5 shipped"}, got)
}

func TestSplitterKeepsSectionsApart(t *testing.T) {
	chunks := NewSplitter(100).Split([]Section{
		{Title: "Abstract", Text: "Short one."},
		{Title: "Method", Text: "Another short one."},
	})
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "Abstract", chunks[0].SectionTitle)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, 1, chunks[1].SectionIndex)
	assert.Equal(t, "Another short one.", chunks[1].Text)
}

func TestSplitterRespectsBudgetAndSentences(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog again and again."
	text := strings.Repeat(sentence+" ", 40)

	chunks := NewSplitter(50).Split([]Section{{Title: "Body", Text: text}})
	require.Greater(t, len(chunks), 1)

	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Text))/4, 50)
		assert.True(t, strings.HasSuffix(c.Text, "."), "chunk must end on a sentence boundary: %q", c.Text)
		assert.True(t, strings.HasPrefix(c.Text, "The quick"), "chunk must start on a sentence boundary: %q", c.Text)
		total += strings.Count(c.Text, sentence)
	}
	assert.Equal(t, 40, total)
}

func TestSplitterCutsOversizedSentence(t *testing.T) {
	words := make([]string, 200)
	for i := range words {
		words[i] = "word"
	}
	chunks := NewSplitter(20).Split([]Section{{Text: strings.Join(words, " ")}})
	require.Greater(t, len(chunks), 1)

	count := 0
	for _, c := range chunks {
		for _, w := range strings.Fields(c.Text) {
			assert.Equal(t, "word", w)
			count++
		}
	}
	assert.Equal(t, 200, count)
}

func TestSplitterParagraphs(t *testing.T) {
	chunks := NewSplitter(0).Split([]Section{{Text: "First para.\n\nSecond para."}})
	require.Len(t, chunks, 1)
	assert.Equal(t, "First para.\n\nSecond para.", chunks[0].Text)
}
