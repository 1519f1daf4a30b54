package ingest

import (
	"strings"
	"unicode"

	"github.com/6chenhua/research-agent-backend/pkg/utils"
)

// DefaultMaxChunkTokens is the chunk budget used when none is configured.
const DefaultMaxChunkTokens = 1500

// Chunk is a bounded piece of one section. Index is global across the document.
type Chunk struct {
	Index        int    `json:"index"`
	SectionIndex int    `json:"section_index"`
	SectionTitle string `json:"section_title"`
	Text         string `json:"text"`
}

// Splitter packs whole sentences into chunks of at most MaxTokens. Chunks
// never span two sections. A sentence that alone exceeds the budget is cut
// on word boundaries.
type Splitter struct {
	MaxTokens int
}

// NewSplitter creates a splitter; maxTokens <= 0 selects the default.
func NewSplitter(maxTokens int) *Splitter {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}
	return &Splitter{MaxTokens: maxTokens}
}

// Split chunks every section in order.
func (s *Splitter) Split(sections []Section) []Chunk {
	var chunks []Chunk
	for si, section := range sections {
		for _, text := range s.splitSection(section.Text) {
			chunks = append(chunks, Chunk{
				Index:        len(chunks),
				SectionIndex: si,
				SectionTitle: section.Title,
				Text:         text,
			})
		}
	}
	return chunks
}

func (s *Splitter) splitSection(text string) []string {
	var (
		out     []string
		current strings.Builder
		used    int
	)
	emit := func() {
		if t := strings.TrimSpace(current.String()); t != "" {
			out = append(out, t)
		}
		current.Reset()
		used = 0
	}

	for pi, paragraph := range paragraphs(text) {
		for si, sentence := range SplitSentences(paragraph) {
			for k, piece := range s.fit(sentence) {
				cost := utils.EstimateTokens(piece) + 1
				if used > 0 && used+cost > s.MaxTokens {
					emit()
				}
				if used > 0 {
					if pi > 0 && si == 0 && k == 0 {
						current.WriteString("\n\n")
					} else {
						current.WriteByte(' ')
					}
				}
				current.WriteString(piece)
				used += cost
			}
		}
	}
	emit()
	return out
}

// fit returns sentence unchanged when it is within budget, otherwise word
// groups that each are.
func (s *Splitter) fit(sentence string) []string {
	if utils.EstimateTokens(sentence) < s.MaxTokens {
		return []string{sentence}
	}
	var (
		out   []string
		words []string
		used  int
	)
	for _, w := range strings.Fields(sentence) {
		cost := utils.EstimateTokens(w) + 1
		if len(words) > 0 && used+cost > s.MaxTokens {
			out = append(out, strings.Join(words, " "))
			words, used = nil, 0
		}
		words = append(words, w)
		used += cost
	}
	if len(words) > 0 {
		out = append(out, strings.Join(words, " "))
	}
	return out
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SplitSentences cuts text after '.', '!' or '?' (plus closing quotes or
// brackets) when followed by whitespace.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var (
		out   []string
		start int
	)
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && (isTerminal(runes[end]) || isCloser(runes[end])) {
			end++
		}
		if end < len(runes) && !unicode.IsSpace(runes[end]) {
			i = end - 1
			continue
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' || r == '”' || r == '’'
}
