package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// Section is one titled span of a parsed document.
type Section struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// DocumentMetadata is what a parser could learn about the document itself.
type DocumentMetadata struct {
	Title    string `json:"title,omitempty"`
	Headings int    `json:"headings"`
}

// Parser turns raw document bytes into sections.
type Parser interface {
	ParseDocument(data []byte) ([]Section, DocumentMetadata, error)
}

var (
	markdownHeading = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	numberedHeading = regexp.MustCompile(`^(?:\d+(?:\.\d+)*\.?|[IVX]+\.)\s+([A-Z][^.!?:;]{1,80})$`)
)

// keywordHeadings are bare lines recognised as section titles.
var keywordHeadings = map[string]struct{}{
	"abstract": {}, "introduction": {}, "related work": {}, "background": {},
	"method": {}, "methods": {}, "methodology": {}, "approach": {},
	"experiments": {}, "experiment": {}, "evaluation": {}, "results": {},
	"discussion": {}, "conclusion": {}, "conclusions": {}, "limitations": {},
	"future work": {}, "implementation": {}, "references": {}, "acknowledgements": {},
	"acknowledgments": {}, "appendix": {},
}

// PlainTextParser reads UTF-8 text or markdown and detects headings on a best
// effort basis: markdown headings, numbered headings ("3.1 Training Setup")
// and well known bare section names ("Abstract").
type PlainTextParser struct {
	// SkipReferences drops the bibliography section.
	SkipReferences bool
}

// NewPlainTextParser creates a parser that drops reference lists.
func NewPlainTextParser() *PlainTextParser {
	return &PlainTextParser{SkipReferences: true}
}

// ParseDocument implements Parser.
func (p *PlainTextParser) ParseDocument(data []byte) ([]Section, DocumentMetadata, error) {
	var meta DocumentMetadata
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, meta, fmt.Errorf("%w: binary PDF input needs text extraction first", types.ErrParseFailure)
	}
	if !utf8.Valid(data) {
		return nil, meta, fmt.Errorf("%w: input is not valid UTF-8", types.ErrParseFailure)
	}

	var (
		sections []Section
		current  = Section{}
		body     strings.Builder
		seenBody bool
	)
	flush := func() {
		current.Text = strings.TrimSpace(body.String())
		if current.Text != "" {
			sections = append(sections, current)
		}
		body.Reset()
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		title, level, ok := detectHeading(line)
		if !ok {
			if strings.TrimSpace(line) != "" {
				seenBody = true
			}
			body.WriteString(line)
			body.WriteByte('\n')
			continue
		}

		meta.Headings++
		// a leading level-1 heading names the document
		if level == 1 && meta.Title == "" && !seenBody && len(sections) == 0 && current.Title == "" {
			meta.Title = title
			continue
		}
		flush()
		current = Section{Title: title}
	}
	if err := scanner.Err(); err != nil {
		return nil, meta, fmt.Errorf("%w: %v", types.ErrParseFailure, err)
	}
	flush()

	if p.SkipReferences {
		sections = dropReferences(sections)
	}
	if len(sections) == 0 {
		return nil, meta, fmt.Errorf("%w: document has no text", types.ErrParseFailure)
	}
	return sections, meta, nil
}

// detectHeading returns the heading text and its level (1 for markdown "#",
// 2 for everything else).
func detectHeading(line string) (string, int, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > 100 {
		return "", 0, false
	}
	if m := markdownHeading.FindStringSubmatch(trimmed); m != nil {
		return m[2], len(m[1]), true
	}
	if m := numberedHeading.FindStringSubmatch(trimmed); m != nil {
		return trimmed, 2, true
	}
	key := strings.ToLower(strings.TrimRight(trimmed, ":"))
	if _, ok := keywordHeadings[key]; ok {
		return strings.TrimRight(trimmed, ":"), 2, true
	}
	return "", 0, false
}

func dropReferences(sections []Section) []Section {
	out := sections[:0]
	for _, s := range sections {
		switch strings.ToLower(strings.TrimSpace(s.Title)) {
		case "references", "bibliography":
			continue
		}
		out = append(out, s)
	}
	return out
}
