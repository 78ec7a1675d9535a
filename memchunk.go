package reploid

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// defaultChunkChars bounds one semantic-store entry. Entries larger than
// this are split at markdown heading boundaries so indexed chunks align
// with document structure instead of arbitrary offsets.
const defaultChunkChars = 2000

// ChunkMarkdown splits content for semantic indexing. Content within the
// size bound passes through whole. Larger content is parsed as markdown
// and split at heading boundaries; heading markers stay with their
// section. Oversized sections fall back to paragraph splits.
func ChunkMarkdown(content string, maxChars int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= maxChars {
		return []string{content}
	}

	sections := splitAtHeadings(content)
	var chunks []string
	var pending string
	for _, sec := range sections {
		switch {
		case len(sec) > maxChars:
			if pending != "" {
				chunks = append(chunks, pending)
				pending = ""
			}
			chunks = append(chunks, splitParagraphs(sec, maxChars)...)
		case len(pending)+len(sec)+1 > maxChars:
			chunks = append(chunks, pending)
			pending = sec
		case pending == "":
			pending = sec
		default:
			// Merge small neighboring sections up to the bound.
			pending = pending + "\n" + sec
		}
	}
	if pending != "" {
		chunks = append(chunks, pending)
	}
	return chunks
}

// splitAtHeadings parses content as markdown and returns one section per
// top-of-section heading, using the goldmark AST for boundaries so
// heading-like text inside code fences does not split.
func splitAtHeadings(content string) []string {
	source := []byte(content)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var offsets []int
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			if lines := h.Lines(); lines.Len() > 0 {
				start := lines.At(0).Start
				// Back up over the "#" markers to the line start.
				for start > 0 && source[start-1] != '\n' {
					start--
				}
				offsets = append(offsets, start)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if len(offsets) == 0 {
		return []string{content}
	}

	var sections []string
	if offsets[0] > 0 {
		if pre := strings.TrimSpace(content[:offsets[0]]); pre != "" {
			sections = append(sections, pre)
		}
	}
	for i, start := range offsets {
		end := len(content)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if sec := strings.TrimSpace(content[start:end]); sec != "" {
			sections = append(sections, sec)
		}
	}
	return sections
}

// splitParagraphs splits oversized text at blank lines, hard-cutting any
// paragraph that alone exceeds the bound.
func splitParagraphs(s string, maxChars int) []string {
	var chunks []string
	var pending string
	for _, para := range strings.Split(s, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > maxChars {
			chunks = append(chunks, para[:maxChars])
			para = para[maxChars:]
		}
		if pending == "" {
			pending = para
		} else if len(pending)+len(para)+2 <= maxChars {
			pending = pending + "\n\n" + para
		} else {
			chunks = append(chunks, pending)
			pending = para
		}
	}
	if pending != "" {
		chunks = append(chunks, pending)
	}
	return chunks
}
