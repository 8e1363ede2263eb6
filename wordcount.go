package ensemble

import (
	"encoding/json"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// CountMarkdownWords counts prose words in a markdown document by walking
// the parsed AST and splitting text nodes on whitespace. Markup (headings
// markers, emphasis, link targets) does not count.
func CountMarkdownWords(src []byte) int {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	words := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			words += len(strings.Fields(string(t.Segment.Value(src))))
		}
		return ast.WalkContinue, nil
	})
	return words
}

// manuscriptWordCount sums the word counts of every manuscript section.
// The manuscript artifact is a JSON object mapping section name to markdown.
func manuscriptWordCount(raw json.RawMessage) int {
	var sections map[string]string
	if err := json.Unmarshal(raw, &sections); err != nil {
		return CountMarkdownWords(raw)
	}
	total := 0
	for _, body := range sections {
		total += CountMarkdownWords([]byte(body))
	}
	return total
}
