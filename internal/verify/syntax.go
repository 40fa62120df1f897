package verify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

const maxSyntaxErrors = 20

// SyntaxError is an ERROR or MISSING node in the parse tree.
type SyntaxError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// DetectLanguage maps a file extension to a supported grammar, or "".
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".tsx":
		return "tsx"
	default:
		return ""
	}
}

func grammar(lang string) *sitter.Language {
	switch lang {
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	case "tsx":
		return tsx.GetLanguage()
	default:
		return nil
	}
}

// Syntax parses text and returns its syntax errors.
func Syntax(ctx context.Context, lang, text string) ([]SyntaxError, error) {
	g := grammar(lang)
	if g == nil {
		return nil, fmt.Errorf("unsupported language: %s", lang)
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g)

	content := []byte(text)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil, nil
	}
	var errs []SyntaxError
	collect(root, content, &errs, 0)
	return errs, nil
}

func collect(node *sitter.Node, content []byte, errs *[]SyntaxError, depth int) {
	if depth > 1000 || len(*errs) >= maxSyntaxErrors {
		return
	}
	if node.IsError() || node.IsMissing() {
		p := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = "missing " + node.Type()
		} else if end := node.EndByte(); end > node.StartByte() && int(end) <= len(content) && end-node.StartByte() < 60 {
			msg = "unexpected " + strings.TrimSpace(string(content[node.StartByte():end]))
		}
		*errs = append(*errs, SyntaxError{Line: int(p.Row) + 1, Column: int(p.Column), Message: msg})
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collect(node.Child(i), content, errs, depth+1)
	}
}
