package validation

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/dockerfile"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/sql"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// maxSyntaxFindings bounds the report on heavily malformed input.
const maxSyntaxFindings = 25

// Syntax reports tree-sitter ERROR and MISSING nodes as syntax findings.
type Syntax struct {
	language string
	grammar  *sitter.Language
}

// NewSyntax returns a syntax validator for language (go, javascript,
// typescript, tsx, python, sql, dockerfile, bash).
func NewSyntax(language string) (*Syntax, error) {
	grammar := grammarFor(language)
	if grammar == nil {
		return nil, fmt.Errorf("validation: unsupported language %q", language)
	}
	return &Syntax{language: strings.ToLower(language), grammar: grammar}, nil
}

// MustSyntax panics if the language is unsupported.
func MustSyntax(language string) *Syntax {
	v, err := NewSyntax(language)
	if err != nil {
		panic(err)
	}
	return v
}

func grammarFor(language string) *sitter.Language {
	switch strings.ToLower(language) {
	case "go", "golang":
		return golang.GetLanguage()
	case "javascript", "js", "jsx":
		return javascript.GetLanguage()
	case "typescript", "ts":
		return typescript.GetLanguage()
	case "tsx":
		return tsx.GetLanguage()
	case "python", "py":
		return python.GetLanguage()
	case "sql":
		return sql.GetLanguage()
	case "dockerfile":
		return dockerfile.GetLanguage()
	case "bash", "sh", "shell":
		return bash.GetLanguage()
	}
	return nil
}

// Validate implements Validator.
func (s *Syntax) Validate(ctx context.Context, artifact string) Report {
	if strings.TrimSpace(artifact) == "" {
		return critical(CategorySyntax, "syntax.empty", "artifact is empty")
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(s.grammar)
	content := []byte(artifact)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return critical(CategorySyntax, "syntax.parse", "%s parser failed: %v", s.language, err)
	}
	defer tree.Close()

	var findings []Finding
	collectSyntax(tree.RootNode(), content, &findings, 0)
	return Report{Findings: findings}
}

func collectSyntax(node *sitter.Node, content []byte, out *[]Finding, depth int) {
	if node == nil || depth > 1000 || len(*out) >= maxSyntaxFindings {
		return
	}
	if node.IsError() || node.IsMissing() {
		point := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		} else if snippet := excerpt(node, content); snippet != "" {
			msg = fmt.Sprintf("unexpected %q", snippet)
		}
		*out = append(*out, Finding{
			Category: CategorySyntax,
			Message:  msg,
			Line:     int(point.Row) + 1,
			Column:   int(point.Column) + 1,
			Severity: SeverityError,
			Rule:     "syntax.tree-sitter",
		})
		// Children of an ERROR node repeat the same problem.
		if node.IsError() {
			return
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectSyntax(node.Child(i), content, out, depth+1)
	}
}

func excerpt(node *sitter.Node, content []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(content)) {
		end = uint32(len(content))
	}
	if end <= start {
		return ""
	}
	text := strings.TrimSpace(string(content[start:end]))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 40 {
		text = text[:40] + "..."
	}
	return text
}
