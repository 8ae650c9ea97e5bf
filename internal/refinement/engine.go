package refinement

import (
	"fmt"
	"strings"

	"github.com/kingrea/chainforge/internal/validation"
)

var defaultGuidance = map[validation.Category]string{
	validation.CategorySyntax:     "Make sure the artifact parses: balance every bracket, brace, and quote and finish every statement.",
	validation.CategoryType:       "Use precise types. Replace any with concrete interfaces or unions and annotate function parameters and return values.",
	validation.CategoryImport:     "Import every module the artifact uses, with correct paths, and remove unused imports.",
	validation.CategorySchema:     "Match the required document schema exactly: include every required key with the expected value type.",
	validation.CategoryConvention: "Follow the project's naming and style conventions.",
	validation.CategoryStructure:  "Export the declarations the task asks for, with the exact names requested.",
}

// Engine builds refined prompts.
type Engine struct {
	guidance map[validation.Category]string
}

// NewEngine returns an engine with built-in guidance. Entries in overrides
// replace the text for their category.
func NewEngine(overrides map[validation.Category]string) *Engine {
	guidance := make(map[validation.Category]string, len(defaultGuidance)+len(overrides))
	for category, text := range defaultGuidance {
		guidance[category] = text
	}
	for category, text := range overrides {
		guidance[category] = text
	}
	return &Engine{guidance: guidance}
}

// Refine returns base plus a summary of prior attempts, the current
// findings grouped by category with a running index, and guidance for each
// category present.
func (e *Engine) Refine(base string, history History, current validation.Report) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "\n"))
	b.WriteString("\n\n## Previous attempts\n")
	for _, attempt := range history.Attempts {
		fmt.Fprintf(&b, "- Attempt %d: %d finding(s)\n", attempt.Index, len(attempt.Report.Findings))
	}

	order, groups := current.Grouped()
	b.WriteString("\n## Issues to fix\n")
	index := 1
	for _, category := range order {
		fmt.Fprintf(&b, "### %s\n", category)
		for _, finding := range groups[category] {
			if loc := finding.Location(); loc != "" {
				fmt.Fprintf(&b, "%d. %s (%s)\n", index, finding.Message, loc)
			} else {
				fmt.Fprintf(&b, "%d. %s\n", index, finding.Message)
			}
			index++
		}
	}

	var guidance []string
	for _, category := range order {
		if text, ok := e.guidance[category]; ok {
			guidance = append(guidance, fmt.Sprintf("- %s: %s", category, text))
		}
	}
	if len(guidance) > 0 {
		b.WriteString("\n## Guidance\n")
		b.WriteString(strings.Join(guidance, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\nReturn the complete corrected artifact in a single fenced code block.\n")
	return b.String()
}
