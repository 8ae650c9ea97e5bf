package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Rule is one pattern check. A forbidding rule reports every match; a
// requiring rule reports when the pattern never matches.
type Rule struct {
	ID       string
	Category Category
	Severity Severity
	Pattern  *regexp.Regexp
	Require  bool
	Message  string
}

// Convention runs a list of pattern rules.
type Convention struct {
	Rules []Rule
}

// NewConvention builds a Convention from rules.
func NewConvention(rules ...Rule) *Convention {
	return &Convention{Rules: rules}
}

// Validate implements Validator.
func (c *Convention) Validate(_ context.Context, artifact string) Report {
	var findings []Finding
	for _, rule := range c.Rules {
		if rule.Pattern == nil {
			continue
		}
		severity := rule.Severity
		if severity == "" {
			severity = SeverityError
		}
		if rule.Require {
			if !rule.Pattern.MatchString(artifact) {
				findings = append(findings, Finding{Category: rule.Category, Message: rule.Message, Severity: severity, Rule: rule.ID})
			}
			continue
		}
		for _, loc := range rule.Pattern.FindAllStringIndex(artifact, -1) {
			line, col := position(artifact, loc[0])
			findings = append(findings, Finding{
				Category: rule.Category,
				Message:  rule.Message,
				Line:     line,
				Column:   col,
				Severity: severity,
				Rule:     rule.ID,
			})
		}
	}
	return Report{Findings: findings}
}

func position(text string, offset int) (int, int) {
	before := text[:offset]
	line := strings.Count(before, "\n") + 1
	col := offset - strings.LastIndexByte(before, '\n')
	return line, col
}

// Forbid reports every match of pattern.
func Forbid(id string, category Category, pattern, message string) Rule {
	return Rule{ID: id, Category: category, Pattern: regexp.MustCompile(pattern), Message: message}
}

// Require reports when pattern is absent.
func Require(id string, category Category, pattern, message string) Rule {
	return Rule{ID: id, Category: category, Pattern: regexp.MustCompile(pattern), Require: true, Message: message}
}

// NoExplicitAny flags TypeScript annotations using any.
func NoExplicitAny() Rule {
	return Forbid("type.no-explicit-any", CategoryType, `:\s*any\b`, "explicit any annotation")
}

// RequireImport demands an import of module.
func RequireImport(module string) Rule {
	quoted := regexp.QuoteMeta(module)
	pattern := fmt.Sprintf(`(?m)(^\s*import\s[^;]*?['"]%s['"]|require\(\s*['"]%s['"]\s*\)|^\s*import\s+['"]?%s['"]?)`, quoted, quoted, quoted)
	return Require("import.required", CategoryImport, pattern, fmt.Sprintf("missing import of %s", module))
}

// RequireExport demands a named (or default) export.
func RequireExport(name string) Rule {
	pattern := fmt.Sprintf(`(?m)^\s*export\s+(default\s+)?(async\s+)?(const|let|var|function|class|interface|type|enum)?\s*%s\b`, regexp.QuoteMeta(name))
	return Require("structure.export", CategoryStructure, pattern, fmt.Sprintf("missing export %s", name))
}
