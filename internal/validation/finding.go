// Package validation checks generated artifacts against per-kind rule sets
// and reports typed findings.
package validation

import "fmt"

// Category classifies a finding.
type Category string

const (
	CategorySyntax     Category = "syntax"
	CategoryType       Category = "type"
	CategoryImport     Category = "import"
	CategorySchema     Category = "schema"
	CategoryConvention Category = "convention"
	CategoryStructure  Category = "structure"
)

// Severity grades a finding. Only warnings leave a report passing.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// Blocking reports whether a finding with this severity fails validation.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityError
}

// Finding is one problem found in an artifact.
type Finding struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule,omitempty"`
}

// Location formats the position, or "" when unknown.
func (f Finding) Location() string {
	if f.Line <= 0 {
		return ""
	}
	return fmt.Sprintf("line %d:%d", f.Line, f.Column)
}

func (f Finding) String() string {
	if loc := f.Location(); loc != "" {
		return fmt.Sprintf("[%s] %s (%s)", f.Category, f.Message, loc)
	}
	return fmt.Sprintf("[%s] %s", f.Category, f.Message)
}

// Report is the outcome of validating one artifact.
type Report struct {
	Kind     string    `json:"kind"`
	Passed   bool      `json:"passed"`
	Findings []Finding `json:"findings,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Critical reports whether any finding is critical.
func (r Report) Critical() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Grouped returns findings bucketed by category, with categories in order of
// first appearance.
func (r Report) Grouped() ([]Category, map[Category][]Finding) {
	var order []Category
	groups := map[Category][]Finding{}
	for _, f := range r.Findings {
		if _, seen := groups[f.Category]; !seen {
			order = append(order, f.Category)
		}
		groups[f.Category] = append(groups[f.Category], f)
	}
	return order, groups
}

// DominantCategory returns the most frequent category. Ties go to the
// category seen first. A report without findings yields "".
func (r Report) DominantCategory() Category {
	order, groups := r.Grouped()
	var best Category
	bestCount := 0
	for _, category := range order {
		if n := len(groups[category]); n > bestCount {
			best, bestCount = category, n
		}
	}
	return best
}

func (r *Report) settle() {
	r.Passed = true
	for _, f := range r.Findings {
		if f.Severity.Blocking() {
			r.Passed = false
			return
		}
	}
}

// critical builds a report holding exactly one critical finding, used when
// an artifact cannot be analyzed at all.
func critical(category Category, rule, format string, args ...any) Report {
	return Report{
		Findings: []Finding{{
			Category: category,
			Message:  fmt.Sprintf(format, args...),
			Severity: SeverityCritical,
			Rule:     rule,
		}},
	}
}
