package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntaxAcceptsValidGo(t *testing.T) {
	report := MustSyntax("go").Validate(context.Background(), "package main\n\nfunc main() {\n\tprintln(1)\n}\n")
	assert.Empty(t, report.Findings)
}

func TestSyntaxReportsLineNumbers(t *testing.T) {
	src := "package main\n\nfunc main() {\n\tx := (1 +\n}\n"
	reg := DefaultRegistry()
	report := reg.Validate(context.Background(), src, "go")
	require.False(t, report.Passed)
	require.NotEmpty(t, report.Findings)
	for _, f := range report.Findings {
		assert.Equal(t, CategorySyntax, f.Category)
		assert.GreaterOrEqual(t, f.Line, 3)
		assert.NotEmpty(t, f.Location())
	}
}

func TestSyntaxRejectsBrokenPython(t *testing.T) {
	report := DefaultRegistry().Validate(context.Background(), "def broken(:\n    return\n", "python")
	assert.False(t, report.Passed)
	assert.Equal(t, CategorySyntax, report.DominantCategory())
}

func TestEmptyArtifactIsSingleCriticalFinding(t *testing.T) {
	report := DefaultRegistry().Validate(context.Background(), "   ", "component")
	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityCritical, report.Findings[0].Severity)
	assert.False(t, report.Passed)
}

func TestTypeScriptExplicitAnyIsTypeFinding(t *testing.T) {
	src := "export function handler(req: Request) {\n  const body: any = req.body;\n  return body;\n}\n"
	report := DefaultRegistry().Validate(context.Background(), src, "typescript")
	require.False(t, report.Passed)
	require.Len(t, report.Findings, 1)
	finding := report.Findings[0]
	assert.Equal(t, CategoryType, finding.Category)
	assert.Equal(t, 2, finding.Line)
	assert.Equal(t, "type.no-explicit-any", finding.Rule)
}

func TestUnknownKindPassesWithWarning(t *testing.T) {
	report := DefaultRegistry().Validate(context.Background(), "anything", "poetry")
	assert.True(t, report.Passed)
	assert.Empty(t, report.Findings)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "poetry")
}

func TestSchemaReportsMissingKeysAndTypes(t *testing.T) {
	schema := &Schema{
		Required: []string{"name", "version", "routes"},
		Types:    map[string]FieldType{"version": TypeNumber, "routes": TypeList},
	}
	report := schema.Validate(context.Background(), "name: api\nversion: one\n")
	require.Len(t, report.Findings, 2)
	assert.Equal(t, "schema.required", report.Findings[0].Rule)
	assert.Contains(t, report.Findings[0].Message, "routes")
	assert.Equal(t, "schema.type", report.Findings[1].Rule)
	assert.Equal(t, 2, report.Findings[1].Line)
}

func TestSchemaAcceptsJSON(t *testing.T) {
	schema := &Schema{Required: []string{"id"}, Types: map[string]FieldType{"tags": TypeList, "on": TypeBool}}
	report := schema.Validate(context.Background(), `{"id": "x", "tags": ["a"], "on": true}`)
	assert.Empty(t, report.Findings)
}

func TestSchemaUnparseableIsSingleCriticalFinding(t *testing.T) {
	report := (&Schema{Required: []string{"a", "b"}}).Validate(context.Background(), "key: [unclosed\n")
	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityCritical, report.Findings[0].Severity)
	assert.Equal(t, CategorySchema, report.Findings[0].Category)
}

func TestConventionRequireRules(t *testing.T) {
	conv := NewConvention(RequireImport("react"), RequireExport("Button"))
	good := "import React from 'react';\nexport const Button = () => null;\n"
	assert.Empty(t, conv.Validate(context.Background(), good).Findings)

	report := conv.Validate(context.Background(), "const Button = () => null;\n")
	require.Len(t, report.Findings, 2)
	assert.Equal(t, CategoryImport, report.Findings[0].Category)
	assert.Equal(t, CategoryStructure, report.Findings[1].Category)
}

func TestWarningSeverityDoesNotFail(t *testing.T) {
	reg := NewRegistry()
	rule := Forbid("convention.todo", CategoryConvention, `TODO`, "leftover TODO")
	rule.Severity = SeverityWarning
	require.NoError(t, reg.Register("notes", NewConvention(rule)))
	report := reg.Validate(context.Background(), "TODO: later", "notes")
	assert.True(t, report.Passed)
	assert.Len(t, report.Findings, 1)
}

func TestDominantCategoryTieGoesToFirstSeen(t *testing.T) {
	report := Report{Findings: []Finding{
		{Category: CategoryImport},
		{Category: CategoryType},
		{Category: CategoryType},
		{Category: CategoryImport},
	}}
	assert.Equal(t, CategoryImport, report.DominantCategory())
	order, groups := report.Grouped()
	assert.Equal(t, []Category{CategoryImport, CategoryType}, order)
	assert.Len(t, groups[CategoryType], 2)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("", &Schema{}))
	assert.Error(t, reg.Register("x"))
	assert.Error(t, reg.Register("x", nil))
	_, err := NewSyntax("cobol")
	assert.Error(t, err)
	assert.Contains(t, DefaultRegistry().Kinds(), "component")
}
