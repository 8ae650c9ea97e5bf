package taskgraph

import (
	"strings"
	"testing"
)

func TestParseRejectsMissingTasks(t *testing.T) {
	const payload = `
id: empty
tasks: []
`
	_, err := Parse([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when tasks are missing")
	}
	if !strings.Contains(err.Error(), "at least one task is required") {
		t.Fatalf("unexpected error for missing tasks: %v", err)
	}
}

func TestParseRejectsUnknownDependency(t *testing.T) {
	const payload = `
id: bad-dep
tasks:
  - id: start
    depends_on: [missing]
`
	_, err := Parse([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when dependency references unknown task")
	}
	if !strings.Contains(err.Error(), "references unknown task") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	const payload = `
id: dupes
tasks:
  - id: a
  - id: a
`
	if _, err := Parse([]byte(payload)); err == nil || !strings.Contains(err.Error(), "duplicate task id") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestParseRejectsSelfDependency(t *testing.T) {
	const payload = `
id: self
tasks:
  - id: a
    depends_on: [a]
`
	if _, err := Parse([]byte(payload)); err == nil || !strings.Contains(err.Error(), "depends on itself") {
		t.Fatalf("expected self dependency error, got %v", err)
	}
}

func TestParseRejectsMissingGraphID(t *testing.T) {
	const payload = `
tasks:
  - id: a
`
	if _, err := Parse([]byte(payload)); err == nil || !strings.Contains(err.Error(), "graph id is required") {
		t.Fatalf("expected graph id error, got %v", err)
	}
}

func TestNormalizedFillsDefaults(t *testing.T) {
	const payload = `
id: tree
tasks:
  - id: feature
    kind: feature
    children: [ui, api]
  - id: ui
    kind: component
    depends_on: [api]
    variables:
      framework: react
  - id: api
    kind: api
`
	graph, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if graph.Root != "feature" {
		t.Fatalf("expected root to default to first task, got %q", graph.Root)
	}
	if graph.Name != "tree" {
		t.Fatalf("expected name to default to id, got %q", graph.Name)
	}
	ui, ok := graph.Task("ui")
	if !ok {
		t.Fatalf("missing ui task")
	}
	if ui.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", ui.Status)
	}
	if ui.Parent != "feature" {
		t.Fatalf("expected parent link from children, got %q", ui.Parent)
	}
	atomic := graph.AtomicIDs()
	if len(atomic) != 2 || atomic[0] != "ui" || atomic[1] != "api" {
		t.Fatalf("unexpected atomic ids: %v", atomic)
	}
}

func TestCloneIsDeep(t *testing.T) {
	graph := Graph{
		ID: "g",
		Tasks: []Task{
			{ID: "a", Variables: map[string]any{"k": "v"}, Dependencies: []string{}},
			{ID: "b", Dependencies: []string{"a"}},
		},
	}
	clone := graph.Clone()
	clone.Tasks[0].Variables["k"] = "changed"
	clone.Tasks[1].Dependencies[0] = "z"
	if graph.Tasks[0].Variables["k"] != "v" {
		t.Fatalf("variables shared between clones")
	}
	if graph.Tasks[1].Dependencies[0] != "a" {
		t.Fatalf("dependencies shared between clones")
	}
}
