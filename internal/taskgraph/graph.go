package taskgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Status tracks a task's lifecycle inside a chain run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var structValidate = validator.New(validator.WithRequiredStructEnabled())

// Task is one unit of generation work with declared dependencies.
type Task struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Kind is an open tag ("component", "schema", "api"...) that also selects
	// the validator applied to the task's artifact.
	Kind   string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Status Status `json:"status,omitempty" yaml:"status,omitempty" validate:"omitempty,oneof=pending in-progress completed failed"`
	// Dependencies are kept in declared order; context accumulation relies on it.
	Dependencies []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Parent       string   `json:"parent,omitempty" yaml:"parent,omitempty"`
	Children     []string `json:"children,omitempty" yaml:"children,omitempty"`

	PromptTemplate string         `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
	Variables      map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	// Capability optionally pins the generation capability for this task.
	Capability string         `json:"capability,omitempty" yaml:"capability,omitempty"`
	Result     string         `json:"result,omitempty" yaml:"result,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	clone := t
	clone.Dependencies = cloneStringSlice(t.Dependencies)
	clone.Children = cloneStringSlice(t.Children)
	clone.Variables = cloneAnyMap(t.Variables)
	clone.Metadata = cloneAnyMap(t.Metadata)
	return clone
}

// IsAtomic reports whether the task has no children in the task tree.
func (t Task) IsAtomic() bool {
	return len(t.Children) == 0
}

// DisplayName returns the title when present, otherwise the id.
func (t Task) DisplayName() string {
	if strings.TrimSpace(t.Title) != "" {
		return t.Title
	}
	return t.ID
}

// Validate ensures the task is usable on its own.
func (t Task) Validate() error {
	if err := structValidate.Struct(t); err != nil {
		return fmt.Errorf("taskgraph: task %q: %w", t.ID, err)
	}
	seen := make(map[string]struct{}, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("taskgraph: task %s depends on itself", t.ID)
		}
		if _, ok := seen[dep]; ok {
			return fmt.Errorf("taskgraph: task %s has duplicate dependency on %s", t.ID, dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// Graph is a named collection of tasks with one designated root. Tasks are
// kept in declaration order; Task looks them up by id.
type Graph struct {
	ID          string            `json:"id" yaml:"id" validate:"required"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Root        string            `json:"root,omitempty" yaml:"root,omitempty"`
	Tasks       []Task            `json:"tasks" yaml:"tasks"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	index map[string]int
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	clone := Graph{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Root:        g.Root,
		Metadata:    cloneStringMap(g.Metadata),
	}
	if len(g.Tasks) > 0 {
		clone.Tasks = make([]Task, len(g.Tasks))
		for i, task := range g.Tasks {
			clone.Tasks[i] = task.Clone()
		}
	}
	clone.reindex()
	return clone
}

// Validate ensures the graph is self-consistent: unique ids, every referenced
// dependency exists, and the tree links point at declared tasks. Cycles are
// left to the resolver.
func (g Graph) Validate() error {
	if err := structValidate.Struct(g); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			return fmt.Errorf("taskgraph: graph id is required")
		}
		return fmt.Errorf("taskgraph: %w", err)
	}
	if len(g.Tasks) == 0 {
		return fmt.Errorf("taskgraph %s: at least one task is required", g.ID)
	}
	seen := make(map[string]struct{}, len(g.Tasks))
	for idx, task := range g.Tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("taskgraph %s task[%d]: %w", g.ID, idx, err)
		}
		if _, exists := seen[task.ID]; exists {
			return fmt.Errorf("taskgraph %s: duplicate task id %s", g.ID, task.ID)
		}
		seen[task.ID] = struct{}{}
	}
	for _, task := range g.Tasks {
		for _, dep := range task.Dependencies {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("taskgraph %s: dependency %s -> %s references unknown task", g.ID, task.ID, dep)
			}
		}
		for _, child := range task.Children {
			if _, ok := seen[child]; !ok {
				return fmt.Errorf("taskgraph %s: task %s lists unknown child %s", g.ID, task.ID, child)
			}
		}
		if task.Parent != "" {
			if _, ok := seen[task.Parent]; !ok {
				return fmt.Errorf("taskgraph %s: task %s has unknown parent %s", g.ID, task.ID, task.Parent)
			}
		}
	}
	if g.Root != "" {
		if _, ok := seen[g.Root]; !ok {
			return fmt.Errorf("taskgraph %s: root %s is not a declared task", g.ID, g.Root)
		}
	}
	return nil
}

// Normalized clones the graph, fills defaults (root, pending status, parent
// links implied by children) and validates the result.
func (g Graph) Normalized() (Graph, error) {
	clone := g.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	for i := range clone.Tasks {
		clone.Tasks[i].ID = strings.TrimSpace(clone.Tasks[i].ID)
		if clone.Tasks[i].Status == "" {
			clone.Tasks[i].Status = StatusPending
		}
	}
	clone.reindex()
	for _, task := range clone.Tasks {
		for _, child := range task.Children {
			if idx, ok := clone.index[child]; ok && clone.Tasks[idx].Parent == "" {
				clone.Tasks[idx].Parent = task.ID
			}
		}
	}
	if clone.Root == "" && len(clone.Tasks) > 0 {
		clone.Root = clone.Tasks[0].ID
	}
	if clone.Name == "" {
		clone.Name = clone.ID
	}
	if err := clone.Validate(); err != nil {
		return Graph{}, err
	}
	return clone, nil
}

// Task looks up a task by id.
func (g *Graph) Task(id string) (Task, bool) {
	if g.index == nil {
		g.reindex()
	}
	idx, ok := g.index[id]
	if !ok {
		return Task{}, false
	}
	return g.Tasks[idx], true
}

// IDs returns task identifiers in declaration order.
func (g Graph) IDs() []string {
	ids := make([]string, 0, len(g.Tasks))
	for _, task := range g.Tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

// AtomicIDs returns the ids of childless tasks in declaration order.
func (g Graph) AtomicIDs() []string {
	ids := make([]string, 0, len(g.Tasks))
	for _, task := range g.Tasks {
		if task.IsAtomic() {
			ids = append(ids, task.ID)
		}
	}
	return ids
}

// Dependencies returns the declared dependency list for a task.
func (g *Graph) Dependencies(id string) []string {
	task, ok := g.Task(id)
	if !ok {
		return nil
	}
	return cloneStringSlice(task.Dependencies)
}

func (g *Graph) reindex() {
	g.index = make(map[string]int, len(g.Tasks))
	for i, task := range g.Tasks {
		g.index[task.ID] = i
	}
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]any, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}

// SetStatus updates the status of a task in place.
func (g *Graph) SetStatus(id string, status Status) bool {
	if g.index == nil {
		g.reindex()
	}
	idx, ok := g.index[id]
	if !ok {
		return false
	}
	g.Tasks[idx].Status = status
	return true
}
