// Package prompt renders a task and its accumulated variables into the text
// sent to a capability.
package prompt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/kingrea/chainforge/internal/taskgraph"
)

// Library holds named templates. Task.PromptTemplate selects one; a task
// without a registered template falls back to a generic layout.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{templates: map[string]*template.Template{}}
}

// Data is what templates see: {{.Task.Title}}, {{.Vars.schema_code}}.
type Data struct {
	Task taskgraph.Task
	Vars map[string]any
}

// Register parses body and stores it under name, replacing any previous
// template with that name.
func (l *Library) Register(name, body string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("prompt: template name is required")
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("prompt: parse %s: %w", name, err)
	}
	l.mu.Lock()
	l.templates[name] = tmpl
	l.mu.Unlock()
	return nil
}

// LoadDir registers every *.tmpl file in dir under its base name.
func (l *Library) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return fmt.Errorf("prompt: glob %s: %w", dir, err)
	}
	sort.Strings(paths)
	for _, path := range paths {
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("prompt: read %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if err := l.Register(name, string(body)); err != nil {
			return err
		}
	}
	return nil
}

// Names lists registered templates in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render produces the prompt for task. Rendering is deterministic for equal
// inputs.
func (l *Library) Render(task taskgraph.Task, vars map[string]any) (string, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	var tmpl *template.Template
	if l != nil && task.PromptTemplate != "" {
		l.mu.RLock()
		tmpl = l.templates[task.PromptTemplate]
		l.mu.RUnlock()
	}
	if tmpl == nil {
		return Fallback(task, vars), nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, Data{Task: task, Vars: vars}); err != nil {
		return "", fmt.Errorf("prompt: render %s for task %s: %w", task.PromptTemplate, task.ID, err)
	}
	return buf.String(), nil
}

// Fallback lays out the title, description, and sorted variables.
func Fallback(task taskgraph.Task, vars map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", task.DisplayName())
	if task.Kind != "" {
		fmt.Fprintf(&b, "Kind: %s\n", task.Kind)
	}
	if desc := strings.TrimSpace(task.Description); desc != "" {
		fmt.Fprintf(&b, "\n%s\n", desc)
	}
	if len(vars) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	b.WriteString("\n## Context\n")
	for _, key := range keys {
		value := fmt.Sprint(vars[key])
		if strings.Contains(value, "\n") {
			fmt.Fprintf(&b, "\n### %s\n```\n%s\n```\n", key, strings.TrimRight(value, "\n"))
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", key, value)
	}
	return b.String()
}
