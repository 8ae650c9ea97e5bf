package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("chainforge/validation")

// Validator checks one artifact. Implementations must not panic on bad
// input; an artifact that cannot be analyzed yields one critical finding.
type Validator interface {
	Validate(ctx context.Context, artifact string) Report
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, artifact string) Report

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, artifact string) Report {
	return f(ctx, artifact)
}

// Registry maps artifact kinds to validator pipelines.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string][]Validator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: map[string][]Validator{}}
}

// Register appends validators to the pipeline for kind.
func (r *Registry) Register(kind string, validators ...Validator) error {
	kind = normalizeKind(kind)
	if kind == "" {
		return fmt.Errorf("validation: kind is required")
	}
	if len(validators) == 0 {
		return fmt.Errorf("validation: at least one validator is required for %s", kind)
	}
	for _, v := range validators {
		if v == nil {
			return fmt.Errorf("validation: nil validator for %s", kind)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = append(r.kinds[kind], validators...)
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind string, validators ...Validator) {
	if err := r.Register(kind, validators...); err != nil {
		panic(err)
	}
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate runs every validator registered for kind and merges their
// findings. A critical finding stops the pipeline. An unknown kind passes
// with a warning.
func (r *Registry) Validate(ctx context.Context, artifact, kind string) Report {
	kind = normalizeKind(kind)
	ctx, span := tracer.Start(ctx, "validation.Validate")
	defer span.End()
	span.SetAttributes(attribute.String("kind", kind))

	r.mu.RLock()
	pipeline := append([]Validator(nil), r.kinds[kind]...)
	r.mu.RUnlock()

	report := Report{Kind: kind}
	if len(pipeline) == 0 {
		report.Passed = true
		report.Warnings = []string{fmt.Sprintf("no validator registered for kind %q", kind)}
		return report
	}
	for _, v := range pipeline {
		partial := v.Validate(ctx, artifact)
		report.Findings = append(report.Findings, partial.Findings...)
		report.Warnings = append(report.Warnings, partial.Warnings...)
		if partial.Critical() {
			break
		}
	}
	report.settle()
	span.SetAttributes(
		attribute.Bool("passed", report.Passed),
		attribute.Int("findings", len(report.Findings)),
	)
	return report
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// DefaultRegistry wires tree-sitter syntax checks and the built-in rules
// for the common artifact kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	noAny := NewConvention(NoExplicitAny())
	for _, kind := range []string{"go", "golang"} {
		r.MustRegister(kind, MustSyntax("go"))
	}
	for _, kind := range []string{"javascript", "js"} {
		r.MustRegister(kind, MustSyntax("javascript"))
	}
	for _, kind := range []string{"typescript", "ts", "route", "api"} {
		r.MustRegister(kind, MustSyntax("typescript"), noAny)
	}
	for _, kind := range []string{"tsx", "component"} {
		r.MustRegister(kind, MustSyntax("tsx"), noAny)
	}
	for _, kind := range []string{"python", "py"} {
		r.MustRegister(kind, MustSyntax("python"))
	}
	for _, kind := range []string{"sql", "schema"} {
		r.MustRegister(kind, MustSyntax("sql"))
	}
	for _, kind := range []string{"dockerfile", "deployment"} {
		r.MustRegister(kind, MustSyntax("dockerfile"))
	}
	for _, kind := range []string{"bash", "shell"} {
		r.MustRegister(kind, MustSyntax("bash"))
	}
	for _, kind := range []string{"yaml", "json", "config"} {
		r.MustRegister(kind, &Schema{})
	}
	return r
}
