package validation

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// FieldType names the accepted value shapes for Schema.Types.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "list"
	TypeMap    FieldType = "map"
)

// Schema checks that a YAML or JSON document is a mapping with the required
// top-level keys and value types.
type Schema struct {
	Required []string
	Types    map[string]FieldType
}

// Validate implements Validator.
func (s *Schema) Validate(_ context.Context, artifact string) Report {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(artifact), &doc); err != nil {
		return critical(CategorySchema, "schema.parse", "document does not parse: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return critical(CategorySchema, "schema.parse", "document is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return critical(CategorySchema, "schema.parse", "document root must be a mapping")
	}
	fields := map[string]*yaml.Node{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		fields[root.Content[i].Value] = root.Content[i+1]
	}

	var findings []Finding
	for _, key := range s.Required {
		if _, ok := fields[key]; !ok {
			findings = append(findings, Finding{
				Category: CategorySchema,
				Message:  fmt.Sprintf("missing required key %q", key),
				Severity: SeverityError,
				Rule:     "schema.required",
			})
		}
	}
	keys := make([]string, 0, len(s.Types))
	for key := range s.Types {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		node, ok := fields[key]
		if !ok {
			continue
		}
		want := s.Types[key]
		if got := shapeOf(node); got != want {
			findings = append(findings, Finding{
				Category: CategorySchema,
				Message:  fmt.Sprintf("key %q should be %s, found %s", key, want, got),
				Line:     node.Line,
				Column:   node.Column,
				Severity: SeverityError,
				Rule:     "schema.type",
			})
		}
	}
	return Report{Findings: findings}
}

func shapeOf(node *yaml.Node) FieldType {
	switch node.Kind {
	case yaml.SequenceNode:
		return TypeList
	case yaml.MappingNode:
		return TypeMap
	case yaml.AliasNode:
		if node.Alias != nil {
			return shapeOf(node.Alias)
		}
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!int", "!!float":
			return TypeNumber
		case "!!bool":
			return TypeBool
		}
	}
	return TypeString
}
