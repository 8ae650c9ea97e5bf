package taskgraph

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a task graph from YAML or JSON bytes and normalizes it.
func Parse(data []byte) (Graph, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Graph{}, fmt.Errorf("taskgraph: graph payload is empty")
	}
	var graph Graph
	if err := yaml.Unmarshal(data, &graph); err != nil {
		return Graph{}, fmt.Errorf("taskgraph: decode graph: %w", err)
	}
	return graph.Normalized()
}

// LoadReader reads task graph data from an io.Reader.
func LoadReader(r io.Reader) (Graph, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Graph{}, fmt.Errorf("taskgraph: read graph: %w", err)
	}
	return Parse(content)
}

// LoadFile loads a task graph from an explicit file path.
func LoadFile(path string) (Graph, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Graph{}, fmt.Errorf("taskgraph: read %s: %w", path, err)
	}
	graph, parseErr := Parse(content)
	if parseErr != nil {
		return Graph{}, fmt.Errorf("taskgraph: %s: %w", path, parseErr)
	}
	return graph, nil
}
