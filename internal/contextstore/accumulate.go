package contextstore

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/chainforge/internal/capability"
	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/taskgraph"
)

// Accumulate builds the variable bindings for task from its completed
// dependency results. For each dependency in declared order it binds
// <id>_output, <id>_code (when an artifact exists) and every key found in
// fenced json/yaml blocks of the output. Later dependencies overwrite
// earlier ones; the task's own variables always win. Dependencies without a
// successful result contribute nothing. The function is pure.
func Accumulate(task taskgraph.Task, deps map[string]chain.Result) map[string]any {
	vars := map[string]any{}
	for _, id := range task.Dependencies {
		res, ok := deps[id]
		if !ok || !res.Succeeded() {
			continue
		}
		vars[id+"_output"] = res.Output
		if res.Artifact != "" {
			vars[id+"_code"] = res.Artifact
		}
		for key, value := range structuredData(res.Output) {
			vars[key] = value
		}
	}
	for key, value := range task.Variables {
		vars[key] = value
	}
	return vars
}

// structuredData merges the top-level keys of every parseable json/yaml
// fence in text. Blocks that fail to parse are skipped.
func structuredData(text string) map[string]any {
	out := map[string]any{}
	for _, fence := range capability.Fences(text) {
		if !fence.IsDataFence() {
			continue
		}
		var parsed map[string]any
		var err error
		if fence.Lang == "json" {
			err = json.Unmarshal([]byte(fence.Body), &parsed)
		} else {
			err = yaml.Unmarshal([]byte(fence.Body), &parsed)
		}
		if err != nil {
			continue
		}
		for key, value := range parsed {
			out[key] = value
		}
	}
	return out
}
