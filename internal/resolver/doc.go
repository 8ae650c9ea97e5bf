// Package resolver contains the dependency resolver core for task graphs. It
// builds the dependency graph, rejects cycles, and computes the batched
// execution plan and critical path the chain orchestrator drives.
package resolver
