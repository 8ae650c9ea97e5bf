// Package taskgraph defines tasks and the task graphs that own them. A graph
// is authored once, validated here, and handed to the resolver for planning;
// only the chain orchestrator mutates task status afterwards.
package taskgraph
