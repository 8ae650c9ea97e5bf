// Package orchestrator drives chains of tasks to completion. It owns the
// per-chain state machine (pending, running, completed, failed), dispatches
// runnable tasks through the execution queue, runs each task's
// validate/refine loop, and hands exhausted tasks to the escalation manager.
//
// All chain state lives in an Orchestrator instance. Progress and state
// changes are published as eventbridge events keyed by chain id.
package orchestrator
