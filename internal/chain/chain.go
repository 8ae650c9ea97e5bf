// Package chain holds the data model for one execution of a task graph: the
// chain itself, per-task results, and the snapshot published to subscribers.
package chain

import (
	"fmt"
	"time"

	"github.com/kingrea/chainforge/internal/taskgraph"
)

// Status enumerates coarse chain phases.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the chain can no longer change state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResultStatus is the outcome of one task execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// FailureCategory identifies which part of the engine caused a failure.
type FailureCategory string

const (
	CategoryPlanning   FailureCategory = "planning"
	CategoryTransport  FailureCategory = "transport"
	CategoryGeneration FailureCategory = "generation"
	CategoryValidation FailureCategory = "validation"
	CategoryEscalation FailureCategory = "escalation-timeout"
	CategoryStore      FailureCategory = "store"
	CategoryCancelled  FailureCategory = "cancelled"
)

// Failure is the terminal error attached to a failed chain.
type Failure struct {
	TaskID   string          `json:"task_id,omitempty"`
	Category FailureCategory `json:"category"`
	Message  string          `json:"message"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.TaskID == "" {
		return fmt.Sprintf("%s: %s", f.Category, f.Message)
	}
	return fmt.Sprintf("task %s: %s: %s", f.TaskID, f.Category, f.Message)
}

// ResultMetadata records how a result was produced.
type ResultMetadata struct {
	Capability   string            `json:"capability,omitempty"`
	Duration     time.Duration     `json:"duration"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	CompletedAt  time.Time         `json:"completed_at"`
	Attempts     int               `json:"attempts,omitempty"`
	Source       string            `json:"source,omitempty"`
	Warning      string            `json:"warning,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Result is the current outcome of one task within one chain. A retry
// replaces the task's Result; there is never more than one live Result.
type Result struct {
	ID       string         `json:"id"`
	TaskID   string         `json:"task_id"`
	Status   ResultStatus   `json:"status"`
	Output   string         `json:"output"`
	Artifact string         `json:"artifact,omitempty"`
	Metadata ResultMetadata `json:"metadata"`
	Error    string         `json:"error,omitempty"`
}

// Succeeded reports whether the result counts toward dependency satisfaction.
func (r Result) Succeeded() bool {
	return r.Status == ResultSuccess
}

// Chain is one execution of a full task graph.
type Chain struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Progress  int               `json:"progress"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Graph     taskgraph.Graph   `json:"graph"`
	Results   map[string]Result `json:"results,omitempty"`
	Err       *Failure          `json:"error,omitempty"`
}

// Snapshot is an immutable copy of a chain plus runtime details that are
// useful to subscribers.
type Snapshot struct {
	Chain
	Paused   bool     `json:"paused,omitempty"`
	InFlight []string `json:"in_flight,omitempty"`
	Blocked  []string `json:"blocked,omitempty"`
	// Reason duplicates Err.Error() so callers do not need to format it.
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the chain.
func (c Chain) Clone() Chain {
	clone := c
	clone.Graph = c.Graph.Clone()
	clone.Results = CloneResults(c.Results)
	if c.Err != nil {
		failure := *c.Err
		clone.Err = &failure
	}
	return clone
}

// CloneResults copies a result map.
func CloneResults(values map[string]Result) map[string]Result {
	out := make(map[string]Result, len(values))
	for id, res := range values {
		if len(res.Metadata.Extra) > 0 {
			extra := make(map[string]string, len(res.Metadata.Extra))
			for k, v := range res.Metadata.Extra {
				extra[k] = v
			}
			res.Metadata.Extra = extra
		}
		out[id] = res
	}
	return out
}

// Progress computes the completion percentage: successful atomic tasks over
// the number of atomic tasks. When the graph has no atomic tasks every task
// counts.
func Progress(graph taskgraph.Graph, results map[string]Result) int {
	ids := graph.AtomicIDs()
	if len(ids) == 0 {
		ids = graph.IDs()
	}
	if len(ids) == 0 {
		return 0
	}
	done := 0
	for _, id := range ids {
		if res, ok := results[id]; ok && res.Succeeded() {
			done++
		}
	}
	pct := done * 100 / len(ids)
	if pct > 100 {
		pct = 100
	}
	return pct
}
