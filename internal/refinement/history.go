// Package refinement rewrites prompts from validator findings and runs the
// bounded self-correction loop for one task.
package refinement

import (
	"time"

	"github.com/kingrea/chainforge/internal/validation"
)

// Disposition is the final state of a task's correction history.
type Disposition string

const (
	DispositionPending   Disposition = ""
	DispositionSuccess   Disposition = "success"
	DispositionFailed    Disposition = "failed"
	DispositionEscalated Disposition = "escalated"
)

// Attempt records one generate-then-validate round.
type Attempt struct {
	Index    int               `json:"index"`
	Prompt   string            `json:"prompt"`
	Output   string            `json:"output"`
	Artifact string            `json:"artifact,omitempty"`
	Report   validation.Report `json:"report"`
	Passed   bool              `json:"passed"`
	At       time.Time         `json:"at"`
}

// History is the ordered attempt log for one task.
type History struct {
	TaskID      string      `json:"task_id"`
	Attempts    []Attempt   `json:"attempts"`
	Disposition Disposition `json:"disposition,omitempty"`
}

// Last returns the most recent attempt.
func (h History) Last() (Attempt, bool) {
	if len(h.Attempts) == 0 {
		return Attempt{}, false
	}
	return h.Attempts[len(h.Attempts)-1], true
}

// Clone returns a copy whose attempt slice can be appended to independently.
func (h History) Clone() History {
	clone := h
	clone.Attempts = append([]Attempt(nil), h.Attempts...)
	return clone
}
