// Package escalation hands tasks whose retries ran out to a human reviewer
// and waits, bounded by a timeout, for their feedback.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kingrea/chainforge/internal/metrics"
	"github.com/kingrea/chainforge/internal/refinement"
	"github.com/kingrea/chainforge/internal/validation"
)

var (
	// ErrTimeout is returned by Await when no feedback arrived in time.
	ErrTimeout = errors.New("escalation: timed out waiting for feedback")
	// ErrNotPaused is returned for feedback to a task that is not waiting.
	ErrNotPaused = errors.New("escalation: task is not awaiting feedback")
	// ErrCancelled is returned by Await when the chain was cancelled.
	ErrCancelled = errors.New("escalation: cancelled")
)

var structValidate = validator.New(validator.WithRequiredStructEnabled())

// DefaultTimeout bounds the wait for feedback.
const DefaultTimeout = 5 * time.Minute

// FeedbackKind enumerates reviewer responses.
type FeedbackKind string

const (
	FeedbackClarification FeedbackKind = "clarification"
	FeedbackManual        FeedbackKind = "manual"
	FeedbackSkip          FeedbackKind = "skip"
	FeedbackRetry         FeedbackKind = "retry"
)

// Feedback is a reviewer's answer to a clarification request.
type Feedback struct {
	Kind FeedbackKind `json:"kind" validate:"required,oneof=clarification manual skip retry"`
	// Text carries clarification content or a skip note.
	Text string `json:"text,omitempty"`
	// Artifact replaces the generated artifact for manual feedback.
	Artifact string    `json:"artifact,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

// Validate checks that the payload fits the kind.
func (f Feedback) Validate() error {
	if err := structValidate.Struct(f); err != nil {
		return fmt.Errorf("escalation: invalid feedback: %w", err)
	}
	switch f.Kind {
	case FeedbackClarification:
		if strings.TrimSpace(f.Text) == "" {
			return fmt.Errorf("escalation: clarification feedback requires text")
		}
	case FeedbackManual:
		if strings.TrimSpace(f.Artifact) == "" {
			return fmt.Errorf("escalation: manual feedback requires an artifact")
		}
	}
	return nil
}

// PausedTask is a task waiting on a reviewer.
type PausedTask struct {
	ChainID       string             `json:"chain_id"`
	TaskID        string             `json:"task_id"`
	PausedAt      time.Time          `json:"paused_at"`
	Reason        string             `json:"reason"`
	History       refinement.History `json:"history"`
	AwaitingInput bool               `json:"awaiting_input"`
	Resolved      bool               `json:"resolved"`
	Feedback      *Feedback          `json:"feedback,omitempty"`
}

// Request is the published clarification request.
type Request struct {
	ChainID     string               `json:"chain_id"`
	TaskID      string               `json:"task_id"`
	Question    string               `json:"question"`
	Artifact    string               `json:"artifact,omitempty"`
	Findings    []validation.Finding `json:"findings,omitempty"`
	Attempts    int                  `json:"attempts"`
	RequestedAt time.Time            `json:"requested_at"`
}

// Publisher receives clarification requests.
type Publisher interface {
	PublishClarification(Request)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Request)

// PublishClarification calls f.
func (f PublisherFunc) PublishClarification(req Request) {
	f(req)
}

type key struct {
	chainID string
	taskID  string
}

type entry struct {
	task      PausedTask
	feedback  chan Feedback
	cancelled chan struct{}
}

// Manager tracks paused tasks. It is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	paused    map[key]*entry
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher sets where clarification requests go.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		paused: map[key]*entry{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Escalate records the task as paused and publishes a clarification request
// built from the last attempt. Escalating a task again replaces the earlier
// record.
func (m *Manager) Escalate(chainID, taskID, reason string, history refinement.History) Request {
	now := m.now()
	req := Request{
		ChainID:     chainID,
		TaskID:      taskID,
		Attempts:    len(history.Attempts),
		RequestedAt: now,
	}
	var last validation.Report
	if attempt, ok := history.Last(); ok {
		last = attempt.Report
		req.Artifact = attempt.Artifact
		req.Findings = append([]validation.Finding(nil), attempt.Report.Findings...)
	}
	req.Question = SynthesizeQuestion(last)

	m.mu.Lock()
	k := key{chainID, taskID}
	if previous, ok := m.paused[k]; ok {
		closeOnce(previous.cancelled)
	}
	m.paused[k] = &entry{
		task: PausedTask{
			ChainID:       chainID,
			TaskID:        taskID,
			PausedAt:      now,
			Reason:        reason,
			History:       history.Clone(),
			AwaitingInput: true,
		},
		feedback:  make(chan Feedback, 1),
		cancelled: make(chan struct{}),
	}
	publisher := m.publisher
	m.mu.Unlock()

	metrics.Escalations.WithLabelValues("requested").Inc()
	m.logger.Warn("task escalated", "chain_id", chainID, "task_id", taskID, "attempts", req.Attempts, "category", string(last.DominantCategory()))
	if publisher != nil {
		publisher.PublishClarification(req)
	}
	return req
}

// ProvideFeedback delivers feedback to a paused task. It may arrive before
// Await is called. A task that is not paused, already answered, or already
// resolved yields ErrNotPaused.
func (m *Manager) ProvideFeedback(chainID, taskID string, fb Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	if fb.At.IsZero() {
		fb.At = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.paused[key{chainID, taskID}]
	if !ok || e.task.Resolved || !e.task.AwaitingInput {
		return fmt.Errorf("%w: %s/%s", ErrNotPaused, chainID, taskID)
	}
	e.task.AwaitingInput = false
	copyFb := fb
	e.task.Feedback = &copyFb
	e.feedback <- fb
	metrics.Escalations.WithLabelValues("feedback").Inc()
	m.logger.Info("feedback received", "chain_id", chainID, "task_id", taskID, "kind", string(fb.Kind))
	return nil
}

// Await blocks until feedback arrives, timeout elapses, ctx ends, or the
// chain is cancelled. A timeout <= 0 returns queued feedback if any and
// otherwise times out immediately. The paused record is removed in every
// case.
func (m *Manager) Await(ctx context.Context, chainID, taskID string, timeout time.Duration) (Feedback, error) {
	k := key{chainID, taskID}
	m.mu.Lock()
	e, ok := m.paused[k]
	m.mu.Unlock()
	if !ok {
		return Feedback{}, fmt.Errorf("%w: %s/%s", ErrNotPaused, chainID, taskID)
	}
	defer m.resolve(k, e)

	if timeout <= 0 {
		select {
		case fb := <-e.feedback:
			return fb, nil
		default:
			metrics.Escalations.WithLabelValues("timeout").Inc()
			return Feedback{}, ErrTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case fb := <-e.feedback:
		return fb, nil
	case <-timer.C:
		metrics.Escalations.WithLabelValues("timeout").Inc()
		return Feedback{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-e.cancelled:
		return Feedback{}, ErrCancelled
	case <-ctx.Done():
		return Feedback{}, ctx.Err()
	}
}

func (m *Manager) resolve(k key, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.task.Resolved = true
	e.task.AwaitingInput = false
	if current, ok := m.paused[k]; ok && current == e {
		delete(m.paused, k)
	}
}

// Paused lists tasks of the chain still awaiting input, oldest first.
func (m *Manager) Paused(chainID string) []PausedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PausedTask
	for k, e := range m.paused {
		if k.chainID != chainID || !e.task.AwaitingInput {
			continue
		}
		task := e.task
		task.History = e.task.History.Clone()
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PausedAt.Equal(out[j].PausedAt) {
			return out[i].PausedAt.Before(out[j].PausedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Cancel wakes every waiter of the chain with ErrCancelled and drops its
// records.
func (m *Manager) Cancel(chainID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.paused {
		if k.chainID != chainID {
			continue
		}
		closeOnce(e.cancelled)
		delete(m.paused, k)
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
