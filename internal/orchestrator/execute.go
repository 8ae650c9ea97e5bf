package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/contextstore"
	"github.com/kingrea/chainforge/internal/escalation"
	"github.com/kingrea/chainforge/internal/eventbridge"
	"github.com/kingrea/chainforge/internal/prompt"
	"github.com/kingrea/chainforge/internal/queue"
	"github.com/kingrea/chainforge/internal/refinement"
	"github.com/kingrea/chainforge/internal/taskgraph"
	"github.com/kingrea/chainforge/internal/validation"
)

var errChainCancelled = errors.New("orchestrator: chain cancelled")

const clarificationHeading = "\n\n## Reviewer clarification\n"

// attemptEvent is the task.attempt payload.
type attemptEvent struct {
	Attempt  int                  `json:"attempt"`
	Passed   bool                 `json:"passed"`
	Findings []validation.Finding `json:"findings,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
}

// execute runs one task to a terminal outcome and reports it through
// complete. It is the only writer of the task's Result.
func (o *Orchestrator) execute(chainID string, task taskgraph.Task, deps map[string]chain.Result) {
	ctx := o.ctx
	o.appendHistory(ctx, chainID, task.ID, contextstore.HistoryTaskStarted, task.DisplayName())

	vars := contextstore.Accumulate(task, o.dependencyResults(ctx, chainID, task, deps))
	base, err := o.renderer.Render(task, vars)
	if err != nil {
		o.logger.Warn("render prompt, using fallback layout", "chain_id", chainID, "task_id", task.ID, "error", err)
		base = prompt.Fallback(task, vars)
	}

	capabilityID := task.Capability
	if capabilityID == "" {
		capabilityID = o.cfg.Capability
	}
	// A dispatched task always makes its first call; cancellation is only
	// honoured between attempts.
	calls := 0
	generate := func(ctx context.Context, text string) (chain.Result, error) {
		if calls > 0 && o.isCancelled(chainID) {
			return chain.Result{}, errChainCancelled
		}
		calls++
		return o.dispatcher.Submit(ctx, queue.Job{
			ChainID:    chainID,
			TaskID:     task.ID,
			Prompt:     text,
			Capability: capabilityID,
			Timeout:    o.cfg.JobTimeout,
		})
	}
	loop := &refinement.Loop{
		Engine:      o.engine,
		MaxAttempts: o.cfg.MaxAttempts,
		Check: func(ctx context.Context, artifact string) validation.Report {
			return o.validator.Validate(ctx, artifact, task.Kind)
		},
		OnAttempt: func(a refinement.Attempt) {
			o.onAttempt(chainID, task.ID, a)
		},
		Logger: o.logger,
		Now:    o.now,
	}

	history := refinement.History{TaskID: task.ID}
	current := base
	for {
		outcome, err := loop.Run(ctx, current, history, generate)
		history = outcome.History
		o.setHistory(chainID, history)
		if err != nil {
			category := generationCategory(ctx, err)
			o.fail(chainID, task.ID, outcome.Result, category, err)
			return
		}
		if !outcome.Exhausted {
			o.succeed(chainID, task.ID, outcome.Result)
			return
		}

		reason := fmt.Sprintf("%d attempt(s) failed validation", len(history.Attempts))
		o.escalations.Escalate(chainID, task.ID, reason, history)
		o.appendHistory(ctx, chainID, task.ID, contextstore.HistoryTaskEscalated, reason)
		if o.isCancelled(chainID) {
			o.escalations.Cancel(chainID)
			o.fail(chainID, task.ID, outcome.Result, chain.CategoryCancelled, errChainCancelled)
			return
		}
		fb, err := o.escalations.Await(ctx, chainID, task.ID, o.cfg.EscalationTimeout)
		if err != nil {
			category := chain.CategoryEscalation
			switch {
			case errors.Is(err, escalation.ErrCancelled), o.isCancelled(chainID), ctx.Err() != nil:
				category = chain.CategoryCancelled
			}
			o.fail(chainID, task.ID, outcome.Result, category, err)
			return
		}
		o.onFeedback(chainID, task.ID, fb)

		switch fb.Kind {
		case escalation.FeedbackClarification:
			current = base + clarificationHeading + fb.Text
		case escalation.FeedbackRetry:
			current = base
		case escalation.FeedbackManual:
			history.Disposition = refinement.DispositionSuccess
			o.setHistory(chainID, history)
			o.succeed(chainID, task.ID, o.reviewerResult(task.ID, capabilityID, fb, len(history.Attempts)))
			return
		case escalation.FeedbackSkip:
			history.Disposition = refinement.DispositionSuccess
			o.setHistory(chainID, history)
			o.succeed(chainID, task.ID, o.reviewerResult(task.ID, capabilityID, fb, len(history.Attempts)))
			return
		}
	}
}

// dependencyResults reads dependency Results back from the store. The read
// is best effort: on error the copies taken at dispatch are used.
func (o *Orchestrator) dependencyResults(ctx context.Context, chainID string, task taskgraph.Task, fallback map[string]chain.Result) map[string]chain.Result {
	out := make(map[string]chain.Result, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		res, err := o.store.GetResult(ctx, chainID, dep)
		if err != nil {
			if !errors.Is(err, contextstore.ErrNotFound) {
				o.logger.Warn("read dependency result", "chain_id", chainID, "task_id", task.ID, "dependency", dep, "error", err)
			}
			if cached, ok := fallback[dep]; ok {
				out[dep] = cached
			}
			continue
		}
		out[dep] = res
	}
	return out
}

// reviewerResult builds the Result for manual or skip feedback. It is not
// validated.
func (o *Orchestrator) reviewerResult(taskID, capabilityID string, fb escalation.Feedback, attempts int) chain.Result {
	res := chain.Result{
		ID:     newID(),
		TaskID: taskID,
		Status: chain.ResultSuccess,
		Metadata: chain.ResultMetadata{
			Capability:  capabilityID,
			CompletedAt: o.now(),
			Attempts:    attempts,
			Source:      string(fb.Kind),
		},
	}
	switch fb.Kind {
	case escalation.FeedbackManual:
		res.Output = fb.Artifact
		res.Artifact = fb.Artifact
	case escalation.FeedbackSkip:
		res.Output = fb.Text
		res.Metadata.Warning = "skipped by reviewer"
		if fb.Text != "" {
			res.Metadata.Warning += ": " + fb.Text
		}
	}
	return res
}

// succeed writes the authoritative Result. A failed write fails the task.
func (o *Orchestrator) succeed(chainID, taskID string, res chain.Result) {
	res.TaskID = taskID
	res.Status = chain.ResultSuccess
	ctx := context.WithoutCancel(o.ctx)
	if err := o.store.PutResult(ctx, chainID, res); err != nil {
		o.fail(chainID, taskID, res, chain.CategoryStore, fmt.Errorf("write result: %w", err))
		return
	}
	if err := o.store.Extend(ctx, chainID, o.cfg.StoreTTL); err != nil {
		o.logger.Warn("extend chain ttl", "chain_id", chainID, "error", err)
	}
	o.appendHistory(ctx, chainID, taskID, contextstore.HistoryTaskCompleted, fmt.Sprintf("attempts=%d", res.Metadata.Attempts))
	o.logger.Info("task completed", "chain_id", chainID, "task_id", taskID, "attempt", res.Metadata.Attempts)
	o.complete(chainID, res, nil)
}

// fail records a failure Result for the task and its chain failure.
func (o *Orchestrator) fail(chainID, taskID string, res chain.Result, category chain.FailureCategory, cause error) {
	failure := &chain.Failure{TaskID: taskID, Category: category, Message: cause.Error()}
	if res.ID == "" {
		res.ID = newID()
	}
	res.TaskID = taskID
	res.Status = chain.ResultFailure
	res.Error = cause.Error()
	if res.Metadata.CompletedAt.IsZero() {
		res.Metadata.CompletedAt = o.now()
	}
	ctx := context.WithoutCancel(o.ctx)
	if category != chain.CategoryStore {
		if err := o.store.PutResult(ctx, chainID, res); err != nil {
			o.logger.Warn("write failure result", "chain_id", chainID, "task_id", taskID, "error", err)
		}
	}
	o.appendHistory(ctx, chainID, taskID, contextstore.HistoryTaskFailed, failure.Error())
	o.logger.Error("task failed", "chain_id", chainID, "task_id", taskID, "category", string(category), "error", cause)
	o.complete(chainID, res, failure)
}

func (o *Orchestrator) onAttempt(chainID, taskID string, a refinement.Attempt) {
	o.appendHistory(o.ctx, chainID, taskID, contextstore.HistoryTaskAttempt,
		fmt.Sprintf("attempt=%d passed=%t findings=%d", a.Index, a.Passed, len(a.Report.Findings)))
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.chains[chainID]
	if !ok {
		return
	}
	o.emit(r, eventbridge.TypeTaskAttempt, taskID, attemptEvent{
		Attempt:  a.Index,
		Passed:   a.Passed,
		Findings: a.Report.Findings,
		Warnings: a.Report.Warnings,
	})
}

func (o *Orchestrator) onFeedback(chainID, taskID string, fb escalation.Feedback) {
	o.appendHistory(o.ctx, chainID, taskID, contextstore.HistoryFeedback, string(fb.Kind))
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.chains[chainID]
	if !ok {
		return
	}
	o.emit(r, eventbridge.TypeFeedbackReceived, taskID, fb)
}

// generationCategory classifies an error returned by the refinement loop.
func generationCategory(ctx context.Context, err error) chain.FailureCategory {
	switch {
	case errors.Is(err, errChainCancelled), ctx.Err() != nil:
		return chain.CategoryCancelled
	case errors.Is(err, queue.ErrTransportExhausted):
		return chain.CategoryTransport
	}
	return chain.CategoryGeneration
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
