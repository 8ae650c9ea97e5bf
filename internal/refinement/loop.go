package refinement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/metrics"
	"github.com/kingrea/chainforge/internal/validation"
)

// DefaultMaxAttempts is the validation attempt cap per round.
const DefaultMaxAttempts = 3

// GenerateFunc runs one capability call for prompt.
type GenerateFunc func(ctx context.Context, prompt string) (chain.Result, error)

// CheckFunc validates one artifact.
type CheckFunc func(ctx context.Context, artifact string) validation.Report

// Loop drives generate, validate, and refine for one task.
type Loop struct {
	Engine      *Engine
	MaxAttempts int
	Check       CheckFunc
	// OnAttempt, when set, observes every recorded attempt.
	OnAttempt func(Attempt)
	Logger    *slog.Logger
	Now       func() time.Time
}

// Outcome is what one round of the loop produced.
type Outcome struct {
	// Result is the last generated result. On success it is the result to
	// persist.
	Result  chain.Result
	History History
	// Exhausted reports that the attempt cap was reached without a passing
	// attempt. It is not an error: the caller escalates.
	Exhausted bool
}

// Run executes up to MaxAttempts attempts starting from base. Attempts are
// appended to history, whose indices continue across rounds. A generate
// error ends the round immediately and is returned as is.
func (l *Loop) Run(ctx context.Context, base string, history History, generate GenerateFunc) (Outcome, error) {
	if generate == nil {
		return Outcome{History: history}, fmt.Errorf("refinement: generate func is required")
	}
	engine := l.Engine
	if engine == nil {
		engine = NewEngine(nil)
	}
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := l.Now
	if now == nil {
		now = time.Now
	}
	history = history.Clone()
	history.Disposition = DispositionPending

	prompt := base
	var last chain.Result
	for round := 1; round <= maxAttempts; round++ {
		res, err := generate(ctx, prompt)
		if err != nil {
			history.Disposition = DispositionFailed
			return Outcome{Result: res, History: history}, err
		}
		last = res
		artifact := res.Artifact
		if artifact == "" {
			artifact = res.Output
		}
		report := validation.Report{Passed: true}
		if l.Check != nil {
			report = l.Check(ctx, artifact)
		}
		attempt := Attempt{
			Index:    len(history.Attempts) + 1,
			Prompt:   prompt,
			Output:   res.Output,
			Artifact: artifact,
			Report:   report,
			Passed:   report.Passed,
			At:       now(),
		}
		history.Attempts = append(history.Attempts, attempt)
		if l.OnAttempt != nil {
			l.OnAttempt(attempt)
		}
		if report.Passed {
			metrics.ValidationAttempts.WithLabelValues("passed").Inc()
			history.Disposition = DispositionSuccess
			last.Metadata.Attempts = attempt.Index
			return Outcome{Result: last, History: history}, nil
		}
		metrics.ValidationAttempts.WithLabelValues("failed").Inc()
		logger.Info("validation failed",
			"task_id", history.TaskID,
			"attempt", attempt.Index,
			"findings", len(report.Findings),
			"category", string(report.DominantCategory()),
		)
		if round < maxAttempts {
			prompt = engine.Refine(base, history, report)
		}
	}
	history.Disposition = DispositionEscalated
	last.Metadata.Attempts = len(history.Attempts)
	return Outcome{Result: last, History: history, Exhausted: true}, nil
}
