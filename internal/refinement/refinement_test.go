package refinement

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/validation"
)

func typeFailure() validation.Report {
	return validation.Report{Findings: []validation.Finding{{
		Category: validation.CategoryType,
		Message:  "explicit any annotation",
		Line:     2,
		Column:   14,
		Severity: validation.SeverityError,
	}}}
}

// scriptedCheck fails with the given reports in order, then passes.
func scriptedCheck(reports ...validation.Report) CheckFunc {
	calls := 0
	return func(ctx context.Context, artifact string) validation.Report {
		defer func() { calls++ }()
		if calls < len(reports) {
			return reports[calls]
		}
		return validation.Report{Passed: true}
	}
}

func recordingGenerate(prompts *[]string) GenerateFunc {
	return func(ctx context.Context, prompt string) (chain.Result, error) {
		*prompts = append(*prompts, prompt)
		return chain.Result{TaskID: "t", Status: chain.ResultSuccess, Output: "out", Artifact: "code"}, nil
	}
}

func TestLoopTwoTypeFailuresThenSuccess(t *testing.T) {
	var prompts []string
	loop := &Loop{MaxAttempts: 3, Check: scriptedCheck(typeFailure(), typeFailure())}

	outcome, err := loop.Run(context.Background(), "Build it", History{TaskID: "t"}, recordingGenerate(&prompts))
	require.NoError(t, err)
	assert.False(t, outcome.Exhausted)
	assert.Len(t, outcome.History.Attempts, 3)
	assert.Equal(t, DispositionSuccess, outcome.History.Disposition)
	assert.Equal(t, 3, outcome.Result.Metadata.Attempts)

	require.Len(t, prompts, 3)
	assert.Equal(t, "Build it", prompts[0])
	assert.Contains(t, prompts[1], "Attempt 1: 1 finding(s)")
	assert.Contains(t, prompts[2], "Attempt 2: 1 finding(s)")
	assert.Contains(t, prompts[2], "- type: Use precise types")
	for i, attempt := range outcome.History.Attempts {
		assert.Equal(t, i+1, attempt.Index)
		assert.Equal(t, prompts[i], attempt.Prompt)
	}
	assert.True(t, outcome.History.Attempts[2].Passed)
}

func TestLoopReportsExhaustionWithoutError(t *testing.T) {
	var prompts []string
	loop := &Loop{MaxAttempts: 3, Check: scriptedCheck(typeFailure(), typeFailure(), typeFailure(), typeFailure())}

	outcome, err := loop.Run(context.Background(), "Build it", History{TaskID: "t"}, recordingGenerate(&prompts))
	require.NoError(t, err)
	assert.True(t, outcome.Exhausted)
	assert.Len(t, outcome.History.Attempts, 3)
	assert.Len(t, prompts, 3, "never more attempts than the cap")
	assert.Equal(t, DispositionEscalated, outcome.History.Disposition)
}

func TestLoopContinuesAttemptIndicesAcrossRounds(t *testing.T) {
	var prompts []string
	loop := &Loop{MaxAttempts: 2, Check: scriptedCheck(typeFailure(), typeFailure())}
	first, err := loop.Run(context.Background(), "base", History{TaskID: "t"}, recordingGenerate(&prompts))
	require.NoError(t, err)
	require.True(t, first.Exhausted)

	loop.Check = scriptedCheck()
	second, err := loop.Run(context.Background(), "base\n\nclarified", first.History, recordingGenerate(&prompts))
	require.NoError(t, err)
	require.Len(t, second.History.Attempts, 3)
	assert.Equal(t, 3, second.History.Attempts[2].Index)
	assert.Equal(t, DispositionSuccess, second.History.Disposition)
	assert.Len(t, first.History.Attempts, 2, "earlier outcome is not mutated")
}

func TestLoopStopsOnGenerateError(t *testing.T) {
	boom := errors.New("transport exhausted")
	loop := &Loop{Check: scriptedCheck()}
	outcome, err := loop.Run(context.Background(), "p", History{TaskID: "t"}, func(ctx context.Context, prompt string) (chain.Result, error) {
		return chain.Result{Status: chain.ResultFailure}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, outcome.History.Attempts)
	assert.Equal(t, DispositionFailed, outcome.History.Disposition)
}

func TestLoopNotifiesObserver(t *testing.T) {
	var seen []int
	var prompts []string
	loop := &Loop{
		Check:     scriptedCheck(typeFailure()),
		OnAttempt: func(a Attempt) { seen = append(seen, a.Index) },
	}
	_, err := loop.Run(context.Background(), "p", History{}, recordingGenerate(&prompts))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRefineGroupsFindingsByCategory(t *testing.T) {
	report := validation.Report{Findings: []validation.Finding{
		{Category: validation.CategoryImport, Message: "missing import of react"},
		{Category: validation.CategoryType, Message: "explicit any annotation", Line: 3, Column: 9},
		{Category: validation.CategoryImport, Message: "missing import of zod"},
	}}
	history := History{Attempts: []Attempt{{Index: 1, Report: report}}}
	prompt := NewEngine(map[validation.Category]string{validation.CategoryImport: "Add the imports."}).Refine("Write a form.\n", history, report)

	assert.True(t, strings.HasPrefix(prompt, "Write a form.\n\n## Previous attempts\n- Attempt 1: 3 finding(s)\n"))
	assert.Contains(t, prompt, "### import\n1. missing import of react\n2. missing import of zod\n### type\n3. explicit any annotation (line 3:9)\n")
	assert.Contains(t, prompt, "- import: Add the imports.")
	assert.Contains(t, prompt, "- type: Use precise types")
	assert.Less(t, strings.Index(prompt, "- import:"), strings.Index(prompt, "- type:"))
}
