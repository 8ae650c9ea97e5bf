package scheduler

import (
	"fmt"

	"github.com/kingrea/chainforge/internal/resolver"
)

// Selector exposes the minimal contract the orchestrator needs to request
// runnable task batches.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of a resolver and its execution plan.
// It walks the plan's batches in order, filters tasks that are truly
// runnable, and enforces any configured constraints.
type Scheduler struct {
	resolver *resolver.Resolver
	plan     resolver.Plan
}

// New wires a Scheduler to a resolver snapshot and the plan it produced.
func New(res *resolver.Resolver, plan resolver.Plan) (*Scheduler, error) {
	if res == nil {
		return nil, fmt.Errorf("scheduler: resolver is required")
	}
	if len(plan.Batches) == 0 {
		return nil, fmt.Errorf("scheduler: plan has no batches")
	}
	return &Scheduler{resolver: res, plan: plan}, nil
}

// Plan returns the plan the scheduler walks.
func (s *Scheduler) Plan() resolver.Plan {
	return s.plan
}

// RunnableRequest captures the current runtime state plus any scheduling
// constraints.
type RunnableRequest struct {
	// Succeeded lists tasks whose latest result is a success.
	Succeeded []string
	// Failed lists tasks that reached a terminal failure.
	Failed []string
	// Running lists tasks currently dispatched (including tasks waiting on a
	// reviewer) so the scheduler won't dispatch them twice.
	Running []string
	// MaxParallel caps how many tasks may be active at once, including the
	// tasks listed in Running. Values <= 0 disable the limit.
	MaxParallel int
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	IDs []string
	// Skipped explains every unfinished task left out of IDs.
	Skipped map[string]SkipReason
	// Blocked lists tasks that can never run because a task they depend on
	// (directly or transitively) failed.
	Blocked []string
}

// SkipReason explains why a task was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
	SkipReasonUpstream    SkipReasonCode = "upstream-failed"
)

// Runnable returns a batch of runnable tasks constrained by the request.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	succeeded := toSet(req.Succeeded)
	failed := toSet(req.Failed)
	running := toSet(req.Running)
	blocked := s.blocked(failed, succeeded)

	result := RunnableBatch{}
	for _, id := range s.resolver.Nodes() {
		if _, ok := blocked[id.ID]; ok {
			result.Blocked = append(result.Blocked, id.ID)
		}
	}
	order := s.plan.Order()
	maxBatch := req.batchLimit(len(order), len(running))
	if maxBatch == 0 {
		return result, nil
	}
	for _, id := range order {
		if _, done := succeeded[id]; done {
			continue
		}
		if _, done := failed[id]; done {
			continue
		}
		if _, runningAlready := running[id]; runningAlready {
			result.addSkip(id, SkipReason{Reason: SkipReasonActive, Detail: "task already running"})
			continue
		}
		if _, isBlocked := blocked[id]; isBlocked {
			result.addSkip(id, SkipReason{Reason: SkipReasonUpstream, Detail: "a dependency failed"})
			continue
		}
		node, ok := s.resolver.Node(id)
		if !ok {
			return RunnableBatch{}, fmt.Errorf("scheduler: plan references unknown task %s", id)
		}
		if waiting := pending(node.Dependencies, succeeded); len(waiting) > 0 {
			result.addSkip(id, SkipReason{Reason: SkipReasonNotReady, Detail: fmt.Sprintf("waiting on %v", waiting)})
			continue
		}
		if len(result.IDs) >= maxBatch {
			result.addSkip(id, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("batch limit %d reached", maxBatch)})
			continue
		}
		result.IDs = append(result.IDs, id)
	}
	return result, nil
}

func (s *Scheduler) blocked(failed, succeeded map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for id := range failed {
		for _, descendant := range s.resolver.Descendants(id) {
			if _, ok := succeeded[descendant]; ok {
				continue
			}
			if _, ok := failed[descendant]; ok {
				continue
			}
			out[descendant] = struct{}{}
		}
	}
	return out
}

func pending(deps []string, succeeded map[string]struct{}) []string {
	var waiting []string
	for _, dep := range deps {
		if _, ok := succeeded[dep]; !ok {
			waiting = append(waiting, dep)
		}
	}
	return waiting
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return map[string]struct{}{}
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

func (req RunnableRequest) batchLimit(queueLen int, runningCount int) int {
	limit := queueLen
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit == 0 || limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}
