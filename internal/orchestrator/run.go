package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/contextstore"
	"github.com/kingrea/chainforge/internal/eventbridge"
	"github.com/kingrea/chainforge/internal/metrics"
	"github.com/kingrea/chainforge/internal/refinement"
	"github.com/kingrea/chainforge/internal/resolver"
	"github.com/kingrea/chainforge/internal/scheduler"
	"github.com/kingrea/chainforge/internal/taskgraph"
)

// run is the mutable state of one chain. Every field except the persist
// pair is guarded by Orchestrator.mu.
type run struct {
	chain     chain.Chain
	resolver  *resolver.Resolver
	scheduler *scheduler.Scheduler
	plan      resolver.Plan

	inFlight     map[string]struct{}
	succeeded    map[string]struct{}
	failed       map[string]struct{}
	histories    map[string]refinement.History
	blocked      []string
	paused       bool
	cancelled    bool
	firstFailure *chain.Failure

	seq      int64
	version  int64
	done     chan struct{}
	doneOnce sync.Once
	evict    *time.Timer

	persistMu sync.Mutex
	persisted int64
}

func newRun(c chain.Chain) *run {
	return &run{
		chain:     c,
		inFlight:  map[string]struct{}{},
		succeeded: map[string]struct{}{},
		failed:    map[string]struct{}{},
		histories: map[string]refinement.History{},
		done:      make(chan struct{}),
	}
}

// resolvePlan resolves the chain graph. It is called once, on start.
func (r *run) resolvePlan() error {
	res, err := resolver.New(r.chain.Graph)
	if err != nil {
		return err
	}
	plan, err := res.Plan()
	if err != nil {
		return err
	}
	sched, err := scheduler.New(res, plan)
	if err != nil {
		return err
	}
	r.resolver = res
	r.plan = plan
	r.scheduler = sched
	return nil
}

func (r *run) ids(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for _, id := range r.chain.Graph.IDs() {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// snapshot copies the chain for publication. Callers hold o.mu.
func (o *Orchestrator) snapshot(r *run) chain.Snapshot {
	r.version++
	snap := chain.Snapshot{
		Chain:     r.chain.Clone(),
		Paused:    r.paused,
		InFlight:  r.ids(r.inFlight),
		Blocked:   append([]string(nil), r.blocked...),
		UpdatedAt: o.now(),
	}
	if r.chain.Err != nil {
		snap.Reason = r.chain.Err.Error()
	}
	return snap
}

// capture is a snapshot stamped with the run version it was taken at.
type capture struct {
	snap    chain.Snapshot
	version int64
}

func (o *Orchestrator) capture(r *run) capture {
	snap := o.snapshot(r)
	return capture{snap: snap, version: r.version}
}

// persist writes c unless a newer snapshot already landed. Store failures
// are logged: the snapshot is a read-side convenience, not the Result record.
func (o *Orchestrator) persist(ctx context.Context, r *run, c capture) {
	if ctx == nil {
		ctx = o.ctx
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if c.version <= r.persisted {
		return
	}
	if err := o.store.PutSnapshot(context.WithoutCancel(ctx), c.snap); err != nil {
		o.logger.Error("persist snapshot", "chain_id", c.snap.ID, "error", err)
		return
	}
	r.persisted = c.version
}

func (o *Orchestrator) appendHistory(ctx context.Context, chainID, taskID string, kind contextstore.HistoryKind, message string) {
	if ctx == nil {
		ctx = o.ctx
	}
	_, err := o.store.AppendHistory(context.WithoutCancel(ctx), chainID, contextstore.HistoryEntry{
		ChainID:   chainID,
		TaskID:    taskID,
		Kind:      kind,
		Message:   message,
		Timestamp: o.now(),
	})
	if err != nil {
		o.logger.Warn("append history", "chain_id", chainID, "task_id", taskID, "kind", string(kind), "error", err)
	}
}

// emit publishes one event for the chain. Callers hold o.mu so sequence
// numbers follow state changes.
func (o *Orchestrator) emit(r *run, kind, taskID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			o.logger.Error("encode event payload", "chain_id", r.chain.ID, "type", kind, "error", err)
		} else {
			raw = data
		}
	}
	id, err := uuid.NewV7()
	eventID := id.String()
	if err != nil {
		eventID = uuid.NewString()
	}
	r.seq++
	event := eventbridge.Event{
		Version:  eventbridge.EventSchemaVersion,
		EventID:  eventID,
		Sequence: r.seq,
		Type:     kind,
		ChainID:  r.chain.ID,
		TaskID:   taskID,
		Payload:  raw,
	}
	event.StampServerTime(o.now())
	o.router.Route(event)
}

func (o *Orchestrator) emitStatus(r *run) {
	o.emit(r, eventbridge.TypeChainStatus, "", o.snapshot(r))
}

// release wakes Wait callers. It runs after the terminal snapshot is
// persisted so the store never lags a returned Wait.
func (r *run) release() {
	r.doneOnce.Do(func() { close(r.done) })
}

// retire schedules a terminal chain's removal from memory along with its
// event backlog. Callers must not hold o.mu.
func (o *Orchestrator) retire(r *run) {
	chainID := r.chain.ID
	drop := func() {
		o.mu.Lock()
		if o.chains[chainID] == r {
			delete(o.chains, chainID)
		}
		o.mu.Unlock()
		o.router.Forget(chainID)
		o.logger.Debug("chain retired", "chain_id", chainID)
	}
	if o.cfg.Retention < 0 {
		drop()
		return
	}
	o.mu.Lock()
	if r.evict == nil {
		r.evict = time.AfterFunc(o.cfg.Retention, drop)
	}
	o.mu.Unlock()
}

// finish moves the chain to a terminal status. Callers hold o.mu and call
// release once the snapshot is persisted.
func (o *Orchestrator) finish(r *run, status chain.Status, failure *chain.Failure) {
	if r.chain.Status.IsTerminal() {
		return
	}
	r.chain.Status = status
	r.chain.EndedAt = o.now()
	r.chain.Err = failure
	r.paused = false
	o.emitStatus(r)
	metrics.Chains.WithLabelValues(string(status)).Inc()
	if failure != nil {
		o.logger.Error("chain failed", "chain_id", r.chain.ID, "task_id", failure.TaskID, "category", string(failure.Category), "error", failure.Message)
	} else {
		o.logger.Info("chain completed", "chain_id", r.chain.ID, "progress", r.chain.Progress)
	}
}

// drive dispatches every runnable task and finishes the chain once no work
// is left. It is re-entered after each task completes and after resume or
// cancel.
func (o *Orchestrator) drive(chainID string) {
	o.mu.Lock()
	r, ok := o.chains[chainID]
	if !ok || r.chain.Status != chain.StatusRunning {
		o.mu.Unlock()
		return
	}
	var (
		terminal bool
		status   chain.Status
		failure  *chain.Failure
	)
	dispatched := 0
	batch, err := r.scheduler.Runnable(scheduler.RunnableRequest{
		Succeeded:   r.ids(r.succeeded),
		Failed:      r.ids(r.failed),
		Running:     r.ids(r.inFlight),
		MaxParallel: o.cfg.MaxParallel,
	})
	switch {
	case err != nil:
		terminal, status = true, chain.StatusFailed
		failure = &chain.Failure{Category: chain.CategoryPlanning, Message: err.Error()}
	default:
		r.blocked = batch.Blocked
		if !r.paused && !r.cancelled {
			for _, id := range batch.IDs {
				if o.dispatch(r, id) {
					dispatched++
				}
			}
			for id, skip := range batch.Skipped {
				if skip.Reason == scheduler.SkipReasonConcurrency {
					o.logger.Debug("task held", "chain_id", chainID, "task_id", id, "reason", string(skip.Reason), "detail", skip.Detail)
				}
			}
		}
		if dispatched == 0 && len(r.inFlight) == 0 {
			switch {
			case r.cancelled:
				terminal, status = true, chain.StatusFailed
				switch {
				case r.firstFailure == nil:
					failure = &chain.Failure{Category: chain.CategoryCancelled, Message: "chain cancelled"}
				case r.firstFailure.Category == chain.CategoryCancelled:
					failure = r.firstFailure
				default:
					failure = &chain.Failure{
						Category: chain.CategoryCancelled,
						Message:  fmt.Sprintf("chain cancelled after %s", r.firstFailure.Error()),
					}
				}
			case r.paused:
			case len(r.succeeded) == len(r.chain.Graph.Tasks):
				terminal, status = true, chain.StatusCompleted
			case r.firstFailure != nil:
				terminal, status = true, chain.StatusFailed
				failure = r.firstFailure
			case len(batch.IDs) == 0:
				terminal, status = true, chain.StatusFailed
				failure = &chain.Failure{Category: chain.CategoryPlanning, Message: resolver.ErrUnreachableBatch.Error()}
			}
		}
	}
	if !terminal {
		o.mu.Unlock()
		return
	}
	o.finish(r, status, failure)
	snap := o.capture(r)
	o.mu.Unlock()

	o.persist(o.ctx, r, snap)
	o.appendHistory(o.ctx, chainID, "", contextstore.HistoryChainStatus, string(status))
	if err := o.store.Extend(context.WithoutCancel(o.ctx), chainID, o.cfg.StoreTTL); err != nil {
		o.logger.Warn("extend chain ttl", "chain_id", chainID, "error", err)
	}
	r.release()
	o.retire(r)
}

// dispatch starts task id unless it is already in flight, in which case the
// request is a no-op. Callers hold o.mu.
func (o *Orchestrator) dispatch(r *run, id string) bool {
	if _, running := r.inFlight[id]; running {
		return false
	}
	task, ok := r.chain.Graph.Task(id)
	if !ok {
		return false
	}
	r.inFlight[id] = struct{}{}
	r.chain.Graph.SetStatus(id, taskgraph.StatusInProgress)
	deps := make(map[string]chain.Result, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		if res, ok := r.chain.Results[dep]; ok {
			deps[dep] = res
		}
	}
	o.emit(r, eventbridge.TypeTaskStarted, id, task)
	chainID := r.chain.ID
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(chainID, task, deps)
	}()
	return true
}

// complete records a task's terminal outcome and re-drives the chain.
func (o *Orchestrator) complete(chainID string, res chain.Result, failure *chain.Failure) {
	taskID := res.TaskID
	o.mu.Lock()
	r, ok := o.chains[chainID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(r.inFlight, taskID)
	if res.ID != "" {
		r.chain.Results[taskID] = res
	}
	if failure == nil {
		r.succeeded[taskID] = struct{}{}
		r.chain.Graph.SetStatus(taskID, taskgraph.StatusCompleted)
		o.emit(r, eventbridge.TypeTaskCompleted, taskID, res)
	} else {
		r.failed[taskID] = struct{}{}
		r.chain.Graph.SetStatus(taskID, taskgraph.StatusFailed)
		if r.firstFailure == nil {
			copied := *failure
			r.firstFailure = &copied
		}
		o.emit(r, eventbridge.TypeTaskFailed, taskID, failure)
	}
	if progress := chain.Progress(r.chain.Graph, r.chain.Results); progress > r.chain.Progress {
		r.chain.Progress = progress
	}
	o.emit(r, eventbridge.TypeChainProgress, "", o.snapshot(r))
	snap := o.capture(r)
	o.mu.Unlock()

	o.persist(o.ctx, r, snap)
	o.drive(chainID)
}

func (o *Orchestrator) isCancelled(chainID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.chains[chainID]
	return ok && r.cancelled
}

func (o *Orchestrator) setHistory(chainID string, history refinement.History) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.chains[chainID]; ok {
		r.histories[history.TaskID] = history.Clone()
	}
}
