package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/contextstore"
	"github.com/kingrea/chainforge/internal/escalation"
	"github.com/kingrea/chainforge/internal/eventbridge"
	"github.com/kingrea/chainforge/internal/prompt"
	"github.com/kingrea/chainforge/internal/queue"
	"github.com/kingrea/chainforge/internal/refinement"
	"github.com/kingrea/chainforge/internal/resolver"
	"github.com/kingrea/chainforge/internal/taskgraph"
	"github.com/kingrea/chainforge/internal/validation"
)

var (
	// ErrChainNotFound is returned for unknown chain ids.
	ErrChainNotFound = errors.New("orchestrator: chain not found")
	// ErrInvalidTransition is returned when an operation does not apply to the
	// chain's current status.
	ErrInvalidTransition = errors.New("orchestrator: invalid chain transition")
)

// Dispatcher runs one capability call. *queue.Queue satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, job queue.Job) (chain.Result, error)
}

// Validator checks an artifact for a task kind. *validation.Registry
// satisfies it.
type Validator interface {
	Validate(ctx context.Context, artifact, kind string) validation.Report
}

// Renderer turns a task plus its accumulated variables into a prompt.
// *prompt.Library satisfies it.
type Renderer interface {
	Render(task taskgraph.Task, vars map[string]any) (string, error)
}

// Config tunes chain execution.
type Config struct {
	// MaxAttempts caps validation attempts per round before escalation.
	MaxAttempts int
	// EscalationTimeout bounds the wait for reviewer feedback. Values <= 0
	// time out at once unless feedback is already queued.
	EscalationTimeout time.Duration
	// StoreTTL is applied to every record written for a chain.
	StoreTTL time.Duration
	// MaxParallel caps in-flight tasks per chain. Zero leaves the queue as
	// the only bound.
	MaxParallel int
	// Capability is used for tasks that do not pin one.
	Capability string
	// JobTimeout bounds each capability call. Zero uses the queue default.
	JobTimeout time.Duration
	// Retention is how long a terminal chain stays in memory for History,
	// Paused and late subscribers. Zero uses DefaultRetention; a negative
	// value drops it as soon as it is terminal. State keeps working from the
	// context store either way.
	Retention time.Duration
}

// DefaultRetention keeps terminal chains in memory for half an hour.
const DefaultRetention = 30 * time.Minute

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       refinement.DefaultMaxAttempts,
		EscalationTimeout: escalation.DefaultTimeout,
		StoreTTL:          contextstore.DefaultTTL,
		Retention:         DefaultRetention,
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithValidator overrides the default validation registry.
func WithValidator(v Validator) Option {
	return func(o *Orchestrator) {
		if v != nil {
			o.validator = v
		}
	}
}

// WithRenderer overrides the default prompt library.
func WithRenderer(r Renderer) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.renderer = r
		}
	}
}

// WithRouter publishes events on router instead of a private one.
func WithRouter(router *eventbridge.Router) Option {
	return func(o *Orchestrator) {
		if router != nil {
			o.router = router
		}
	}
}

// WithEngine overrides the refinement engine.
func WithEngine(engine *refinement.Engine) Option {
	return func(o *Orchestrator) {
		if engine != nil {
			o.engine = engine
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator owns every chain it was handed. It is safe for concurrent
// use.
type Orchestrator struct {
	dispatcher  Dispatcher
	store       contextstore.Store
	validator   Validator
	renderer    Renderer
	router      *eventbridge.Router
	engine      *refinement.Engine
	escalations *escalation.Manager
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	chains map[string]*run
}

// New wires an orchestrator around a dispatcher and a context store.
func New(dispatcher Dispatcher, store contextstore.Store, cfg Config, opts ...Option) (*Orchestrator, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("orchestrator: dispatcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("orchestrator: context store is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = refinement.DefaultMaxAttempts
	}
	if cfg.StoreTTL <= 0 {
		cfg.StoreTTL = contextstore.DefaultTTL
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		dispatcher: dispatcher,
		store:      store,
		validator:  validation.DefaultRegistry(),
		renderer:   prompt.NewLibrary(),
		router:     eventbridge.NewRouter(),
		engine:     refinement.NewEngine(nil),
		cfg:        cfg,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		chains:     map[string]*run{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.escalations = escalation.NewManager(
		escalation.WithPublisher(o),
		escalation.WithLogger(o.logger),
		escalation.WithClock(o.now),
	)
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Router exposes the event router so transports can subscribe.
func (o *Orchestrator) Router() *eventbridge.Router {
	return o.router
}

// Plan resolves graph without running it.
func Plan(graph taskgraph.Graph) (resolver.Plan, error) {
	res, err := resolver.New(graph)
	if err != nil {
		return resolver.Plan{}, err
	}
	return res.Plan()
}

// Submit registers a chain for graph in the pending state and returns its id.
// Structural problems (unknown dependencies, duplicate ids) are rejected
// here; cycles are reported by Start.
func (o *Orchestrator) Submit(ctx context.Context, graph taskgraph.Graph) (string, error) {
	normalized, err := graph.Normalized()
	if err != nil {
		return "", fmt.Errorf("orchestrator: submit: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("orchestrator: chain id: %w", err)
	}
	r := newRun(chain.Chain{
		ID:      id.String(),
		Name:    normalized.Name,
		Status:  chain.StatusPending,
		Graph:   normalized,
		Results: map[string]chain.Result{},
	})

	o.mu.Lock()
	o.chains[r.chain.ID] = r
	o.emitStatus(r)
	snap := o.capture(r)
	o.mu.Unlock()

	o.persist(ctx, r, snap)
	o.appendHistory(ctx, r.chain.ID, "", contextstore.HistoryChainStatus, string(chain.StatusPending))
	o.logger.Info("chain submitted", "chain_id", r.chain.ID, "graph", normalized.ID, "tasks", len(normalized.Tasks))
	return r.chain.ID, nil
}

// Start moves a pending chain to running and dispatches its first batch.
// A graph that cannot be planned fails the chain with category planning
// before any task runs, and the planning error is returned.
func (o *Orchestrator) Start(ctx context.Context, chainID string) error {
	o.mu.Lock()
	r, ok := o.chains[chainID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if r.chain.Status != chain.StatusPending {
		status := r.chain.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, status)
	}
	planErr := r.resolvePlan()
	if planErr != nil {
		o.finish(r, chain.StatusFailed, &chain.Failure{
			Category: chain.CategoryPlanning,
			Message:  planErr.Error(),
		})
		snap := o.capture(r)
		o.mu.Unlock()
		o.persist(ctx, r, snap)
		r.release()
		o.retire(r)
		o.logger.Error("chain planning failed", "chain_id", chainID, "error", planErr)
		return fmt.Errorf("orchestrator: plan chain %s: %w", chainID, planErr)
	}
	r.chain.Status = chain.StatusRunning
	r.chain.StartedAt = o.now()
	o.emitStatus(r)
	snap := o.capture(r)
	o.mu.Unlock()

	o.persist(ctx, r, snap)
	o.appendHistory(ctx, chainID, "", contextstore.HistoryChainStatus, string(chain.StatusRunning))
	o.logger.Info("chain started", "chain_id", chainID, "batches", len(r.plan.Batches), "critical_path", len(r.plan.CriticalPath))
	o.drive(chainID)
	return nil
}

// State returns the chain snapshot. Chains no longer held in memory are read
// back from the context store.
func (o *Orchestrator) State(ctx context.Context, chainID string) (chain.Snapshot, error) {
	o.mu.Lock()
	if r, ok := o.chains[chainID]; ok {
		snap := o.snapshot(r)
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()
	snap, err := o.store.GetSnapshot(ctx, chainID)
	if errors.Is(err, contextstore.ErrNotFound) {
		return chain.Snapshot{}, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if err != nil {
		return chain.Snapshot{}, fmt.Errorf("orchestrator: load snapshot %s: %w", chainID, err)
	}
	return snap, nil
}

// Pause stops new dispatch for a running chain. In-flight tasks continue.
func (o *Orchestrator) Pause(ctx context.Context, chainID string) error {
	return o.setPaused(ctx, chainID, true)
}

// Resume clears a pause and dispatches whatever became runnable meanwhile.
func (o *Orchestrator) Resume(ctx context.Context, chainID string) error {
	if err := o.setPaused(ctx, chainID, false); err != nil {
		return err
	}
	o.drive(chainID)
	return nil
}

func (o *Orchestrator) setPaused(ctx context.Context, chainID string, paused bool) error {
	o.mu.Lock()
	r, ok := o.chains[chainID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if r.chain.Status != chain.StatusRunning {
		status := r.chain.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: pause/resume while %s", ErrInvalidTransition, status)
	}
	if r.paused == paused {
		o.mu.Unlock()
		return nil
	}
	r.paused = paused
	o.emitStatus(r)
	snap := o.capture(r)
	o.mu.Unlock()
	o.persist(ctx, r, snap)
	o.logger.Info("chain pause toggled", "chain_id", chainID, "paused", paused)
	return nil
}

// Cancel stops dispatching new tasks. Capability calls already submitted run
// to completion or time out; once nothing is in flight the chain fails with
// category cancelled. Tasks waiting on a reviewer are released at once.
func (o *Orchestrator) Cancel(ctx context.Context, chainID string) error {
	o.mu.Lock()
	r, ok := o.chains[chainID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	switch r.chain.Status {
	case chain.StatusPending:
		o.finish(r, chain.StatusFailed, &chain.Failure{Category: chain.CategoryCancelled, Message: "cancelled before start"})
		snap := o.capture(r)
		o.mu.Unlock()
		o.persist(ctx, r, snap)
		r.release()
		o.retire(r)
		return nil
	case chain.StatusRunning:
		r.cancelled = true
		o.mu.Unlock()
	default:
		status := r.chain.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: cancel while %s", ErrInvalidTransition, status)
	}
	o.escalations.Cancel(chainID)
	o.logger.Info("chain cancelling", "chain_id", chainID)
	o.drive(chainID)
	return nil
}

// Wait blocks until the chain is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, chainID string) (chain.Snapshot, error) {
	o.mu.Lock()
	r, ok := o.chains[chainID]
	o.mu.Unlock()
	if !ok {
		return o.State(ctx, chainID)
	}
	select {
	case <-r.done:
		return o.State(ctx, chainID)
	case <-ctx.Done():
		return chain.Snapshot{}, ctx.Err()
	}
}

// Subscribe streams the chain's events. Events published before the first
// subscriber arrived are replayed.
func (o *Orchestrator) Subscribe(chainID string) (eventbridge.Subscription, error) {
	o.mu.Lock()
	_, ok := o.chains[chainID]
	o.mu.Unlock()
	if !ok {
		return eventbridge.Subscription{}, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	return o.router.Subscribe(chainID), nil
}

// ProvideFeedback answers a clarification request for a paused task.
func (o *Orchestrator) ProvideFeedback(chainID, taskID string, fb escalation.Feedback) error {
	o.mu.Lock()
	_, ok := o.chains[chainID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	return o.escalations.ProvideFeedback(chainID, taskID, fb)
}

// Paused lists the chain's tasks waiting on a reviewer.
func (o *Orchestrator) Paused(chainID string) ([]escalation.PausedTask, error) {
	o.mu.Lock()
	_, ok := o.chains[chainID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	return o.escalations.Paused(chainID), nil
}

// History returns the correction history recorded for a task so far.
func (o *Orchestrator) History(chainID, taskID string) (refinement.History, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.chains[chainID]
	if !ok {
		return refinement.History{}, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	history, ok := r.histories[taskID]
	if !ok {
		return refinement.History{TaskID: taskID}, nil
	}
	return history.Clone(), nil
}

// Log returns the chain's append-only history from the context store.
func (o *Orchestrator) Log(ctx context.Context, chainID string) ([]contextstore.HistoryEntry, error) {
	return o.store.History(ctx, chainID)
}

// Chains lists known chain ids, oldest first.
func (o *Orchestrator) Chains() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.chains))
	for id := range o.chains {
		ids = append(ids, id)
	}
	// uuid v7 ids sort by creation time.
	sort.Strings(ids)
	return ids
}

// Close stops every task goroutine and waits for them to return. It does not
// close the context store.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.wg.Wait()
	o.mu.Lock()
	for _, r := range o.chains {
		if r.evict != nil {
			r.evict.Stop()
		}
	}
	o.mu.Unlock()
	return nil
}

// PublishClarification turns an escalation request into an event.
func (o *Orchestrator) PublishClarification(req escalation.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.chains[req.ChainID]
	if !ok {
		return
	}
	o.emit(r, eventbridge.TypeClarificationRequested, req.TaskID, req)
}
