package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kingrea/chainforge/internal/capability"
	"github.com/kingrea/chainforge/internal/config"
	"github.com/kingrea/chainforge/internal/contextstore"
	"github.com/kingrea/chainforge/internal/escalation"
	"github.com/kingrea/chainforge/internal/logging"
	"github.com/kingrea/chainforge/internal/orchestrator"
	"github.com/kingrea/chainforge/internal/prompt"
	"github.com/kingrea/chainforge/internal/queue"
	"github.com/kingrea/chainforge/internal/resolver"
	"github.com/kingrea/chainforge/internal/validation"
)

// engine bundles the orchestrator with the resources it owns.
type engine struct {
	orch  *orchestrator.Orchestrator
	store contextstore.Store
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (contextstore.Store, error) {
	sc := cfg.Project.Store
	switch sc.Backend {
	case config.BackendPostgres:
		return contextstore.OpenPg(ctx, sc.DSN, sc.TTL)
	case config.BackendMemory:
		return contextstore.OpenBadger(contextstore.BadgerConfig{InMemory: true, TTL: sc.TTL, Logger: logger.Slog()})
	default:
		return contextstore.OpenBadger(contextstore.BadgerConfig{Path: cfg.StorePath(), TTL: sc.TTL, Logger: logger.Slog()})
	}
}

func openEngine(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*engine, error) {
	capCfg := cfg.Project.Capability
	gen, err := capability.NewOpenAI(capability.OpenAIConfig{
		APIKey:       capCfg.APIKey(),
		BaseURL:      capCfg.BaseURL,
		Model:        capCfg.Default,
		SystemPrompt: capCfg.SystemPrompt,
	}, logger.Slog())
	if err != nil {
		return nil, err
	}

	ec := cfg.Project.Engine
	q, err := queue.New(gen, queue.Config{
		MaxConcurrency:    ec.MaxConcurrency,
		TransportRetries:  ec.TransportRetries,
		InitialBackoff:    ec.InitialBackoff,
		MaxBackoff:        ec.MaxBackoff,
		RequestsPerSecond: ec.RequestsPerSecond,
		JobTimeout:        ec.JobTimeout,
		Retention:         ec.ChainRetention,
	}, queue.WithLogger(logger.Slog()))
	if err != nil {
		return nil, err
	}

	library := prompt.NewLibrary()
	if err := library.LoadDir(cfg.PromptsDir()); err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(q, store, orchestrator.Config{
		MaxAttempts:       ec.MaxAttempts,
		EscalationTimeout: ec.EscalationTimeout,
		StoreTTL:          cfg.Project.Store.TTL,
		MaxParallel:       ec.MaxParallel,
		Capability:        capCfg.Default,
		JobTimeout:        ec.JobTimeout,
		Retention:         ec.ChainRetention,
	},
		orchestrator.WithValidator(validation.DefaultRegistry()),
		orchestrator.WithRenderer(library),
		orchestrator.WithLogger(logger.Slog()),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &engine{orch: orch, store: store}, nil
}

// Close stops the orchestrator before the store so in-flight tasks can
// still write their results.
func (e *engine) Close() error {
	return errors.Join(e.orch.Close(), e.store.Close())
}

// classifyError maps engine errors onto HTTP status codes for the bridge.
func classifyError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrChainNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidTransition), errors.Is(err, escalation.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, resolver.ErrCycle):
		return http.StatusUnprocessableEntity
	}
	return 0
}

func describe(err error) string {
	var cycle *resolver.CycleError
	if errors.As(err, &cycle) {
		return "dependency cycle: " + strings.Join(cycle.Path, " -> ")
	}
	return err.Error()
}
