// Package queue runs capability calls under a system-wide concurrency bound
// with transport-level retries. It knows nothing about validation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kingrea/chainforge/internal/capability"
	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/metrics"
)

// ErrTransportExhausted is returned once every transport retry failed.
var ErrTransportExhausted = errors.New("queue: transport retries exhausted")

var tracer = otel.Tracer("chainforge/queue")

const (
	DefaultMaxConcurrency   = 4
	DefaultTransportRetries = 3
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 10 * time.Second
	DefaultJobTimeout       = 2 * time.Minute
)

// Job is one capability call.
type Job struct {
	ChainID    string
	TaskID     string
	Prompt     string
	Capability string
	// Timeout bounds each individual call. Zero uses the queue default.
	Timeout time.Duration
}

// Config tunes the queue. Zero values take the package defaults.
type Config struct {
	MaxConcurrency int
	// TransportRetries is the number of retries after the first call.
	// Negative disables retries.
	TransportRetries  int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64
	JobTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.TransportRetries == 0 {
		c.TransportRetries = DefaultTransportRetries
	}
	if c.TransportRetries < 0 {
		c.TransportRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	return c
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock overrides the clock used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue dispatches jobs to a capability.Generator with at most
// MaxConcurrency calls in flight.
type Queue struct {
	gen     capability.Generator
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	active  atomic.Int64
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a Queue.
func New(gen capability.Generator, cfg Config, opts ...Option) (*Queue, error) {
	if gen == nil {
		return nil, fmt.Errorf("queue: generator is required")
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		gen:    gen,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Active reports how many jobs currently hold a slot.
func (q *Queue) Active() int {
	return int(q.active.Load())
}

// Submit blocks until a slot is free, runs the job, and returns its Result.
// Transport failures are retried with exponential backoff; once retries run
// out the returned error wraps ErrTransportExhausted. Other generator errors
// are returned without retrying. The returned Result is always populated, with
// a failure status when err is non-nil.
func (q *Queue) Submit(ctx context.Context, job Job) (chain.Result, error) {
	started := q.now()
	failed := func(err error) (chain.Result, error) {
		metrics.QueueJobs.WithLabelValues("failure").Inc()
		return chain.Result{
			ID:     newID(),
			TaskID: job.TaskID,
			Status: chain.ResultFailure,
			Error:  err.Error(),
			Metadata: chain.ResultMetadata{
				Capability:  job.Capability,
				Duration:    q.now().Sub(started),
				CompletedAt: q.now(),
			},
		}, err
	}
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return failed(fmt.Errorf("queue: waiting for slot: %w", err))
	}
	defer q.sem.Release(1)
	q.active.Add(1)
	metrics.QueueActiveJobs.Inc()
	defer func() {
		q.active.Add(-1)
		metrics.QueueActiveJobs.Dec()
	}()

	ctx, span := tracer.Start(ctx, "queue.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("chain_id", job.ChainID),
		attribute.String("task_id", job.TaskID),
		attribute.String("capability", job.Capability),
	)

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = q.cfg.JobTimeout
	}
	calls := 0
	op := func() (capability.Response, error) {
		calls++
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return capability.Response{}, backoff.Permanent(fmt.Errorf("queue: rate limiter: %w", err))
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := q.gen.Generate(callCtx, job.Prompt, job.Capability)
		if err != nil {
			if capability.IsTransport(err) {
				return capability.Response{}, err
			}
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return capability.Response{}, fmt.Errorf("%w: call timed out after %s", capability.ErrUnreachable, timeout)
			}
			return capability.Response{}, backoff.Permanent(err)
		}
		if resp.Text == "" && resp.Artifact == "" {
			return capability.Response{}, fmt.Errorf("%w: empty response", capability.ErrMalformedResponse)
		}
		return resp, nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.cfg.InitialBackoff
	policy.MaxInterval = q.cfg.MaxBackoff
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(q.cfg.TransportRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.QueueTransportRetries.Inc()
			q.logger.Warn("transport retry",
				"chain_id", job.ChainID,
				"task_id", job.TaskID,
				"wait", wait,
				"error", err,
			)
		}),
	)
	metrics.QueueJobDuration.Observe(q.now().Sub(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if capability.IsTransport(err) {
			err = fmt.Errorf("%w after %d call(s): %w", ErrTransportExhausted, calls, err)
		}
		q.logger.Error("job failed", "chain_id", job.ChainID, "task_id", job.TaskID, "error", err)
		return failed(err)
	}
	artifact := resp.Artifact
	if artifact == "" {
		artifact = capability.ExtractArtifact(resp.Text)
	}
	name := resp.Metadata.Capability
	if name == "" {
		name = job.Capability
	}
	completed := q.now()
	metrics.QueueJobs.WithLabelValues("success").Inc()
	return chain.Result{
		ID:       newID(),
		TaskID:   job.TaskID,
		Status:   chain.ResultSuccess,
		Output:   resp.Text,
		Artifact: artifact,
		Metadata: chain.ResultMetadata{
			Capability:   name,
			Duration:     completed.Sub(started),
			InputTokens:  resp.Metadata.InputTokens,
			OutputTokens: resp.Metadata.OutputTokens,
			CompletedAt:  completed,
		},
	}, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
