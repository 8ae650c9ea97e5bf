package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/chainforge/internal/capability"
	"github.com/kingrea/chainforge/internal/chain"
)

func fastConfig() Config {
	return Config{
		MaxConcurrency:   2,
		TransportRetries: 2,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		JobTimeout:       time.Second,
	}
}

func TestSubmitNeverExceedsConcurrencyLimit(t *testing.T) {
	var current, peak atomic.Int64
	gen := capability.GeneratorFunc(func(ctx context.Context, prompt, capabilityID string) (capability.Response, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return capability.Response{Text: "ok"}, nil
	})
	q, err := New(gen, fastConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Submit(context.Background(), Job{ChainID: "c", TaskID: fmt.Sprintf("t%d", i), Prompt: "p"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, q.Active())
}

func TestSubmitRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	gen := capability.GeneratorFunc(func(ctx context.Context, prompt, capabilityID string) (capability.Response, error) {
		calls.Add(1)
		return capability.Response{}, fmt.Errorf("%w: connection refused", capability.ErrUnreachable)
	})
	q, err := New(gen, fastConfig())
	require.NoError(t, err)

	res, err := q.Submit(context.Background(), Job{ChainID: "c", TaskID: "t", Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportExhausted)
	assert.ErrorIs(t, err, capability.ErrUnreachable)
	assert.Equal(t, int32(3), calls.Load(), "first call plus two retries")
	assert.Equal(t, chain.ResultFailure, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestSubmitRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	gen := capability.GeneratorFunc(func(ctx context.Context, prompt, capabilityID string) (capability.Response, error) {
		if calls.Add(1) == 1 {
			return capability.Response{}, capability.ErrMalformedResponse
		}
		return capability.Response{Text: "```ts\nexport const x: number = 1;\n```", Metadata: capability.Metadata{Capability: "model-a", InputTokens: 3, OutputTokens: 4}}, nil
	})
	q, err := New(gen, fastConfig())
	require.NoError(t, err)

	res, err := q.Submit(context.Background(), Job{ChainID: "c", TaskID: "t", Prompt: "p", Capability: "model-a"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, chain.ResultSuccess, res.Status)
	assert.Equal(t, "t", res.TaskID)
	assert.Equal(t, "export const x: number = 1;", res.Artifact)
	assert.Equal(t, "model-a", res.Metadata.Capability)
	assert.Equal(t, 3, res.Metadata.InputTokens)
	assert.Equal(t, 4, res.Metadata.OutputTokens)
	assert.NotEmpty(t, res.ID)
}

func TestSubmitDoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("invalid request")
	gen := capability.GeneratorFunc(func(ctx context.Context, prompt, capabilityID string) (capability.Response, error) {
		calls.Add(1)
		return capability.Response{}, boom
	})
	q, err := New(gen, fastConfig())
	require.NoError(t, err)

	_, err = q.Submit(context.Background(), Job{TaskID: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTransportExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitTreatsEmptyResponseAsMalformed(t *testing.T) {
	var calls atomic.Int32
	gen := capability.GeneratorFunc(func(ctx context.Context, prompt, capabilityID string) (capability.Response, error) {
		calls.Add(1)
		return capability.Response{}, nil
	})
	q, err := New(gen, fastConfig())
	require.NoError(t, err)

	_, err = q.Submit(context.Background(), Job{TaskID: "t"})
	assert.ErrorIs(t, err, capability.ErrMalformedResponse)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitPerCallTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	gen := capability.GeneratorFunc(func(ctx context.Context, prompt, capabilityID string) (capability.Response, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return capability.Response{}, ctx.Err()
		}
		return capability.Response{Text: "done"}, nil
	})
	q, err := New(gen, fastConfig())
	require.NoError(t, err)

	res, err := q.Submit(context.Background(), Job{TaskID: "t", Timeout: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewRequiresGenerator(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultMaxConcurrency, cfg.MaxConcurrency)
	assert.Equal(t, DefaultTransportRetries, cfg.TransportRetries)
	assert.Equal(t, DefaultJobTimeout, cfg.JobTimeout)
	assert.Equal(t, 0, Config{TransportRetries: -1}.withDefaults().TransportRetries)
}
