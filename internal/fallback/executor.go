// Package fallback executes a routed request against the ranked candidate
// list, trying providers strictly in order under per-attempt timeouts and
// reporting every outcome to the circuit breaker and registry.
package fallback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultRetryDelay     = 200 * time.Millisecond
)

// Config contains fallback tuning.
type Config struct {
	// AttemptTimeout bounds each individual adapter call, independent of
	// the caller's overall deadline.
	AttemptTimeout time.Duration

	// RetryDelay is the fixed pause between attempts. It is only applied
	// when more candidates remain and the overall deadline permits.
	RetryDelay time.Duration
}

// DefaultConfig returns the standard fallback tuning.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: defaultAttemptTimeout,
		RetryDelay:     defaultRetryDelay,
	}
}

// CompletionOutcome is the aggregate result of a successful fallback chain.
type CompletionOutcome struct {
	Response     *domain.CompletionResponse
	Provider     string
	Attempts     int
	TotalLatency time.Duration
}

// EmbeddingOutcome is the embedding analogue of CompletionOutcome.
type EmbeddingOutcome struct {
	Response     *domain.EmbeddingResponse
	Provider     string
	Attempts     int
	TotalLatency time.Duration
}

// StreamOutcome carries an opened stream. Latency measures time to the
// first byte; once the stream has begun, failures propagate through the
// channel rather than triggering another provider.
type StreamOutcome struct {
	Chunks       <-chan domain.StreamChunk
	Provider     string
	Attempts     int
	TotalLatency time.Duration
}

// Executor walks a routing decision's candidate list.
type Executor struct {
	registry domain.ProviderRegistry
	breaker  domain.CircuitBreaker
	sink     domain.MetricsSink
	config   Config
	logger   *zap.Logger
}

// NewExecutor creates a fallback executor. The sink receives a metric for
// every attempt; pass nil to disable recording.
func NewExecutor(
	reg domain.ProviderRegistry,
	cb domain.CircuitBreaker,
	sink domain.MetricsSink,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		registry: reg,
		breaker:  cb,
		sink:     sink,
		config:   cfg,
		logger:   logger,
	}
}

// chain tracks the shared bookkeeping of one fallback sequence.
type chain struct {
	attempts     int
	totalLatency time.Duration
	failures     []domain.AttemptError
}

// Completion tries each candidate in order until one succeeds.
func (e *Executor) Completion(
	ctx context.Context,
	decision *domain.RoutingDecision,
	req *domain.CompletionRequest,
) (*CompletionOutcome, error) {
	var outcome *CompletionOutcome

	err := e.run(ctx, decision, req.Model, domain.OperationCompletion,
		func(attemptCtx context.Context, adapter domain.ProviderAdapter, c *chain) (domain.Usage, error) {
			start := time.Now()
			resp, err := adapter.Complete(attemptCtx, req)
			latency := time.Since(start)
			c.totalLatency += latency
			if err != nil {
				return domain.Usage{}, err
			}

			resp.LatencyMs = latency.Milliseconds()
			outcome = &CompletionOutcome{
				Response:     resp,
				Provider:     adapter.Name(),
				Attempts:     c.attempts,
				TotalLatency: c.totalLatency,
			}
			return resp.Usage, nil
		})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Embedding tries each candidate in order until one succeeds.
func (e *Executor) Embedding(
	ctx context.Context,
	decision *domain.RoutingDecision,
	req *domain.EmbeddingRequest,
) (*EmbeddingOutcome, error) {
	var outcome *EmbeddingOutcome

	err := e.run(ctx, decision, req.Model, domain.OperationEmbedding,
		func(attemptCtx context.Context, adapter domain.ProviderAdapter, c *chain) (domain.Usage, error) {
			start := time.Now()
			resp, err := adapter.Embed(attemptCtx, req)
			latency := time.Since(start)
			c.totalLatency += latency
			if err != nil {
				return domain.Usage{}, err
			}

			resp.LatencyMs = latency.Milliseconds()
			outcome = &EmbeddingOutcome{
				Response:     resp,
				Provider:     adapter.Name(),
				Attempts:     c.attempts,
				TotalLatency: c.totalLatency,
			}
			return resp.Usage, nil
		})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Stream tries each candidate until one produces its first chunk. A stream
// cannot be retried transparently once partial output has been yielded, so
// fallback stops at the first byte: from then on failures propagate to the
// caller instead of silently switching providers mid-stream.
func (e *Executor) Stream(
	ctx context.Context,
	decision *domain.RoutingDecision,
	req *domain.CompletionRequest,
) (*StreamOutcome, error) {
	var outcome *StreamOutcome

	// openStream applies the attempt timeout itself so a stream that has
	// produced output is never cancelled when the attempt window closes.
	err := e.run(ctx, decision, req.Model, domain.OperationStream,
		func(_ context.Context, adapter domain.ProviderAdapter, c *chain) (domain.Usage, error) {
			start := time.Now()
			chunks, err := e.openStream(ctx, adapter, req)
			latency := time.Since(start)
			c.totalLatency += latency
			if err != nil {
				return domain.Usage{}, err
			}

			outcome = &StreamOutcome{
				Chunks:       chunks,
				Provider:     adapter.Name(),
				Attempts:     c.attempts,
				TotalLatency: c.totalLatency,
			}
			return domain.Usage{}, nil
		})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// attemptFunc performs one adapter call and reports its usage on success.
type attemptFunc func(ctx context.Context, adapter domain.ProviderAdapter, c *chain) (domain.Usage, error)

// run walks the candidate list sequentially. Attempts are never hedged in
// parallel so cost and breaker bookkeeping stay unambiguous.
func (e *Executor) run(
	ctx context.Context,
	decision *domain.RoutingDecision,
	model string,
	op domain.Operation,
	attempt attemptFunc,
) error {
	if decision == nil {
		return domain.ErrNoProviders
	}

	candidates := decision.Candidates()
	if len(candidates) == 0 {
		return domain.ErrNoProviders
	}

	c := &chain{}

	for i, name := range candidates {
		// The overall deadline is checked before each attempt, not
		// mid-attempt; remaining candidates are skipped rather than
		// squeezed into an exceeded budget.
		if err := deadlineExceeded(ctx); err != nil {
			e.logger.Warn("fallback chain stopped by deadline",
				zap.String("provider", name),
				zap.Int("attempts", c.attempts))
			break
		}

		if !e.breaker.Allow(name) {
			c.failures = append(c.failures, domain.AttemptError{
				Provider: name,
				Err: domain.NewProviderError(domain.ErrProviderUnavailable, name,
					"skipped: circuit open", nil),
			})
			continue
		}

		if err := e.registry.BeginRequest(ctx, name); err != nil {
			c.failures = append(c.failures, domain.AttemptError{Provider: name, Err: err})
			continue
		}

		adapter, err := e.registry.Adapter(ctx, name)
		if err != nil {
			e.registry.EndRequest(ctx, name)
			c.failures = append(c.failures, domain.AttemptError{Provider: name, Err: err})
			continue
		}

		c.attempts++
		attemptCtx, cancel := e.attemptContext(ctx)
		attemptStart := time.Now()
		usage, err := attempt(attemptCtx, adapter, c)
		cancel()

		// Successful streams release their slot when the channel drains.
		if op != domain.OperationStream || err != nil {
			e.registry.EndRequest(ctx, name)
		}

		e.record(ctx, domain.Metric{
			Provider:         name,
			Model:            model,
			Operation:        op,
			Latency:          time.Since(attemptStart),
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			Cost:             usage.Cost,
			Success:          err == nil,
			Error:            errString(err),
			Timestamp:        time.Now(),
		})

		if err == nil {
			e.breaker.RecordSuccess(name)
			e.registry.RecordSuccess(ctx, name)
			return nil
		}

		e.breaker.RecordFailure(name)
		e.registry.RecordError(ctx, name, err)
		c.failures = append(c.failures, domain.AttemptError{Provider: name, Err: err})

		e.logger.Warn("provider attempt failed",
			zap.String("provider", name),
			zap.String("operation", string(op)),
			zap.Int("attempt", c.attempts),
			zap.Error(err))

		// Retrying a malformed request or bad credentials against a
		// different backend is pointless; surface those immediately.
		if !domain.IsRetryable(err) {
			return fmt.Errorf("non-retryable failure from %s: %w", name, err)
		}

		if i < len(candidates)-1 {
			if err := e.pause(ctx); err != nil {
				break
			}
		}
	}

	if len(c.failures) == 0 {
		if err := deadlineExceeded(ctx); err != nil {
			return err
		}
		return domain.ErrNoProviders
	}
	return &domain.FallbackExhaustedError{Attempts: c.failures}
}

// openStream starts a stream and waits for its first chunk so fallback can
// still engage on providers that fail before producing output. The attempt
// timeout bounds stream open plus the wait for that first chunk; the stream
// runs on its own cancelable context so a provider that hangs before
// producing output is abandoned, while a stream that has begun keeps the
// caller's deadline only.
func (e *Executor) openStream(
	ctx context.Context,
	adapter domain.ProviderAdapter,
	req *domain.CompletionRequest,
) (<-chan domain.StreamChunk, error) {
	name := adapter.Name()

	streamCtx, cancelStream := context.WithCancel(ctx)
	watchdog := time.AfterFunc(e.config.AttemptTimeout, cancelStream)

	fail := func(err error) (<-chan domain.StreamChunk, error) {
		watchdog.Stop()
		cancelStream()
		return nil, err
	}

	upstream, err := adapter.Stream(streamCtx, req)
	if err != nil {
		return fail(err)
	}

	timeoutErr := domain.NewProviderError(domain.ErrProviderUnavailable, name,
		"no output before the attempt timeout", context.DeadlineExceeded)

	var first domain.StreamChunk
	select {
	case chunk, ok := <-upstream:
		if !ok {
			return fail(domain.NewProviderError(domain.ErrProviderUnavailable, name,
				"stream closed before first chunk", nil))
		}
		if chunk.Error != nil {
			return fail(chunk.Error)
		}
		first = chunk
	case <-streamCtx.Done():
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(timeoutErr)
	}

	if !watchdog.Stop() {
		// The timeout fired while the first chunk was in flight. The
		// upstream context is already cancelled, so fail the attempt
		// before any output reaches the caller.
		cancelStream()
		return nil, timeoutErr
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		defer cancelStream()
		defer e.registry.EndRequest(context.Background(), name)

		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		if first.Done {
			return
		}

		for chunk := range upstream {
			if chunk.Error != nil {
				// Mid-stream failure: report it, propagate it, never
				// switch providers after output has been yielded.
				e.breaker.RecordFailure(name)
				e.registry.RecordError(context.Background(), name, chunk.Error)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return out, nil
}

// attemptContext bounds one attempt without extending the overall deadline.
func (e *Executor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.AttemptTimeout)
}

// pause sleeps the fixed inter-attempt delay, aborting early on cancellation.
func (e *Executor) pause(ctx context.Context) error {
	timer := time.NewTimer(e.config.RetryDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// record forwards one attempt metric to the sink, if configured.
func (e *Executor) record(ctx context.Context, m domain.Metric) {
	if e.sink == nil {
		return
	}
	e.sink.Record(ctx, m)
}

func deadlineExceeded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
