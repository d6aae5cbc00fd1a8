package domain

import "context"

// ProviderAdapter represents any AI backend behind the gateway.
// Adapters are supplied by the embedding application; the gateway treats
// them as opaque and reasons only through this contract.
type ProviderAdapter interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Embed generates vector embeddings for the given inputs.
	// Adapters whose Capabilities report Embeddings == false return a
	// provider configuration error.
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// Stream sends a completion request and returns a stream of chunks.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)

	// CheckHealth probes the backend. A nil return means reachable.
	CheckHealth(ctx context.Context) error

	// EstimateCost predicts the USD cost of serving the request.
	EstimateCost(req *CompletionRequest) float64

	// Name returns the stable provider identifier.
	Name() string

	// Capabilities declares which operations this adapter supports.
	Capabilities() Capabilities
}

// ProviderRegistry owns the set of configured adapters and their health bookkeeping.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, adapter ProviderAdapter, cfg ProviderConfig) error

	// Unregister removes a provider, reporting whether it existed.
	Unregister(ctx context.Context, name string) bool

	// Get retrieves a provider by name. It returns an error if the
	// provider is unknown, disabled, or currently unhealthy.
	Get(ctx context.Context, name string) (ProviderAdapter, error)

	// Adapter retrieves a provider regardless of its health, for callers
	// that gate availability elsewhere (the fallback executor).
	Adapter(ctx context.Context, name string) (ProviderAdapter, error)

	// Available lists enabled, healthy providers sorted by priority
	// descending, then by ascending error count.
	Available(ctx context.Context) []string

	// Enable re-enables a disabled provider.
	Enable(ctx context.Context, name string) error

	// Disable takes a provider out of rotation without unregistering it.
	Disable(ctx context.Context, name string) error

	// RecordError feeds a failure into the provider's rolling error counter.
	RecordError(ctx context.Context, name string, err error)

	// RecordSuccess decays the provider's rolling error counter.
	RecordSuccess(ctx context.Context, name string)

	// Status returns a snapshot of one provider.
	Status(ctx context.Context, name string) (*ProviderStatus, error)

	// AllStatuses returns snapshots of every registered provider.
	AllStatuses(ctx context.Context) map[string]ProviderStatus

	// Config returns the registered configuration for a provider.
	Config(ctx context.Context, name string) (ProviderConfig, bool)

	// BeginRequest reserves an in-flight slot, enforcing the provider's
	// concurrency cap. EndRequest releases it.
	BeginRequest(ctx context.Context, name string) error
	EndRequest(ctx context.Context, name string)

	// Close stops the background health-check loop.
	Close() error
}

// CircuitBreaker is the per-provider failure-isolation state machine.
type CircuitBreaker interface {
	// Allow reports whether a request may be sent to the provider.
	// When an open circuit's retry window has elapsed, Allow atomically
	// transitions it to half-open and admits exactly one probe.
	Allow(provider string) bool

	// RecordSuccess reports a successful call.
	RecordSuccess(provider string)

	// RecordFailure reports a failed call.
	RecordFailure(provider string)

	// Reset returns a provider to the closed state, reporting whether it was known.
	Reset(provider string) bool

	// ForceOpen trips the circuit for incident response. Failure counters
	// are left untouched so automatic recovery resumes cleanly.
	ForceOpen(provider string) bool

	// ForceClose clears a forced or tripped circuit.
	ForceClose(provider string) bool

	// Status returns one provider's circuit snapshot.
	Status(provider string) BreakerStatus

	// AllStatuses returns every tracked circuit.
	AllStatuses() map[string]BreakerStatus
}

// Router ranks eligible providers for a request.
type Router interface {
	// Route scores currently eligible providers against the routing
	// context and returns the selected provider plus ordered fallbacks.
	Route(ctx context.Context, rc *RoutingContext) (*RoutingDecision, error)
}

// StatsSource exposes recent per-provider latency and success observations.
type StatsSource interface {
	// ProviderStats returns recent stats for one provider. Zero samples
	// means the provider has not been observed yet.
	ProviderStats(provider string) ProviderStats
}

// MetricsSink receives a record after every provider attempt.
// Implementations must tolerate being slow or unavailable; the gateway
// calls them fire-and-forget and never blocks the request path.
type MetricsSink interface {
	Record(ctx context.Context, m Metric)
}

// QuotaChecker is consulted before a request touches any provider.
type QuotaChecker interface {
	// Check returns a quota-exceeded error if the request must be rejected.
	Check(ctx context.Context, op Operation, rc *RoutingContext) error
}

// StatusStore mirrors circuit and health state to an external store for
// cross-process visibility. Writes are asynchronous; the gateway never
// blocks a request waiting for them.
type StatusStore interface {
	PutProviderStatus(ctx context.Context, status ProviderStatus) error
	PutBreakerStatus(ctx context.Context, status BreakerStatus) error
	Close() error
}
