package domain

import "time"

// Operation identifies the kind of work a request performs.
type Operation string

const (
	OperationCompletion Operation = "completion"
	OperationEmbedding  Operation = "embedding"
	OperationStream     Operation = "stream"
)

// PriorityHint declares what the caller cares about most when routing.
type PriorityHint string

const (
	HintFast     PriorityHint = "fast"
	HintBalanced PriorityHint = "balanced"
	HintPowerful PriorityHint = "powerful"
	HintCost     PriorityHint = "cost"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// RoutingContext is the declared intent used to rank candidate providers.
// It is read-only input to the router and never persisted.
type RoutingContext struct {
	Operation     Operation    `json:"operation,omitempty"`
	ModelTier     string       `json:"model_tier,omitempty"`
	TaskType      string       `json:"task_type,omitempty"`
	Complexity    string       `json:"complexity,omitempty"` // low, medium, high
	PriorityHint  PriorityHint `json:"priority_hint,omitempty"`
	BudgetCeiling float64      `json:"budget_ceiling,omitempty"` // USD per request, 0 = unconstrained
	QualityFloor  float64      `json:"quality_floor,omitempty"`  // 0-1, 0 = unconstrained
}

// CompletionRequest represents a unified LLM request.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Routing     RoutingContext    `json:"routing,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CompletionResponse represents a unified LLM response.
type CompletionResponse struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Content      string    `json:"content"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        Usage     `json:"usage"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
	FinishTime   time.Time `json:"finish_time"`
}

// EmbeddingRequest represents a unified embedding request.
type EmbeddingRequest struct {
	Model   string         `json:"model"`
	Input   []string       `json:"input"`
	Routing RoutingContext `json:"routing,omitempty"`
}

// EmbeddingResponse represents a unified embedding response.
type EmbeddingResponse struct {
	Model      string      `json:"model"`
	Provider   string      `json:"provider"`
	Embeddings [][]float64 `json:"embeddings"`
	Usage      Usage       `json:"usage"`
	LatencyMs  int64       `json:"latency_ms,omitempty"`
}

// StreamChunk represents a single streaming response chunk.
type StreamChunk struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
	Error error  `json:"error,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// Capabilities declares which operations an adapter supports.
// Optional features are declared here rather than probed at runtime.
type Capabilities struct {
	Completions bool `json:"completions"`
	Embeddings  bool `json:"embeddings"`
	Streaming   bool `json:"streaming"`
	JSONMode    bool `json:"json_mode"`
}

// ProviderConfig controls how a registered provider participates in routing.
type ProviderConfig struct {
	Enabled               bool          `json:"enabled"`
	Priority              int           `json:"priority"` // higher = preferred
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
	HealthCheckInterval   time.Duration `json:"health_check_interval"` // 0 = no background probing
	CostMultiplier        float64       `json:"cost_multiplier"`
	QualityRating         float64       `json:"quality_rating"` // 0-1, used by the router's quality sub-score
}

// ProviderStatus is a point-in-time snapshot of a registered provider.
type ProviderStatus struct {
	Name            string    `json:"name"`
	Enabled         bool      `json:"enabled"`
	Healthy         bool      `json:"healthy"`
	Priority        int       `json:"priority"`
	ErrorCount      int       `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	InFlight        int       `json:"in_flight"`
}

// BreakerState is the circuit breaker state for one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerStatus is a point-in-time snapshot of one provider's circuit.
type BreakerStatus struct {
	Provider            string       `json:"provider"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	NextRetryAt         time.Time    `json:"next_retry_at,omitempty"`
}

// RoutingDecision is the router's ranked answer for one request.
// It is produced per request and discarded after use.
type RoutingDecision struct {
	Provider      string   `json:"provider"`
	Fallbacks     []string `json:"fallbacks"`
	EstimatedCost float64  `json:"estimated_cost"`
	Confidence    float64  `json:"confidence"`
}

// Candidates returns the full ordered attempt list, selected provider first.
func (d *RoutingDecision) Candidates() []string {
	candidates := make([]string, 0, len(d.Fallbacks)+1)
	candidates = append(candidates, d.Provider)
	candidates = append(candidates, d.Fallbacks...)
	return candidates
}

// Metric is one ring-buffer entry recorded after every provider attempt.
type Metric struct {
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	Operation        Operation     `json:"operation"`
	Latency          time.Duration `json:"latency"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Cost             float64       `json:"cost"`
	Success          bool          `json:"success"`
	Error            string        `json:"error,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// MetricsSummary aggregates the metrics ring buffer.
type MetricsSummary struct {
	TotalRequests  int           `json:"total_requests"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	P95Latency     time.Duration `json:"p95_latency"`
	P99Latency     time.Duration `json:"p99_latency"`
	TotalCost      float64       `json:"total_cost"`
}

// ProviderStats summarizes recent observed behavior of one provider.
// The router consumes these to compute latency and success-rate sub-scores.
type ProviderStats struct {
	Samples        int           `json:"samples"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
}

// HealthState is the gateway-wide health classification.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthReport is the answer to a gateway health check.
type HealthReport struct {
	Status    HealthState               `json:"status"`
	Providers map[string]ProviderStatus `json:"providers"`
}
