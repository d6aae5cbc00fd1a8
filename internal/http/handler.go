// Package http exposes the gateway over a JSON HTTP API: completion,
// embedding, and streaming endpoints plus health, metrics, and operator
// endpoints for provider and circuit management.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
	"github.com/davidbz/kiln/internal/gateway"
	"github.com/davidbz/kiln/internal/observability"
)

// Handler handles HTTP requests.
type Handler struct {
	gateway *gateway.Service
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(gw *gateway.Service) *Handler {
	return &Handler{
		gateway: gw,
	}
}

// HandleCompletion processes completion requests.
func (h *Handler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	// Inject model into context for downstream logging.
	ctx = observability.WithModel(ctx, req.Model)

	logger := observability.FromContext(ctx)
	logger.Info("completion request received",
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
	)

	if req.Stream {
		h.handleStream(ctx, w, &req)
		return
	}

	response, err := h.gateway.Complete(ctx, &req)
	if err != nil {
		logger.Error("completion failed", zap.Error(err))
		writeError(w, err)
		return
	}

	logger.Info("completion succeeded",
		zap.String("provider", response.Provider),
		zap.Int("tokens", response.Usage.TotalTokens),
		zap.Float64("cost", response.Usage.Cost),
	)

	writeJSON(w, http.StatusOK, response)
}

// HandleEmbedding processes embedding requests.
func (h *Handler) HandleEmbedding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if len(req.Input) == 0 {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}

	ctx = observability.WithModel(ctx, req.Model)

	logger := observability.FromContext(ctx)
	logger.Info("embedding request received",
		zap.String("model", req.Model),
		zap.Int("inputs", len(req.Input)),
	)

	response, err := h.gateway.Embed(ctx, &req)
	if err != nil {
		logger.Error("embedding failed", zap.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleStream(ctx context.Context, w http.ResponseWriter, req *domain.CompletionRequest) {
	logger := observability.FromContext(ctx)
	logger.Info("stream request started")

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	chunks, err := h.gateway.Stream(ctx, req)
	if err != nil {
		logger.Error("stream failed", zap.Error(err))
		writeError(w, err)
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range chunks {
		if chunk.Error != nil {
			logger.Error("stream chunk error", zap.Error(chunk.Error))
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", chunk.Error.Error())
			flusher.Flush()
			return
		}

		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", string(data))
		flusher.Flush()

		if chunk.Done {
			logger.Info("stream completed")
			break
		}
	}
}

// HandleHealth answers the gateway health classification.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.gateway.HealthCheck(r.Context())

	status := http.StatusOK
	if report.Status == domain.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, report)
}

// HandleMetrics returns the aggregated metrics summary.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.Metrics())
}

// HandleClearMetrics empties the metrics buffer.
func (h *Handler) HandleClearMetrics(w http.ResponseWriter, _ *http.Request) {
	h.gateway.ClearMetrics()
	w.WriteHeader(http.StatusNoContent)
}

// HandleProviders lists every registered provider's status.
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	report := h.gateway.HealthCheck(r.Context())
	writeJSON(w, http.StatusOK, report.Providers)
}

// HandleProviderStatus returns one provider's status.
func (h *Handler) HandleProviderStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.gateway.ProviderStatus(r.Context(), r.PathValue("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleEnableProvider puts a provider back into rotation.
func (h *Handler) HandleEnableProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.EnableProvider(r.Context(), r.PathValue("name")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDisableProvider takes a provider out of rotation.
func (h *Handler) HandleDisableProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.DisableProvider(r.Context(), r.PathValue("name")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleResetProvider clears a provider's circuit.
func (h *Handler) HandleResetProvider(w http.ResponseWriter, r *http.Request) {
	if !h.gateway.ResetProvider(r.PathValue("name")) {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleForceBreaker applies an operator override to a provider's circuit.
func (h *Handler) HandleForceBreaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	known, err := h.gateway.ForceProviderState(r.PathValue("name"), body.State)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !known {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBreakers returns every tracked circuit.
func (h *Handler) HandleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.CircuitBreakerStatus())
}

// HandleConfiguration returns the current facade configuration.
func (h *Handler) HandleConfiguration(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.Configuration())
}

// HandleUpdateConfiguration applies a partial configuration update.
func (h *Handler) HandleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	var patch gateway.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, h.gateway.UpdateConfiguration(patch))
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the gateway error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway

	if errors.Is(err, domain.ErrNoProviders) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	switch domain.ClassifyErrorKind(err) {
	case domain.ErrValidation:
		status = http.StatusBadRequest
	case domain.ErrAuthentication:
		status = http.StatusUnauthorized
	case domain.ErrRateLimit, domain.ErrQuotaExceeded:
		status = http.StatusTooManyRequests
	case domain.ErrProviderUnavailable:
		status = http.StatusServiceUnavailable
	}

	http.Error(w, err.Error(), status)
}
