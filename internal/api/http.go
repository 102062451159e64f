package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sgerhart/aegisflux/backend/triage/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/sgerhart/aegisflux/backend/triage/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/triage/internal/rules"
	"github.com/sgerhart/aegisflux/backend/triage/internal/store"
)

// ConnStatus reports transport connectivity; *nats.Conn satisfies it
type ConnStatus interface {
	IsConnected() bool
}

// HTTPAPI provides the operator endpoints of the triage service
type HTTPAPI struct {
	svc      *pipeline.Service
	weights  *rules.Scorer
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	conn     ConnStatus
	logger   *slog.Logger
	router   *chi.Mux
}

// NewHTTPAPI creates a new HTTP API instance. conn may be nil when the
// service runs without a transport.
func NewHTTPAPI(svc *pipeline.Service, weights *rules.Scorer, m *metrics.Metrics, gatherer prometheus.Gatherer, conn ConnStatus, logger *slog.Logger) *HTTPAPI {
	api := &HTTPAPI{
		svc:      svc,
		weights:  weights,
		metrics:  m,
		gatherer: gatherer,
		conn:     conn,
		logger:   logger,
		router:   chi.NewRouter(),
	}

	api.router.Use(middleware.RequestID)
	api.router.Use(middleware.Recoverer)
	api.routes()
	return api
}

func (api *HTTPAPI) routes() {
	api.router.Get("/healthz", api.handleHealth)
	api.router.Get("/readyz", api.handleReady)
	api.router.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))

	api.router.Get("/incidents", api.handleIncidents)
	api.router.Get("/incidents/{id}", api.handleIncident)
	api.router.Post("/incidents/{id}/resolve", api.handleResolve)

	api.router.Get("/stats", api.handleStats)
	api.router.Get("/stats/{source_id}", api.handleSourceStats)
	api.router.Get("/sources", api.handleSources)
	api.router.Get("/weights", api.handleWeights)
}

// Handler returns the root handler
func (api *HTTPAPI) Handler() http.Handler { return api.router }

// handleIncidents handles GET /incidents with optional query parameters
func (api *HTTPAPI) handleIncidents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := pipeline.IncidentFilter{SourceID: query.Get("source_id")}

	if status := query.Get("status"); status != "" {
		switch model.IncidentStatus(status) {
		case model.IncidentActive, model.IncidentResolved:
			filter.Status = model.IncidentStatus(status)
		default:
			api.writeError(w, http.StatusBadRequest, "status must be active or resolved")
			return
		}
	}
	if sev := query.Get("min_severity"); sev != "" {
		parsed, ok := model.ParseSeverity(sev)
		if !ok {
			api.writeError(w, http.StatusBadRequest, "unknown severity: "+sev)
			return
		}
		filter.MinSeverity = parsed
	}

	incidents := api.svc.Incidents(filter)

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			api.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		// Most recent incidents are at the end
		if limit < len(incidents) {
			incidents = incidents[len(incidents)-limit:]
		}
	}

	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
		"timestamp": time.Now().UTC(),
	})
}

// handleIncident handles GET /incidents/{id}
func (api *HTTPAPI) handleIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := api.incidentID(w, r)
	if !ok {
		return
	}

	inc, err := api.svc.Incident(id)
	if err != nil {
		api.writeStoreError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, inc)
}

// handleResolve handles POST /incidents/{id}/resolve
func (api *HTTPAPI) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := api.incidentID(w, r)
	if !ok {
		return
	}

	var request struct {
		ResolvedBy string `json:"resolved_by"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			api.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	inc, err := api.svc.Resolve(id, request.ResolvedBy)
	if err != nil {
		api.writeStoreError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, inc)
}

// handleStats handles GET /stats
func (api *HTTPAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"detection": api.svc.Stats(),
		"incidents": api.svc.StoreStats(),
		"buffers":   api.svc.BufferStats(),
		"timestamp": time.Now().UTC(),
	})
}

// handleSourceStats handles GET /stats/{source_id}
func (api *HTTPAPI) handleSourceStats(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"source_id": sourceID,
		"detection": api.svc.SourceStats(sourceID),
		"timestamp": time.Now().UTC(),
	})
}

// handleSources handles GET /sources
func (api *HTTPAPI) handleSources(w http.ResponseWriter, r *http.Request) {
	sources := api.svc.Sources()
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": sources,
		"count":   len(sources),
	})
}

// handleWeights handles GET /weights
func (api *HTTPAPI) handleWeights(w http.ResponseWriter, r *http.Request) {
	weights := api.weights.Weights()
	api.metrics.SetWeightsLoaded(len(weights))
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"weights": weights,
		"count":   len(weights),
	})
}

// handleHealth handles GET /healthz
func (api *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := api.svc.StoreStats()
	api.metrics.SetIncidentsInStore(stats.Active)

	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"stats":     stats,
	})
}

// handleReady handles GET /readyz
func (api *HTTPAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	natsConnected := api.conn != nil && api.conn.IsConnected()
	api.metrics.SetNatsConnected(natsConnected)

	weightsLoaded := len(api.weights.Weights())
	pipelineRunning := api.svc.Ready()

	ready := natsConnected && pipelineRunning && weightsLoaded > 0
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	api.writeJSON(w, statusCode, map[string]interface{}{
		"status":           status,
		"timestamp":        time.Now().UTC(),
		"nats_connected":   natsConnected,
		"pipeline_running": pipelineRunning,
		"weights_loaded":   weightsLoaded,
	})
}

func (api *HTTPAPI) incidentID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, "incident id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (api *HTTPAPI) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrIncidentNotFound):
		api.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyResolved):
		api.writeError(w, http.StatusConflict, err.Error())
	default:
		api.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (api *HTTPAPI) writeError(w http.ResponseWriter, status int, message string) {
	api.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}

func (api *HTTPAPI) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		api.logger.Error("Failed to encode response", "error", err)
	}
}
