// Package api exposes the engine over HTTP: rule management, event
// injection, fact access, audit queries, trace control, webhook
// registration, and the live SSE/websocket streams.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/engine"
	reflexerrors "github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/logging"
	"github.com/reflexhq/reflex/internal/stream"
	"github.com/reflexhq/reflex/internal/webhook"
)

// Options wires the router's collaborators. Engine is required; the
// rest are optional and their endpoints 404 when absent.
type Options struct {
	Engine      *engine.Engine
	Webhooks    *webhook.Fanout
	AuditStream *stream.SSEFanout
	TraceStream *stream.SSEFanout
	Hub         *stream.Hub
}

// Router is the HTTP surface over a running engine.
type Router struct {
	engine   *engine.Engine
	webhooks *webhook.Fanout
	auditSSE *stream.SSEFanout
	traceSSE *stream.SSEFanout
	hub      *stream.Hub
	mux      *http.ServeMux
}

// NewRouter builds the route table.
func NewRouter(opts Options) *Router {
	rt := &Router{
		engine:   opts.Engine,
		webhooks: opts.Webhooks,
		auditSSE: opts.AuditStream,
		traceSSE: opts.TraceStream,
		hub:      opts.Hub,
		mux:      http.NewServeMux(),
	}
	rt.routes()
	return rt
}

func (rt *Router) routes() {
	rt.mux.HandleFunc("GET /healthz", rt.handleHealth)
	rt.mux.HandleFunc("GET /api/stats", rt.handleStats)
	rt.mux.HandleFunc("GET /api/logs", rt.handleLogHistory)
	rt.mux.HandleFunc("PUT /api/logs/level", rt.handleSetLogLevel)
	rt.mux.HandleFunc("GET /api/stream/logs", rt.handleStreamLogs)

	rt.mux.HandleFunc("GET /api/rules", rt.handleListRules)
	rt.mux.HandleFunc("POST /api/rules", rt.handleRegisterRule)
	rt.mux.HandleFunc("GET /api/rules/export", rt.handleExportRules)
	rt.mux.HandleFunc("POST /api/rules/import", rt.handleImportRules)
	rt.mux.HandleFunc("GET /api/rules/{id}", rt.handleGetRule)
	rt.mux.HandleFunc("PUT /api/rules/{id}", rt.handleUpdateRule)
	rt.mux.HandleFunc("DELETE /api/rules/{id}", rt.handleUnregisterRule)
	rt.mux.HandleFunc("POST /api/rules/{id}/enable", rt.handleEnableRule)
	rt.mux.HandleFunc("POST /api/rules/{id}/disable", rt.handleDisableRule)

	rt.mux.HandleFunc("POST /api/events", rt.handleEmitEvent)

	rt.mux.HandleFunc("GET /api/facts", rt.handleMatchFacts)
	rt.mux.HandleFunc("GET /api/facts/{key}", rt.handleGetFact)
	rt.mux.HandleFunc("PUT /api/facts/{key}", rt.handleSetFact)
	rt.mux.HandleFunc("DELETE /api/facts/{key}", rt.handleDeleteFact)

	rt.mux.HandleFunc("GET /api/timers", rt.handleListTimers)
	rt.mux.HandleFunc("DELETE /api/timers/{name}", rt.handleCancelTimer)

	rt.mux.HandleFunc("GET /api/audit", rt.handleQueryAudit)
	rt.mux.HandleFunc("GET /api/audit/export", rt.handleExportAudit)

	rt.mux.HandleFunc("GET /api/trace", rt.handleQueryTrace)
	rt.mux.HandleFunc("POST /api/trace/enable", rt.handleEnableTrace)
	rt.mux.HandleFunc("POST /api/trace/disable", rt.handleDisableTrace)
	rt.mux.HandleFunc("DELETE /api/trace", rt.handleClearTrace)

	rt.mux.HandleFunc("GET /api/webhooks", rt.handleListWebhooks)
	rt.mux.HandleFunc("POST /api/webhooks", rt.handleRegisterWebhook)
	rt.mux.HandleFunc("DELETE /api/webhooks/{id}", rt.handleUnregisterWebhook)

	if rt.auditSSE != nil {
		rt.mux.Handle("GET /api/stream/audit", rt.auditSSE)
	}
	if rt.traceSSE != nil {
		rt.mux.Handle("GET /api/stream/trace", rt.traceSSE)
	}
	if rt.hub != nil {
		rt.mux.Handle("GET /ws", rt.hub)
	}
}

// ServeHTTP implements http.Handler. A client-supplied X-Correlation-ID
// header is normalized onto the request context and echoed back so handlers
// can join the caller's correlation chain.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if header := r.Header.Get("X-Correlation-ID"); header != "" {
		ctx, correlationID := logging.WithCorrelationID(r.Context(), header)
		w.Header().Set("X-Correlation-ID", correlationID)
		r = r.WithContext(ctx)
	}
	rt.mux.ServeHTTP(w, r)
}

type errorBody struct {
	Error  string               `json:"error"`
	Issues []reflexerrors.Issue `json:"issues,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}

	var verr *reflexerrors.ValidationError
	if errors.As(err, &verr) {
		body.Issues = verr.Issues
		writeJSON(w, http.StatusBadRequest, body)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reflexerrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, reflexerrors.ErrDuplicateRuleID):
		status = http.StatusConflict
	case errors.Is(err, reflexerrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, reflexerrors.ErrEngineStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
