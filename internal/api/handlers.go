package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/reflexhq/reflex/internal/audit"
	reflexerrors "github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/logging"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/webhook"
)

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) handleStats(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"engine": rt.engine.Stats(),
	}
	if rt.webhooks != nil {
		body["webhooks"] = rt.webhooks.Stats()
	}
	streams := map[string]interface{}{}
	if rt.auditSSE != nil {
		streams["audit"] = rt.auditSSE.Stats()
	}
	if rt.traceSSE != nil {
		streams["trace"] = rt.traceSSE.Stats()
	}
	if rt.hub != nil {
		streams["wsClients"] = rt.hub.ClientCount()
	}
	if len(streams) > 0 {
		body["streams"] = streams
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt *Router) handleLogHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lines": logging.GetBroadcaster().GetHistory(),
	})
}

func (rt *Router) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "decode_log_level", err))
		return
	}
	logging.SetGlobalLevel(body.Level)
	writeJSON(w, http.StatusOK, map[string]string{"level": body.Level})
}

// handleStreamLogs replays the buffered log history and then streams live
// log lines over SSE until the client disconnects.
func (rt *Router) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	broadcaster := logging.GetBroadcaster()
	id, lines, history := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(id)

	writeLine := func(line string) bool {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", strings.TrimRight(line, "\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	for _, line := range history {
		if !writeLine(line) {
			return
		}
	}
	for {
		select {
		case line, open := <-lines:
			if !open || !writeLine(line) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- Rules ---

func (rt *Router) handleListRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rt.engine.ListRules()})
}

func (rt *Router) handleRegisterRule(w http.ResponseWriter, r *http.Request) {
	var input model.RuleInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "decode_rule", err))
		return
	}
	rule, err := rt.engine.RegisterRule(input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (rt *Router) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := rt.engine.GetRule(r.PathValue("id"))
	if !ok {
		writeError(w, fmt.Errorf("rule %q: %w", r.PathValue("id"), reflexerrors.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (rt *Router) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var input model.RuleInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "decode_rule", err))
		return
	}
	input.ID = r.PathValue("id")
	rule, err := rt.engine.UpdateRule(input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (rt *Router) handleUnregisterRule(w http.ResponseWriter, r *http.Request) {
	if !rt.engine.UnregisterRule(r.PathValue("id")) {
		writeError(w, fmt.Errorf("rule %q: %w", r.PathValue("id"), reflexerrors.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	rule, err := rt.engine.EnableRule(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (rt *Router) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	rule, err := rt.engine.DisableRule(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (rt *Router) handleImportRules(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&raw); err != nil {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "decode_rules", err))
		return
	}

	// Accept either a bare array or a {"rules": [...]} wrapper.
	var inputs []model.RuleInput
	if err := json.Unmarshal(raw, &inputs); err != nil {
		var wrapper struct {
			Rules []model.RuleInput `json:"rules"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			writeError(w, reflexerrors.New(reflexerrors.KindValidation, "decode_rules", err))
			return
		}
		inputs = wrapper.Rules
	}

	applied, err := rt.engine.ImportRules(inputs)
	body := map[string]interface{}{
		"applied": applied,
		"failed":  len(inputs) - applied,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt *Router) handleExportRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rt.engine.ExportRules()})
}

// --- Events ---

type emitRequest struct {
	Topic         string                 `json:"topic"`
	Data          map[string]interface{} `json:"data,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Wait          bool                   `json:"wait,omitempty"`
}

func (rt *Router) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "decode_event", err))
		return
	}
	if req.Topic == "" {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "emit",
			fmt.Errorf("topic is required: %w", reflexerrors.ErrInvalidInput)))
		return
	}
	if req.CorrelationID == "" {
		// A request-level correlation id (X-Correlation-ID header) joins the
		// emitted event to the caller's chain.
		req.CorrelationID = logging.CorrelationIDFrom(r.Context())
	}

	var (
		event model.Event
		err   error
	)
	switch {
	case req.Wait && req.CorrelationID == "":
		event, err = rt.engine.EmitAndWait(req.Topic, req.Data)
	case req.CorrelationID != "":
		event, err = rt.engine.EmitCorrelated(req.Topic, req.Data, req.CorrelationID)
	default:
		event, err = rt.engine.Emit(req.Topic, req.Data)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

// --- Facts ---

func (rt *Router) handleMatchFacts(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"facts": rt.engine.MatchFacts(pattern)})
}

func (rt *Router) handleGetFact(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok := rt.engine.GetFact(key)
	if !ok {
		writeError(w, fmt.Errorf("fact %q: %w", key, reflexerrors.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": value})
}

func (rt *Router) handleSetFact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value interface{} `json:"value"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "decode_fact", err))
		return
	}
	key := r.PathValue("key")
	if err := rt.engine.SetFactAndWait(key, body.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": body.Value})
}

func (rt *Router) handleDeleteFact(w http.ResponseWriter, r *http.Request) {
	if err := rt.engine.DeleteFact(r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Timers ---

func (rt *Router) handleListTimers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"timers": rt.engine.ActiveTimers()})
}

func (rt *Router) handleCancelTimer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !rt.engine.CancelTimer(name) {
		writeError(w, fmt.Errorf("timer %q: %w", name, reflexerrors.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Audit ---

func auditFilterFromQuery(r *http.Request) audit.Filter {
	q := r.URL.Query()
	f := audit.Filter{
		Category:      audit.Category(q.Get("category")),
		Source:        q.Get("source"),
		RuleID:        q.Get("ruleId"),
		CorrelationID: q.Get("correlationId"),
	}
	if types, ok := q["type"]; ok {
		f.Types = types
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = ts
		}
	}
	if v := q.Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = ts
		}
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	return f
}

func (rt *Router) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.engine.Audit().Query(auditFilterFromQuery(r)))
}

func (rt *Router) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	filter := auditFilterFromQuery(r)
	if filter.Limit <= 0 {
		filter.Limit = rt.engine.Audit().Len()
	}
	entries := rt.engine.Audit().Query(filter).Entries

	switch r.URL.Query().Get("format") {
	case "csv":
		data, err := audit.ExportCSV(entries)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		w.Write(data)
	default:
		data, err := audit.ExportJSON(entries)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.json"`)
		w.Write(data)
	}
}

// --- Trace ---

func (rt *Router) handleQueryTrace(w http.ResponseWriter, r *http.Request) {
	trace := rt.engine.Trace()
	q := r.URL.Query()

	var entries []audit.TraceEntry
	switch {
	case q.Get("correlationId") != "":
		entries = trace.ByCorrelation(q.Get("correlationId"))
	case q.Get("ruleId") != "":
		entries = trace.ByRule(q.Get("ruleId"))
	default:
		entries = trace.All()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": trace.Enabled(),
		"entries": entries,
	})
}

func (rt *Router) handleEnableTrace(w http.ResponseWriter, _ *http.Request) {
	rt.engine.Trace().EnableTracing()
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (rt *Router) handleDisableTrace(w http.ResponseWriter, _ *http.Request) {
	rt.engine.Trace().DisableTracing()
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (rt *Router) handleClearTrace(w http.ResponseWriter, _ *http.Request) {
	rt.engine.Trace().Clear()
	w.WriteHeader(http.StatusNoContent)
}

// --- Webhooks ---

func (rt *Router) webhooksEnabled(w http.ResponseWriter) bool {
	if rt.webhooks == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "webhook delivery is not enabled"})
		return false
	}
	return true
}

// webhookRegistration is the create-request shape; unlike the stored
// registration, an omitted enabled flag defaults to true.
type webhookRegistration struct {
	URL      string            `json:"url"`
	Patterns []string          `json:"patterns,omitempty"`
	Secret   string            `json:"secret,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Timeout  model.Duration    `json:"timeout,omitempty"`
	Enabled  *bool             `json:"enabled,omitempty"`
}

func (reg webhookRegistration) toRegistration() webhook.Registration {
	enabled := true
	if reg.Enabled != nil {
		enabled = *reg.Enabled
	}
	return webhook.Registration{
		URL:      reg.URL,
		Patterns: reg.Patterns,
		Secret:   reg.Secret,
		Headers:  reg.Headers,
		Timeout:  reg.Timeout,
		Enabled:  enabled,
	}
}

func (rt *Router) handleListWebhooks(w http.ResponseWriter, _ *http.Request) {
	if !rt.webhooksEnabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": rt.webhooks.List()})
}

func (rt *Router) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	if !rt.webhooksEnabled(w) {
		return
	}
	var reg webhookRegistration
	if err := readJSON(r, &reg); err != nil {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "decode_webhook", err))
		return
	}
	created, err := rt.webhooks.Register(reg.toRegistration())
	if err != nil {
		writeError(w, reflexerrors.New(reflexerrors.KindValidation, "register_webhook", err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (rt *Router) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if !rt.webhooksEnabled(w) {
		return
	}
	if !rt.webhooks.Unregister(r.PathValue("id")) {
		writeError(w, fmt.Errorf("webhook %q: %w", r.PathValue("id"), reflexerrors.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
