package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/events"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/phoenix"
	"github.com/ashita-ai/kansoku/internal/service/execution"
	"github.com/ashita-ai/kansoku/internal/studio"
)

// RunStarter kicks off a workflow run and returns its trace id.
type RunStarter interface {
	TestWorkflow(ctx context.Context, req studio.TestWorkflowRequest) (string, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	hub                 *execution.Hub
	traces              execution.TraceSource
	runs                RunStarter
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Runs, Broker.
type HandlersDeps struct {
	Hub                 *execution.Hub
	Traces              execution.TraceSource
	Runs                RunStarter
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		hub:                 d.Hub,
		traces:              d.Traces,
		runs:                d.Runs,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Sessions: h.hub.Len(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenSession handles POST /v1/sessions.
func (h *Handlers) HandleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req model.OpenSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.WorkflowID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "workflow_id is required")
		return
	}

	d, err := h.hub.Open(r.Context(), req.WorkflowID, req.TraceID)
	if err != nil {
		h.writeUpstreamError(w, r, "failed to open session", err)
		return
	}
	snap := d.Snapshot()
	h.publish(EventSessionOpened, d.Summary())
	writeJSON(w, r, http.StatusCreated, snap)
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.hub.List())
}

// HandleGetSession handles GET /v1/sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, d.Snapshot())
}

// HandleGetTopology handles GET /v1/sessions/{id}/topology.
func (h *Handlers) HandleGetTopology(w http.ResponseWriter, r *http.Request) {
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	topo := d.Topology()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"topology": topo,
		"nodes":    topo.Nodes(),
	})
}

// HandleCloseSession handles DELETE /v1/sessions/{id}.
func (h *Handlers) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.hub.Close(id); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found: "+id)
		return
	}
	h.publish(EventSessionClosed, map[string]string{"session_id": id})
	writeJSON(w, r, http.StatusOK, map[string]any{"session_id": id, "closed": true})
}

// HandleSetTrace handles PUT /v1/sessions/{id}/trace.
func (h *Handlers) HandleSetTrace(w http.ResponseWriter, r *http.Request) {
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	var req model.SetTraceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TraceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id is required")
		return
	}
	if err := d.SetTrace(r.Context(), req.TraceID); err != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	}
	h.publish(EventTraceChanged, d.Summary())
	writeJSON(w, r, http.StatusOK, d.Snapshot())
}

// HandleStartRun handles POST /v1/sessions/{id}/runs. It starts a run of the
// session's workflow and switches the session to the new trace.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "starting runs is not configured")
		return
	}
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	topo := d.Topology()
	history := req.ConversationTurns
	if history == nil && topo.Conversational {
		history = d.Snapshot().Transcript
	}
	if topo.Conversational && req.UserMessage == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_message is required for conversational workflows")
		return
	}

	var missing []string
	for _, name := range topo.Inputs() {
		if _, ok := req.Inputs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "missing inputs: "+strings.Join(missing, ", "))
		return
	}

	traceID, err := h.runs.TestWorkflow(r.Context(), studio.TestWorkflowRequest{
		WorkflowID:          topo.WorkflowID,
		Inputs:              req.Inputs,
		ToolUserParameters:  req.ToolUserParams,
		GenerationConfig:    req.GenerationConfig,
		ConversationHistory: history,
		UserInput:           req.UserMessage,
	})
	if err != nil {
		h.writeUpstreamError(w, r, "failed to start run", err)
		return
	}
	if err := d.SetTrace(r.Context(), traceID); err != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	}
	if req.UserMessage != "" {
		if _, err := d.PostMessage(req.UserMessage); err != nil {
			h.logger.Warn("failed to record user message", "session_id", r.PathValue("id"), "error", err)
		}
	}
	h.publish(EventTraceChanged, d.Summary())
	writeJSON(w, r, http.StatusAccepted, d.Snapshot())
}

// HandlePostMessage handles POST /v1/sessions/{id}/messages.
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	var req model.PostMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	snap, err := d.PostMessage(req.Content)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandlePlayback handles GET /v1/sessions/{id}/playback?index=N. Without an
// index the full sequence is replayed.
func (h *Handlers) HandlePlayback(w http.ResponseWriter, r *http.Request) {
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	index := len(d.Events())
	if v := r.URL.Query().Get("index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "index must be a non-negative integer")
			return
		}
		index = n
	}
	snap, err := d.Playback(index)
	if errors.Is(err, execution.ErrNoTrace) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "session has no trace")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "playback failed")
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleSessionEvents handles GET /v1/sessions/{id}/events.
func (h *Handlers) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	evs := d.Events()
	writeJSON(w, r, http.StatusOK, limitEvents(evs, queryLimit(r, len(evs))))
}

// HandleTraceEvents handles GET /v1/traces/{traceID}/events. It is a
// stateless fetch, classify and merge of one trace with no session.
func (h *Handlers) HandleTraceEvents(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("traceID")
	res, err := h.traces.FetchTraceDescendants(r.Context(), traceID)
	if err != nil {
		if phoenix.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found: "+traceID)
			return
		}
		h.writeUpstreamError(w, r, "failed to fetch trace", err)
		return
	}
	batch, err := events.ClassifyAll(res.Descendants)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, err.Error())
		return
	}
	evs := events.Merge(nil, batch)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"trace_id":   phoenix.NormalizeTraceID(traceID),
		"project_id": res.ProjectID,
		"events":     limitEvents(evs, queryLimit(r, len(evs))),
	})
}

// HandleSessionSubscribe handles GET /v1/sessions/{id}/subscribe (SSE). Each
// published snapshot is one "snapshot" event; a "closed" event is sent when
// the session goes away.
func (h *Handlers) HandleSessionSubscribe(w http.ResponseWriter, r *http.Request) {
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	flusher, ok := startSSE(w, r)
	if !ok {
		return
	}

	ch, unsubscribe := d.Subscribe()
	defer unsubscribe()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				_, _ = w.Write(formatSSE("closed", `{}`))
				flusher.Flush()
				return
			}
			event, err := snapshotSSE(snap)
			if err != nil {
				h.logger.Warn("sse: encode snapshot", "error", err)
				continue
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleSubscribe handles GET /v1/subscribe (SSE) for session lifecycle events.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}
	flusher, ok := startSSE(w, r)
	if !ok {
		return
	}

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --- Shared helpers ---

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*execution.Driver, bool) {
	id := r.PathValue("id")
	d, err := h.hub.Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found: "+id)
		return nil, false
	}
	return d, true
}

func (h *Handlers) publish(eventType string, v any) {
	if h.broker != nil {
		h.broker.Publish(eventType, v)
	}
}

// writeUpstreamError maps a collaborator failure to 404 or 502 and logs it.
func (h *Handlers) writeUpstreamError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if studio.IsNotFound(err) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, msg)
}

// startSSE writes the event-stream headers and lifts the write deadline for
// the long-lived connection.
func startSSE(w http.ResponseWriter, r *http.Request) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	return flusher, true
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 10_000

// queryLimit returns the limit query parameter clamped to [0, maxQueryLimit],
// or defaultVal when absent or malformed.
func queryLimit(r *http.Request, defaultVal int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return max(0, min(n, maxQueryLimit))
}

func limitEvents(evs []model.ExecutionEvent, limit int) []model.ExecutionEvent {
	if limit < len(evs) {
		return evs[:limit]
	}
	return evs
}
