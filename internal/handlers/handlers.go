// Package handlers provides the HTTP API for page runs, sessions and rules.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/pagepilot/internal/browser"
	"github.com/Rorqualx/pagepilot/internal/config"
	"github.com/Rorqualx/pagepilot/internal/metrics"
	"github.com/Rorqualx/pagepilot/internal/rules"
	"github.com/Rorqualx/pagepilot/internal/runner"
	"github.com/Rorqualx/pagepilot/internal/scripts"
	"github.com/Rorqualx/pagepilot/internal/security"
	"github.com/Rorqualx/pagepilot/internal/session"
	"github.com/Rorqualx/pagepilot/internal/stats"
	"github.com/Rorqualx/pagepilot/internal/types"
	"github.com/Rorqualx/pagepilot/pkg/version"
)

// maxBodySize leaves room for an offline document plus the envelope.
const maxBodySize = types.MaxHTMLLength + 64<<10

// Handler serves the command API.
type Handler struct {
	pool     *browser.Pool
	runner   *runner.Runner
	sessions *session.Manager
	rules    *rules.Manager
	stats    *stats.Manager
	config   *config.Config
}

// New creates a Handler. pool may be nil when only offline runs are served,
// and st may be nil to skip per-host statistics.
func New(pool *browser.Pool, run *runner.Runner, sessions *session.Manager, rm *rules.Manager, st *stats.Manager, cfg *config.Config) *Handler {
	return &Handler{
		pool:     pool,
		runner:   run,
		sessions: sessions,
		rules:    rm,
		stats:    st,
		config:   cfg,
	}
}

// ServeHTTP routes by path. POST / and POST /v1 accept commands.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleHealth(w, r)
	case "/", "/v1":
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleAPI(w, r)
	default:
		h.HandleNotFound(w, r)
	}
}

// HandleAPI decodes a command envelope and dispatches it.
func (h *Handler) HandleAPI(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, "Failed to read request", startTime)
		return
	}

	var req types.Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeError(w, "Invalid JSON request", startTime)
		return
	}

	log.Info().
		Str("cmd", req.Cmd).
		Str("url", security.RedactURL(req.URL)).
		Str("session", req.Session).
		Bool("offline", req.HTML != "").
		Msg("Request received")

	status := h.routeCommand(w, r.Context(), &req, startTime)
	metrics.RecordRequest(req.Cmd, status, time.Since(startTime))
}

// HandleHealth reports readiness with pool and session counts.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	resp := HealthResponse{
		Response: types.Response{
			Status:    types.StatusOK,
			Message:   "pagepilot is ready",
			StartTime: startTime.UnixMilli(),
			Version:   version.Full(),
		},
	}
	if h.pool != nil {
		resp.Pool = &PoolHealth{Size: h.pool.Size(), Available: h.pool.Available(), Stats: h.pool.Stats()}
	}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Count()
	}
	resp.EndTime = time.Now().UnixMilli()
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// HealthResponse extends the envelope with capacity figures.
type HealthResponse struct {
	types.Response
	Pool     *PoolHealth `json:"pool,omitempty"`
	Sessions int         `json:"activeSessions"`
}

// PoolHealth describes the browser pool.
type PoolHealth struct {
	Size      int                       `json:"size"`
	Available int                       `json:"available"`
	Stats     browser.PoolStatsSnapshot `json:"stats"`
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", time.Now())
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", time.Now())
}

func (h *Handler) handlePageRun(w http.ResponseWriter, ctx context.Context, req *types.Request, startTime time.Time) string {
	opts := &runner.Options{
		URL:          req.URL,
		Timeout:      time.Duration(req.MaxTimeout) * time.Millisecond,
		Scripts:      req.Scripts,
		Cookies:      req.Cookies,
		DisableMedia: req.DisableMedia,
		ReturnHTML:   req.ReturnHTML,
		Sink:         logSink(req.Session),
	}

	var (
		result *types.Result
		err    error
	)
	switch {
	case req.HTML != "":
		result, err = h.runner.RunOffline(ctx, req.HTML, req.Path, opts)
	case req.Session != "":
		result, err = h.runOnSession(ctx, req.Session, opts)
	default:
		result, err = h.runner.Run(ctx, opts)
	}
	h.recordStats(req.URL, startTime, result, err)

	if err != nil {
		log.Error().Err(err).Str("url", security.RedactURL(req.URL)).Msg("Page run failed")
		return h.writeError(w, errorMessage(err), startTime)
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   summarize(result.Outcomes),
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Result:    result,
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
	return types.StatusOK
}

func (h *Handler) runOnSession(ctx context.Context, id string, opts *runner.Options) (*types.Result, error) {
	if h.sessions == nil {
		return nil, types.ErrSessionNotFound
	}
	s, err := h.sessions.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer s.Release()
	return h.runner.RunOnPage(ctx, s.Page, opts)
}

func (h *Handler) handleSessionCreate(w http.ResponseWriter, ctx context.Context, req *types.Request, startTime time.Time) string {
	id := req.Session
	if id == "" {
		id = security.GenerateSessionID()
	} else if err := security.ValidateSessionID(id); err != nil {
		return h.writeError(w, err.Error(), startTime)
	}

	if h.sessions == nil {
		return h.writeError(w, "Failed to create session: "+types.ErrBrowserPoolClosed.Error(), startTime)
	}
	if _, err := h.sessions.Create(ctx, id); err != nil {
		return h.writeError(w, "Failed to create session: "+err.Error(), startTime)
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Session created successfully",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Sessions:  []string{id},
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
	return types.StatusOK
}

func (h *Handler) handleSessionList(w http.ResponseWriter, startTime time.Time) string {
	sessions := []string{}
	if h.sessions != nil {
		sessions = h.sessions.List()
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Session list retrieved",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Sessions:  sessions,
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
	return types.StatusOK
}

func (h *Handler) handleSessionDestroy(w http.ResponseWriter, req *types.Request, startTime time.Time) string {
	if h.sessions == nil {
		return h.writeError(w, "Failed to destroy session: "+types.ErrSessionNotFound.Error(), startTime)
	}
	if err := h.sessions.Destroy(req.Session); err != nil {
		return h.writeError(w, "Failed to destroy session: "+err.Error(), startTime)
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Session destroyed successfully",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
	return types.StatusOK
}

func (h *Handler) handleRulesGet(w http.ResponseWriter, startTime time.Time) string {
	stats := h.rules.Stats()
	resp := types.Response{
		Status:     types.StatusOK,
		Message:    "Rules retrieved",
		StartTime:  startTime.UnixMilli(),
		EndTime:    time.Now().UnixMilli(),
		Version:    version.Full(),
		Rules:      h.rules.Get(),
		RulesStats: &stats,
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
	return types.StatusOK
}

func (h *Handler) handleRulesReload(w http.ResponseWriter, startTime time.Time) string {
	if err := h.rules.Reload(); err != nil {
		log.Warn().Err(err).Msg("Rules reload failed")
		return h.writeError(w, "Failed to reload rules: "+err.Error(), startTime)
	}
	return h.handleRulesGet(w, startTime)
}

func (h *Handler) recordStats(rawURL string, startTime time.Time, result *types.Result, err error) {
	if h.stats == nil {
		return
	}
	var outcomes []scripts.Outcome
	if result != nil {
		outcomes = result.Outcomes
	}
	h.stats.RecordRun(stats.HostOf(rawURL), time.Since(startTime), outcomes, err)
}

func (h *Handler) handleStatsGet(w http.ResponseWriter, req *types.Request, startTime time.Time) string {
	hosts := []stats.HostStatsJSON{}
	if h.stats != nil {
		if req.URL != "" {
			if s, ok := h.stats.Get(stats.HostOf(req.URL)); ok {
				hosts = append(hosts, s)
			}
		} else {
			hosts = h.stats.All()
		}
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Stats retrieved",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Stats:     hosts,
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
	return types.StatusOK
}

// logSink forwards automation progress to the debug log.
func logSink(sessionID string) scripts.Sink {
	return func(e scripts.Event) {
		log.Debug().
			Str("script", e.Script).
			Str("event", string(e.Kind)).
			Int("attempt", e.Attempt).
			Str("detail", e.Detail).
			Str("session", sessionID).
			Msg("Script event")
	}
}

// summarize builds the response message from the outcomes.
func summarize(outcomes []scripts.Outcome) string {
	var done int
	for _, o := range outcomes {
		switch o.Status {
		case scripts.StatusApplied, scripts.StatusUnchanged, scripts.StatusClicked:
			done++
		}
	}
	if done == 0 {
		return "Page run finished without changes"
	}
	return "Page run finished"
}

// errorMessage hides internal detail for pool failures.
func errorMessage(err error) string {
	var poolErr *types.PoolError
	if errors.As(err, &poolErr) {
		return poolErr.Message
	}
	return err.Error()
}

// writeError writes an error envelope with HTTP 200, as clients of the
// command API read the status field rather than the HTTP code.
func (h *Handler) writeError(w http.ResponseWriter, message string, startTime time.Time) string {
	h.writeErrorWithStatus(w, http.StatusOK, message, startTime)
	return types.StatusError
}

func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse encodes into a buffer first so an encoding failure never
// leaves a partial body behind.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, _ = w.Write(buf.Bytes())
}
