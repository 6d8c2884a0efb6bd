package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/guardrail/internal/agent"
	"github.com/dativo-io/guardrail/internal/audit"
	"github.com/dativo-io/guardrail/internal/pipeline"
)

const maxAuditLimit = 500

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// serverError logs err, reports it to Sentry and writes a 5xx.
func serverError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	reqID := middleware.GetReqID(r.Context())
	log.Error().Err(err).Str("request_id", reqID).Str("path", r.URL.Path).Msg("request_failed")
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("request_id", reqID)
		scope.SetTag("route", chi.RouteContext(r.Context()).RoutePattern())
	})
	hub.CaptureException(err)
	writeError(w, status, code, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"sessions": s.sessions.Len(),
		"audit":    s.auditStore != nil,
	}
	if s.tools != nil {
		resp["tools"] = len(s.tools.List())
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsed       time.Time `json:"last_used"`
	Turns          int       `json:"turns"`
	VaultEntries   int       `json:"vault_entries"`
	InputScanners  []string  `json:"input_scanners"`
	OutputScanners []string  `json:"output_scanners"`
}

func describeSession(sess *agent.Session) sessionResponse {
	return sessionResponse{
		SessionID:      sess.ID,
		CreatedAt:      sess.Created,
		LastUsed:       sess.LastUsed(),
		Turns:          len(sess.Conversation()),
		VaultEntries:   sess.Vault.Len(),
		InputScanners:  sess.Input.IDs(),
		OutputScanners: sess.Output.IDs(),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(CallerFromContext(r.Context()))
	if errors.Is(err, ErrSessionLimit) {
		writeError(w, http.StatusServiceUnavailable, "session_limit", err.Error())
		return
	}
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	log.Info().Str("session_id", sess.ID).Str("caller", CallerFromContext(r.Context())).Msg("session_created")
	writeJSON(w, http.StatusCreated, describeSession(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"), CallerFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, describeSession(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.Delete(id, CallerFromContext(r.Context())) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("session not found: %s", id))
		return
	}
	log.Info().Str("session_id", id).Msg("session_deleted")
	w.WriteHeader(http.StatusNoContent)
}

type turnRequest struct {
	Input string `json:"input"`
}

type turnResponse struct {
	SessionID     string             `json:"session_id"`
	CorrelationID string             `json:"correlation_id"`
	State         agent.State        `json:"state"`
	Output        string             `json:"output,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Scores        map[string]float64 `json:"scores"`
	Tools         []agent.ToolRecord `json:"tools,omitempty"`
	ToolRounds    int                `json:"tool_rounds"`
	Transitions   []agent.State      `json:"transitions"`
	DurationMS    int64              `json:"duration_ms"`
}

func decodeTurn(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return "", false
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return "", false
	}
	return req.Input, true
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"), CallerFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	input, ok := decodeTurn(w, r)
	if !ok {
		return
	}
	s.runTurn(w, r, sess, input)
}

// handleRun is a single-shot turn on a throwaway session.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeTurn(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Factory().New()
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	s.runTurn(w, r, sess, input)
}

func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, sess *agent.Session, input string) {
	out, err := s.orch.Run(r.Context(), sess, input)
	if out == nil {
		serverError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	resp := turnResponse{
		SessionID:     out.SessionID,
		CorrelationID: out.CorrelationID,
		State:         out.State,
		Output:        out.Output,
		Scores:        out.Scores(),
		Tools:         out.Tools,
		ToolRounds:    out.ToolRounds,
		Transitions:   out.Transitions,
		DurationMS:    out.Duration.Milliseconds(),
	}
	if out.Err != nil {
		resp.Reason = out.Err.Error()
	}

	status := statusFor(out)
	if status >= http.StatusInternalServerError && !errors.Is(err, agent.ErrCancelled) {
		hub := sentry.CurrentHub().Clone()
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("session_id", out.SessionID)
			scope.SetTag("correlation_id", out.CorrelationID)
		})
		hub.CaptureException(err)
	}
	writeJSON(w, status, resp)
}

// statusFor maps a turn's terminal state to an HTTP status.
func statusFor(out *agent.Outcome) int {
	switch out.State {
	case agent.StateDone:
		return http.StatusOK
	case agent.StateRejected:
		return http.StatusUnprocessableEntity
	}
	switch {
	case errors.Is(out.Err, agent.ErrBackendTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(out.Err, agent.ErrCircuitOpen), errors.Is(out.Err, agent.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(out.Err, agent.ErrBackendUnavailable), errors.Is(out.Err, agent.ErrToolLoopExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type scanRequest struct {
	Text      string `json:"text"`
	Prompt    string `json:"prompt"`
	Stage     string `json:"stage"`
	SessionID string `json:"session_id"`
}

type scanResponse struct {
	Stage      string             `json:"stage"`
	Valid      bool               `json:"valid"`
	Sanitized  string             `json:"sanitized,omitempty"`
	Scores     map[string]float64 `json:"scores"`
	Failed     []string           `json:"failed,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

// handleScan runs one pipeline without a model call. With session_id the
// caller's own session vault is used. An output scan against a session is
// judged against that session's last completed exchange, so it restores
// only placeholders the model was actually shown; the request's prompt is
// ignored. Sanitized text is withheld when the result is invalid.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Stage == "" {
		req.Stage = "input"
	}
	if req.Stage != "input" && req.Stage != "output" {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("stage must be input or output, got %q", req.Stage))
		return
	}

	var sess *agent.Session
	var err error
	if req.SessionID != "" {
		sess, err = s.sessions.Get(req.SessionID, CallerFromContext(r.Context()))
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
	} else if sess, err = s.sessions.Factory().New(); err != nil {
		serverError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}

	p, prompt := sess.Input, req.Prompt
	if req.Stage == "output" {
		p = sess.Output
		if req.SessionID != "" {
			prompt = sess.LastExchange()
		}
	}
	res, err := p.Run(r.Context(), req.Text, prompt)
	if errors.Is(err, pipeline.ErrCancelled) {
		writeError(w, http.StatusServiceUnavailable, "cancelled", err.Error())
		return
	}
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	resp := scanResponse{
		Stage:      req.Stage,
		Valid:      res.IsValid(),
		Scores:     res.Scores,
		Failed:     res.FailedScanners(),
		Warnings:   res.Warnings(),
		DurationMS: res.Duration.Milliseconds(),
	}
	if resp.Valid {
		resp.Sanitized = res.Sanitized
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.tools == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"tools": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.tools.Definitions()})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	var from time.Time
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
			return
		}
		from = t
	}
	reports, err := s.auditStore.List(r.Context(), audit.Query{SessionID: q.Get("session_id"), State: q.Get("state"), Since: from, Limit: limit})
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	if reports == nil {
		reports = []audit.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports, "count": len(reports)})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	rep, err := s.auditStore.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.auditStore.Verify(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		serverError(w, r, http.StatusInternalServerError, "internal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": ok})
}
