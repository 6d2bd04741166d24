// Package api is the HTTP transport for the autorun engine: the hook, poll and
// report endpoints used by hooked sessions, plus an authenticated admin API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/goautorun/internal/audit"
	"github.com/TimurManjosov/goautorun/internal/auth"
	"github.com/TimurManjosov/goautorun/internal/autorun"
	"github.com/TimurManjosov/goautorun/internal/rules"
	"github.com/TimurManjosov/goautorun/internal/scheduler"
	"github.com/TimurManjosov/goautorun/internal/session"
	"github.com/TimurManjosov/goautorun/internal/snapshot"
	"github.com/TimurManjosov/goautorun/internal/store"
	"github.com/TimurManjosov/goautorun/internal/telemetry"
)

const (
	maxBodyBytes          = 1 << 20
	defaultRateLimitPerIP = 600
	requestTimeout        = 5 * time.Second
)

// Options wires the optional collaborators of a Server.
type Options struct {
	Source         *snapshot.Source // rule reload; nil disables POST /api/autorun/rules/reload
	Auth           *auth.Authenticator
	History        store.Store // nil disables the history endpoints
	Audit          *audit.Service
	Logger         zerolog.Logger
	RateLimitPerIP int // requests per minute on the session endpoints
}

type Server struct {
	engine  *autorun.Engine
	source  *snapshot.Source
	auth    *auth.Authenticator
	history store.Store
	audit   *audit.Service
	logger  zerolog.Logger
	limit   int
}

func NewServer(engine *autorun.Engine, opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = auth.NewAuthenticator("")
	}
	if opts.RateLimitPerIP <= 0 {
		opts.RateLimitPerIP = defaultRateLimitPerIP
	}
	return &Server{
		engine:  engine,
		source:  opts.Source,
		auth:    opts.Auth,
		history: opts.History,
		audit:   opts.Audit,
		logger:  opts.Logger,
		limit:   opts.RateLimitPerIP,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(telemetry.Middleware)
	r.Use(middleware.Timeout(requestTimeout))

	// health
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// public: session handshake, polling and result reporting
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(s.limit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
				writeError(w, req, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			}),
		))
		r.Post("/hook", s.handleHook)
		r.Get("/poll/{session}", s.handlePoll)
		r.Post("/report/{session}", s.handleReport)
	})

	// admin (protected)
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(auth.RoleReadonly, s.deny))
			r.Get("/hooks", s.handleListHooks)
			r.Get("/hooks/{session}", s.handleGetHook)
			r.Get("/hooks/{session}/pending", s.handlePending)
			r.Get("/hooks/{session}/history", s.handleHistory)
			r.Get("/history", s.handleRecentSessions)
			r.Get("/autorun/rules", s.handleRules)
			r.Post("/autorun/match", s.handleMatch)
			r.Get("/autorun/executions", s.handleExecutions)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(auth.RoleAdmin, s.deny))
			r.Post("/hooks/{session}/expire", s.handleExpire)
			r.Delete("/hooks/{session}", s.handleDelete)
			r.Post("/autorun/rules/reload", s.handleReload)
		})
	})

	return r
}

// ---- session endpoints ----

type hookResponse struct {
	Session    string   `json:"session"`
	Executions []string `json:"executions"`
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var fp rules.Fingerprint
	if !s.decode(w, r, &fp) {
		return
	}
	if err := fp.Validate(); err != nil {
		BadRequestError(w, r, ErrCodeInvalidFingerprint, err.Error())
		return
	}

	id, xs, err := s.engine.Hook(r.Context(), fp)
	if id == "" {
		FaultError(w, r, err)
		return
	}
	if err != nil {
		// the session exists; autorun just could not start for all rules
		s.logger.Warn().Err(err).Str("session", id).Msg("autorun trigger incomplete")
	}

	resp := hookResponse{Session: id, Executions: make([]string, 0, len(xs))}
	for _, x := range xs {
		resp.Executions = append(resp.Executions, x.ID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type pollCommand struct {
	ID      string         `json:"id"`
	Module  string         `json:"module"`
	Options map[string]any `json:"options"`
}

type pollResponse struct {
	Commands []pollCommand `json:"commands"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.engine.Poll(chi.URLParam(r, "session"))
	if err != nil {
		FaultError(w, r, err)
		return
	}
	resp := pollResponse{Commands: make([]pollCommand, 0, len(cmds))}
	for _, c := range cmds {
		opts := c.Options
		if opts == nil {
			opts = map[string]any{}
		}
		resp.Commands = append(resp.Commands, pollCommand{ID: c.ID, Module: c.Module, Options: opts})
	}
	writeJSON(w, http.StatusOK, resp)
}

type reportRequest struct {
	Step    string `json:"step"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
}

type reportResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Step == "" {
		ValidationError(w, r, "Validation failed", map[string]string{"step": "command id is required"})
		return
	}
	accepted, err := s.engine.Report(chi.URLParam(r, "session"), req.Step, req.Success, req.Data)
	if err != nil {
		FaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{Accepted: accepted})
}

// ---- admin endpoints ----

type hookedBrowsers struct {
	Online  map[string]session.Info `json:"online"`
	Offline map[string]session.Info `json:"offline"`
}

func (s *Server) handleListHooks(w http.ResponseWriter, _ *http.Request) {
	reg := s.engine.Sessions()
	hb := hookedBrowsers{Online: map[string]session.Info{}, Offline: map[string]session.Info{}}
	for _, info := range reg.Live() {
		hb.Online[info.ID] = info
	}
	for _, info := range reg.Offline() {
		hb.Offline[info.ID] = info
	}
	writeJSON(w, http.StatusOK, map[string]hookedBrowsers{"hooked-browsers": hb})
}

func (s *Server) handleGetHook(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Sessions().Get(chi.URLParam(r, "session"))
	if err != nil {
		FaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.Sessions().Pending(chi.URLParam(r, "session"))
	if err != nil {
		FaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		ServiceUnavailableError(w, r, "session history is not recorded")
		return
	}
	h, err := s.history.History(r.Context(), chi.URLParam(r, "session"))
	if errors.Is(err, store.ErrNotFound) {
		NotFoundError(w, r, "no history for session")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("history lookup failed")
		InternalError(w, r, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		ServiceUnavailableError(w, r, "session history is not recorded")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ValidationError(w, r, "Validation failed", map[string]string{"limit": "must be a non-negative integer"})
			return
		}
		limit = n
	}
	recs, err := s.history.Sessions(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("session history listing failed")
		InternalError(w, r, "session history listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	err := s.engine.Sessions().Expire(id)
	s.record(r, audit.ResourceTypeSession, id, audit.ActionExpired, nil, err)
	if err != nil {
		FaultError(w, r, err)
		return
	}
	info, err := s.engine.Sessions().Get(id)
	if err != nil {
		FaultError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	err := s.engine.Remove(id)
	s.record(r, audit.ResourceTypeSession, id, audit.ActionDeleted, nil, err)
	if err != nil {
		FaultError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rejectedRule struct {
	File  string `json:"file"`
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

type rulesResponse struct {
	ETag     string         `json:"etag"`
	LoadedAt time.Time      `json:"loaded_at"`
	Rules    []rules.Rule   `json:"rules"`
	Rejected []rejectedRule `json:"rejected"`
}

func newRulesResponse(snap *snapshot.Snapshot) rulesResponse {
	resp := rulesResponse{
		ETag:     snap.ETag,
		LoadedAt: snap.LoadedAt,
		Rules:    snap.Rules,
		Rejected: make([]rejectedRule, 0, len(snap.Rejected)),
	}
	for _, le := range snap.Rejected {
		rr := rejectedRule{File: le.File, Index: le.Index, Name: le.Name, Error: le.Error()}
		if le.Err != nil {
			rr.Error = le.Err.Error()
		}
		resp.Rejected = append(resp.Rejected, rr)
	}
	return resp
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Rules()
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == snap.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", snap.ETag)
	writeJSON(w, http.StatusOK, newRulesResponse(snap))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		ServiceUnavailableError(w, r, "rule reload is not configured")
		return
	}
	snap, err := s.source.Reload()
	s.record(r, audit.ResourceTypeRules, s.source.Dir, audit.ActionReloaded,
		map[string]any{"etag": snap.ETag, "rules": snap.Len(), "rejected": len(snap.Rejected)}, err)
	if err != nil {
		InternalError(w, r, err.Error())
		return
	}
	w.Header().Set("ETag", snap.ETag)
	writeJSON(w, http.StatusOK, newRulesResponse(snap))
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var fp rules.Fingerprint
	if !s.decode(w, r, &fp) {
		return
	}
	if err := fp.Validate(); err != nil {
		BadRequestError(w, r, ErrCodeInvalidFingerprint, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.engine.Match(fp)})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		ValidationError(w, r, "Validation failed", map[string]string{"session": "session id is required"})
		return
	}
	if _, err := s.engine.Sessions().Get(id); err != nil {
		FaultError(w, r, err)
		return
	}
	xs := s.engine.Executions(id)
	views := make([]scheduler.View, 0, len(xs))
	for _, x := range xs {
		views = append(views, x.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

// ---- helpers ----

// record audits an admin action when an audit service is configured.
func (s *Server) record(r *http.Request, resourceType, resourceID, action string, details map[string]any, err error) {
	if s.audit == nil {
		return
	}
	b := audit.NewEventBuilder(r).ForResource(resourceType, resourceID).WithAction(action).WithDetails(details)
	if err != nil {
		b.Failure(err.Error())
	}
	s.audit.Log(b.Build())
}

// deny rejects an admin request and audits the attempt.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, status int, reason string) {
	s.record(r, audit.ResourceTypeSystem, r.URL.Path, audit.ActionAuthFailed,
		map[string]any{"method": r.Method, "status": status}, errors.New(reason))
	if status == http.StatusForbidden {
		ForbiddenError(w, r, reason)
		return
	}
	UnauthorizedError(w, r, reason)
}

// decode reads a JSON body of at most maxBodyBytes into dst, writing the error
// response itself when it fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RequestTooLargeError(w, r, "request body exceeds 1 MiB")
			return false
		}
		BadRequestError(w, r, ErrCodeInvalidJSON, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
