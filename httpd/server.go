// Package httpd exposes the launcher over HTTP: session creation,
// lookup, listing and termination under the configured endpoint, plus
// static content serving and the proxy-mapping file kept in sync with
// ready sessions.
package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medviewer/launcher/config"
	"github.com/medviewer/launcher/journal"
	"github.com/medviewer/launcher/ports"
	"github.com/medviewer/launcher/processes"
	"github.com/medviewer/launcher/sessions"
)

// Server is the launcher's HTTP front end.
type Server struct {
	cfg    *config.Config
	reg    *sessions.Registry
	jrnl   *journal.Journal
	logger *slog.Logger
	srv    *http.Server

	endpoint      string
	requireSecret bool
}

// NewServer creates a Server bound to the configured host and port.
func NewServer(cfg *config.Config, reg *sessions.Registry, jrnl *journal.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		reg:      reg,
		jrnl:     jrnl,
		logger:   logger.With("component", "httpd"),
		endpoint: strings.TrimSuffix(cfg.Configuration.Endpoint, "/"),
	}
	for _, f := range cfg.Configuration.Fields {
		if f == "secret" {
			s.requireSecret = true
		}
	}

	// Session creation blocks until readiness or timeout, so the write
	// timeout has to outlast the readiness timeout.
	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Configuration.Host, cfg.Configuration.Port),
		Handler:      http.HandlerFunc(s.handleRequest),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.Configuration.TimeoutDuration() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return http.HandlerFunc(s.handleRequest) }

// Start runs the server. It blocks until Stop is called or the listener
// fails.
func (s *Server) Start() error {
	s.logger.Info("Starting launcher HTTP server", "address", s.srv.Addr, "endpoint", s.endpoint)
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()

	switch {
	case r.URL.Path == s.endpoint || r.URL.Path == s.endpoint+"/":
		switch r.Method {
		case http.MethodPost:
			s.handleCreate(w, r, traceID)
		case http.MethodGet:
			s.handleList(w, r)
		default:
			s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
	case strings.HasPrefix(r.URL.Path, s.endpoint+"/"):
		rest := strings.TrimPrefix(r.URL.Path, s.endpoint+"/")
		if id, ok := strings.CutSuffix(rest, "/events"); ok && id != "" && !strings.Contains(id, "/") {
			if r.Method != http.MethodGet {
				s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
				return
			}
			s.handleEvents(w, r, id)
			return
		}
		if rest == "" || strings.Contains(rest, "/") {
			s.writeError(w, r, http.StatusNotFound, "not_found", "no such resource")
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleGet(w, r, rest)
		case http.MethodDelete:
			s.handleDelete(w, r, rest)
		default:
			s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
	case s.cfg.Configuration.ContentDir != "":
		http.FileServer(http.Dir(s.cfg.Configuration.ContentDir)).ServeHTTP(w, r)
	default:
		s.writeError(w, r, http.StatusNotFound, "not_found", "no such resource")
	}
}

type createRequest struct {
	Application string            `json:"application"`
	ID          string            `json:"id"`
	Params      map[string]string `json:"params"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, traceID string) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	// A request carrying a session id resolves to the existing session.
	if req.ID != "" {
		info, err := s.reg.Get(req.ID)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, info)
		return
	}

	if req.Application == "" {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", "application is required")
		return
	}

	s.logger.Info("Session request", "trace", traceID, "app", req.Application, "remote", r.RemoteAddr)
	info, err := s.reg.Resolve(r.Context(), req.Application, req.Params)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	info, err := s.reg.Get(id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.reg.List()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if s.requireSecret {
		token := r.URL.Query().Get("secret")
		if token == "" {
			token = r.Header.Get("X-Session-Secret")
		}
		if !s.reg.VerifySecret(token, id) {
			s.writeError(w, r, http.StatusForbidden, "forbidden", "invalid session secret")
			return
		}
	}
	if err := s.reg.Terminate(id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": string(sessions.StateTerminated)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	events, err := s.jrnl.EventsForSession(id, 100)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if len(events) == 0 {
		s.writeError(w, r, http.StatusNotFound, "not_found", "no events for session")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "events": events})
}

// writeFailure maps a session-layer error onto the structured error
// taxonomy. Raw process exit details stay in the journal and logs; clients
// only see the classified failure.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, sessions.ErrUnknownApp):
		status, code = http.StatusBadRequest, "unknown_application"
	case errors.Is(err, sessions.ErrInvalidParam):
		status, code = http.StatusBadRequest, "invalid_parameter"
	case errors.Is(err, sessions.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ports.ErrExhausted):
		status, code = http.StatusServiceUnavailable, "exhausted"
	case errors.Is(err, processes.ErrSpawn):
		status, code = http.StatusBadGateway, "spawn_failed"
	case errors.Is(err, processes.ErrExited):
		status, code = http.StatusBadGateway, "exited_early"
	case errors.Is(err, processes.ErrTimedOut):
		status, code = http.StatusGatewayTimeout, "timed_out"
	}
	s.writeError(w, r, status, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "message", message)
	} else {
		s.logger.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "code", code)
	}
	s.writeJSON(w, status, map[string]any{"error": code, "message": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
