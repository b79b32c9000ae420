package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/bridge"
	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/session"
)

const statusMessage = "Twilio Media Stream Server is running!"

type Server struct {
	cfg      config.Config
	calls    *session.Manager
	bridge   bridge.Config
	dial     bridge.DialFunc
	schedule bridge.Scheduler
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// calls outlive their request once hijacked; closing cancels them all.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

type Options struct {
	Bridge   bridge.Config
	Dial     bridge.DialFunc
	Schedule bridge.Scheduler
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

func New(cfg config.Config, calls *session.Manager, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		calls:      calls,
		bridge:     opts.Bridge,
		dial:       opts.Dial,
		schedule:   opts.Schedule,
		metrics:    opts.Metrics,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Twilio and other non-browser clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.HandleFunc("/incoming-call", s.handleIncomingCall)
	r.Get("/media-stream", s.handleMediaStream)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

// CloseCalls terminates every bridged call. http.Server.Shutdown does not
// track hijacked websocket connections, so callers pair the two.
func (s *Server) CloseCalls() {
	s.cancelBase()
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": statusMessage})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.calls.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.baseCtx.Err() != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	if s.dial == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "realtime dialer not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"realtime_model": s.cfg.RealtimeModel,
		"update_trigger": s.cfg.SessionUpdateTrigger,
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"calls":  s.calls.List(),
		"active": s.calls.ActiveCount(),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	call, err := s.calls.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
