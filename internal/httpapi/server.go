package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/clipcast/clipcast/internal/capture"
	"github.com/clipcast/clipcast/internal/clips"
	"github.com/clipcast/clipcast/internal/config"
	"github.com/clipcast/clipcast/internal/events"
	"github.com/clipcast/clipcast/internal/observability"
	"github.com/clipcast/clipcast/internal/policy"
	"github.com/clipcast/clipcast/internal/session"
)

type Server struct {
	cfg         config.Config
	registry    *session.Registry
	supervisor  *capture.Supervisor
	resolver    *capture.Resolver
	broadcaster *events.Broadcaster
	catalog     *clips.Catalog
	metrics     *observability.Metrics
	auth        *policy.Authorizer
	upgrader    websocket.Upgrader
	log         *logrus.Logger
}

func New(
	cfg config.Config,
	registry *session.Registry,
	supervisor *capture.Supervisor,
	resolver *capture.Resolver,
	broadcaster *events.Broadcaster,
	catalog *clips.Catalog,
	metrics *observability.Metrics,
	log *logrus.Logger,
) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:         cfg,
		registry:    registry,
		supervisor:  supervisor,
		resolver:    resolver,
		broadcaster: broadcaster,
		catalog:     catalog,
		metrics:     metrics,
		auth:        policy.NewAuthorizer(cfg.APIToken),
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up. Non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	// Operator surface. Bearer auth applies when a token is configured.
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/v1/sessions", s.handleCreateSession)
		r.Post("/v1/sessions/{id}/start", s.handleStartSession)
		r.Post("/v1/sessions/{id}/stop", s.handleStopSession)
		r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
		r.Post("/v1/resolve", s.handleResolve)
	})

	// Read surface, usable from EventSource/browser without headers.
	r.Get("/v1/sessions/{id}/status", s.handleSessionStatus)
	r.Get("/v1/sessions/{id}/clips", s.handleListClips)
	r.Get("/v1/sessions/{id}/files/{name}", s.handleServeClip)
	r.Get("/v1/sessions/{id}/events", s.handleSessionEvents)
	r.Get("/v1/sessions/{id}/ws", s.handleSessionWS)
	r.Get("/v1/perf/capture", s.handlePerfCapture)

	// Capture-tool callbacks, local push path.
	r.Post("/v1/sessions/{id}/clips", s.handleRegisterClip)
	r.Post("/v1/sessions/{id}/metrics", s.handleCaptureMetrics)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.ActiveCount(),
		"sessions":        s.registry.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"max_sessions": s.cfg.MaxSessions,
	})
}

// sessionFromPath resolves the {id} URL parameter, writing the 404/400
// response itself when the lookup fails.
func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
