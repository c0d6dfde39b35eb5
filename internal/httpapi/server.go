package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/assistant"
	"github.com/ent0n29/parley/internal/auth"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/dispatch"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/stream"
)

// ConversationEnder ends every live conversation of an assistant.
type ConversationEnder interface {
	EndConversations(assistantID uuid.UUID) int
}

// Deps are the collaborators the HTTP surface routes into.
type Deps struct {
	Guard      *auth.Guard
	Dispatcher *dispatch.Dispatcher
	Runner     *stream.Runner
	Sessions   *session.Table
	Assistants assistant.Store
	Ender      ConversationEnder
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	// Ready reports whether backing stores are reachable. Nil means ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	deps     Deps
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a chat session from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.deps.Metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/api/v1/assistant", func(r chi.Router) {
		r.Get("/chat/{assistant_id}", s.handleChat)
		r.Get("/auto", s.handleAutoOptimize)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/status", s.handleSetStatus)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.deps.Sessions != nil {
		active = s.deps.Sessions.ActiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": active,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// authenticate resolves the caller for plain HTTP endpoints and writes a 401
// when it cannot. A non-empty token takes precedence over header and cookie.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, token string) (auth.Identity, bool) {
	if s.deps.Guard == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "authentication is not configured")
		return auth.Identity{}, false
	}
	id, err := s.deps.Guard.Authenticate(auth.Source{Token: token, Request: r})
	if err != nil {
		reason, _ := auth.ReasonOf(err)
		s.deps.Metrics.AuthFailure(string(reason))
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized: "+string(reason))
		return auth.Identity{}, false
	}
	return id, true
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
