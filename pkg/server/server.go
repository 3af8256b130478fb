// Package server exposes sessions over HTTP and websocket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nstogner/devbox/pkg/agent"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/store"
)

// SandboxRequest describes the sandbox an initialize event asks for.
type SandboxRequest struct {
	SessionID string
	Image     string
	// Directory is the host workspace directory. Empty means the configured default.
	Directory string
}

// SandboxFactory builds a sandbox that has not been started yet.
type SandboxFactory func(ctx context.Context, req SandboxRequest) (sandbox.Sandbox, error)

// Store persists sessions and their outbound events.
type Store interface {
	store.SessionStore
	store.EventStore
}

// Defaults fill in initialize arguments the client leaves out.
type Defaults struct {
	Agent         string
	Model         string
	APIKey        string
	Image         string
	MaxIterations int
}

// Server serves the session gateway and the REST API.
type Server struct {
	logger    *slog.Logger
	agents    *agent.Registry
	sandboxes SandboxFactory
	store     Store
	defaults  Defaults
	upgrader  websocket.Upgrader
	srv       *http.Server

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a new Server.
func New(logger *slog.Logger, agents *agent.Registry, sandboxes SandboxFactory, st Store, defaults Defaults) *Server {
	s := &Server{
		logger:    logger,
		agents:    agents,
		sandboxes: sandboxes,
		store:     st,
		defaults:  defaults,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*Session),
	}
	s.srv = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Sessions
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleListEvents)

	// Agents
	mux.HandleFunc("GET /api/agents", s.handleListAgents)

	// WebSocket
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting web server", "addr", ln.Addr().String())
	return s.srv.Serve(ln)
}

// Shutdown disconnects every session, which tears down their sandboxes, and
// then stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	active := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		sess.conn.Close()
	}
	for _, sess := range active {
		select {
		case <-sess.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.srv.Shutdown(ctx)
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *Server) forget(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	s.logger.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
