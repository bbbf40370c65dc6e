// Package health serves liveness and readiness endpoints for the gateway.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dotsetgreg/relaybot/pkg/session"
)

type StatusSource interface {
	Status() session.Status
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	status  StatusSource
	storage Pinger
	started time.Time
	now     func() time.Time
	server  *http.Server
}

// NewServer creates the server. storage may be nil, in which case readiness
// depends on the session alone.
func NewServer(host string, port int, status StatusSource, storage Pinger) *Server {
	s := &Server{status: status, storage: storage, started: time.Now(), now: time.Now}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, usable without Start.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	return r
}

type response struct {
	Status  string          `json:"status"`
	Uptime  string          `json:"uptime"`
	Session *session.Status `json:"session,omitempty"`
	Storage string          `json:"storage,omitempty"`
}

const pingTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.body("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	body := s.body("ready")
	storageOK := true
	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := s.storage.Ping(ctx)
		cancel()
		if err != nil {
			storageOK = false
			body.Storage = "unavailable: " + err.Error()
		} else {
			body.Storage = "ok"
		}
	}
	if !storageOK || body.Session == nil || body.Session.State != session.Connected {
		body.Status = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) body(status string) response {
	resp := response{Status: status, Uptime: s.now().Sub(s.started).Round(time.Second).String()}
	if s.status != nil {
		st := s.status.Status()
		resp.Session = &st
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start blocks serving until Stop; it returns http.ErrServerClosed after a
// clean stop.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
