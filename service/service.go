// Package service serves the discovery, search and launch commands over HTTP.
//
// Every command is a POST to /commands/{command} with a JSON body and answers with a
// Response envelope. The server also exposes /healthz and the Prometheus /metrics.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-testlens/launch"
	"github.com/ethereum-optimism/infra/op-testlens/metrics"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 7400

	maxBodyBytes = 1 << 20
)

// Config holds configuration for the command server
type Config struct {
	Log            log.Logger
	Searcher       Searcher
	Kinds          KindSource
	Resolver       Resolver
	Projects       Projects
	AllowedOrigins []string // defaults to any origin
}

// Server is the HTTP command server
type Server struct {
	log        log.Logger
	searcher   Searcher
	kindSource KindSource
	resolver   Resolver
	projects   Projects
	handler    http.Handler

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	stopped  atomic.Bool
}

// New creates a command server. It does not listen until Start is called.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		log:        cfg.Log,
		searcher:   cfg.Searcher,
		kindSource: cfg.Kinds,
		resolver:   cfg.Resolver,
		projects:   cfg.Projects,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/commands/{command}", s.handleCommand).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = c.Handler(r)
	return s
}

// Handler returns the routed handler, wrapped for CORS
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds addr and serves in the background
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("command server already started")
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = l
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.srv
	go func() {
		s.log.Info("Command server started", "addr", l.Addr())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Command server failed", "err", err)
			metrics.RecordErrorDetails("command server", err)
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting for in-flight commands until ctx is done
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	defer s.stopped.Store(true)
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down command server: %w", err)
	}
	s.log.Info("Command server stopped")
	return nil
}

// Stopped reports whether Stop has been called
func (s *Server) Stopped() bool {
	return s.stopped.Load()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.log.Debug("Received health check request", "path", r.URL.Path)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	command := mux.Vars(r)["command"]
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var (
		body any
		err  error
	)
	switch command {
	case CommandDiscover:
		body, err = dispatch(r, s.discover)
	case CommandSearch:
		body, err = dispatch(r, s.search)
	case CommandCodeLens:
		body, err = dispatch(r, s.codeLens)
	case CommandKinds:
		body, err = dispatch(r, s.kinds)
	case CommandResolve:
		s.handleResolve(w, r)
		return
	default:
		err = &commandError{code: http.StatusNotFound, err: fmt.Errorf("unknown command %q", command)}
	}

	code := httpStatus(err)
	resp := Response{Body: body}
	if err != nil {
		resp = Response{Status: launch.StatusFailed, Error: err.Error()}
		s.log.Warn("Command failed", "command", command, "code", code, "err", err)
	}
	s.write(w, command, code, resp)
}

// handleResolve answers with the launch response as is; it already has the envelope shape
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req launch.Request
	if err := decode(r, &req); err != nil {
		s.write(w, CommandResolve, httpStatus(err), Response{Status: launch.StatusFailed, Error: err.Error()})
		return
	}
	resp := s.resolver.Handle(r.Context(), req)
	code := http.StatusOK
	if resp.Status != launch.StatusOK {
		code = http.StatusUnprocessableEntity
	}
	s.write(w, CommandResolve, code, resp)
}

func (s *Server) write(w http.ResponseWriter, command string, code int, resp any) {
	b, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("Failed to encode command response", "command", command, "err", err)
		code = http.StatusInternalServerError
		b = []byte(`{"status":1,"error":"internal server error"}`)
	}
	metrics.RecordCommand(command, code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		s.log.Debug("Failed to write command response", "command", command, "err", err)
	}
}

// dispatch decodes the body into the command's request type and runs it
func dispatch[T any](r *http.Request, fn func(context.Context, T) (any, error)) (any, error) {
	var req T
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return fn(r.Context(), req)
}

// decode reads a JSON body. An empty body leaves v at its zero value.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("decoding request: %v", err)
	}
	return nil
}
