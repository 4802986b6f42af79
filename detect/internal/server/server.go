// Package server exposes the engine's health, readiness and Prometheus
// endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-ndr/common/httputil"
	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/common/middleware"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
)

const checkTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Status is the body of /healthz and /readyz.
type Status struct {
	Status        string            `json:"status"`
	ConfigVersion uint64            `json:"config_version,omitempty"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Snapshots exposes the active configuration version.
type Snapshots interface {
	Current() *config.Snapshot
}

type Server struct {
	cfg    config.ServerConfig
	snaps  Snapshots
	logger *logging.Logger

	mu     sync.RWMutex
	checks map[string]Check

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.ServerConfig, snaps Snapshots, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		cfg:    cfg,
		snaps:  snaps,
		logger: logger,
		checks: make(map[string]Check),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.healthz)
	s.mux.HandleFunc("/readyz", s.readyz)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// AddCheck registers a readiness check under name, replacing any previous
// check with that name.
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	s.checks[name] = c
	s.mu.Unlock()
}

// Handle registers an additional route.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return middleware.RequestID(middleware.Recover(middleware.AccessLog(s.logger)(s.mux)))
}

func (s *Server) version() uint64 {
	if s.snaps == nil {
		return 0
	}
	if snap := s.snaps.Current(); snap != nil {
		return snap.Version
	}
	return 0
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, Status{Status: "ok", ConfigVersion: s.version()})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	results, ok := s.runChecks(r.Context())
	st := Status{Status: "ready", ConfigVersion: s.version(), Checks: results}
	code := http.StatusOK
	if !ok {
		st.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, st)
}

func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
		ok = true
	)
	results := make(map[string]string, len(names))
	for _, name := range names {
		wg.Add(1)
		go func(name string, c Check) {
			defer wg.Done()
			res := "ok"
			if err := c(ctx); err != nil {
				res = err.Error()
			}
			mu.Lock()
			results[name] = res
			if res != "ok" {
				ok = false
			}
			mu.Unlock()
		}(name, checks[name])
	}
	wg.Wait()
	return results, ok
}

// Start listens on the configured port. It returns once the listener is
// bound; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", logging.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
