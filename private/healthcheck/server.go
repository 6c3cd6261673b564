// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package healthcheck serves the health of named dependencies over HTTP.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

var mon = monkit.Package()

var (
	// Error class for this package.
	Error = errs.Class("healthcheck")
	// ErrCheckExists is returned when a check with the same name already exists.
	ErrCheckExists = Error.New("check with name already exists")
)

// HealthCheck is an interface that defines the methods for a health check.
type HealthCheck interface {
	// Healthy returns true if the service is healthy.
	Healthy(ctx context.Context) bool
	// Name returns the name of the service being checked.
	Name() string
}

// Check is a HealthCheck backed by a function returning an error when unhealthy.
type Check struct {
	CheckName string
	Probe     func(ctx context.Context) error
}

// Name implements HealthCheck.
func (check Check) Name() string { return check.CheckName }

// Healthy implements HealthCheck.
func (check Check) Healthy(ctx context.Context) bool { return check.Probe(ctx) == nil }

// Config is the configuration for healthcheck server.
type Config struct {
	Enabled bool   `help:"Whether the health check server is enabled" default:"false"`
	Address string `help:"The address to listen on for health check server" default:"localhost:10500" testDefault:"127.0.0.1:0"`
}

// Server handles HTTP request for health Server.
type Server struct {
	log *zap.Logger

	mu     sync.Mutex
	checks map[string]HealthCheck

	listener net.Listener
	server   http.Server
}

// NewServer creates a new HTTP Server.
func NewServer(log *zap.Logger, listener net.Listener, checks ...HealthCheck) *Server {
	srv := &Server{
		log:      log,
		listener: listener,
		checks:   make(map[string]HealthCheck, len(checks)),
	}
	for _, check := range checks {
		srv.checks[check.Name()] = check
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", srv.handleAllHTTP).Methods(http.MethodGet)
	router.HandleFunc("/health/{name}", srv.handleSingleHTTP).Methods(http.MethodGet)

	srv.server = http.Server{
		Handler: router,
	}

	return srv
}

// AddCheck adds a health check to the server.
func (s *Server) AddCheck(check HealthCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checks[check.Name()]; ok {
		return ErrCheckExists
	}
	s.checks[check.Name()] = check
	return nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) snapshot() []HealthCheck {
	s.mu.Lock()
	defer s.mu.Unlock()

	checks := make([]HealthCheck, 0, len(s.checks))
	for _, check := range s.checks {
		checks = append(checks, check)
	}
	sort.Slice(checks, func(i, k int) bool { return checks[i].Name() < checks[k].Name() })
	return checks
}

func (s *Server) handleAllHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	checkMap := make(map[string]bool)
	allHealthy := true
	for _, check := range s.snapshot() {
		healthy := check.Healthy(ctx)
		allHealthy = allHealthy && healthy
		checkMap[check.Name()] = healthy
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	err = s.writeJSON(w, status, checkMap)
}

func (s *Server) handleSingleHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	name := mux.Vars(r)["name"]

	s.mu.Lock()
	check, ok := s.checks[name]
	s.mu.Unlock()
	if !ok {
		err = s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown check name"})
		return
	}

	healthy := check.Healthy(ctx)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	err = s.writeJSON(w, status, map[string]bool{"healthy": healthy})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.log.Error("Failed to encode health check response", zap.Error(err))
	}
	return err
}

// Run starts the health check server.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return s.server.Shutdown(context.Background())
	})
	group.Go(func() error {
		defer cancel()
		err := s.server.Serve(s.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})

	return group.Wait()
}

// Close stops the server.
func (s *Server) Close() error {
	return s.server.Close()
}

// Addr returns the address of this server.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
