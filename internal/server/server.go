// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/exporter-toolkit/web"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/config"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/service"
)

// APIService defines the interface for the HTTP server providing API endpoints
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

// APIServer serves registered endpoints to GET requests. Every other method
// and every unregistered path is answered with 404 "Not found".
type APIServer struct {
	// input
	logger *slog.Logger
	// http
	server    *http.Server
	mux       *http.ServeMux
	endpoints []string
	webConfig *web.FlagConfig
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger    *slog.Logger
	webConfig *web.FlagConfig
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listening addresses and the web configuration file
// (TLS, basic auth) for the APIServer
func WithListen(addrs []string, webConfigFile string) OptionFn {
	return func(o *Opts) {
		systemdSocket := false
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addrs,
			WebSystemdSocket:   &systemdSocket,
			WebConfigFile:      &webConfigFile,
		}
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	addrs := []string{config.DefaultListenAddress}
	webConfigFile := ""
	systemdSocket := false
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &addrs,
			WebSystemdSocket:   &systemdSocket,
			WebConfigFile:      &webConfigFile,
		},
	}
}

// NewAPIServer creates a new APIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	mux.Handle("/", notFound())

	return &APIServer{
		logger: opts.logger.With("service", "api-server"),
		mux:    mux,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		webConfig: opts.webConfig,
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	if len(*s.webConfig.WebListenAddresses) == 0 {
		return fmt.Errorf("no listening address provided")
	}
	s.logger.Info("Initializing API server", "listen", *s.webConfig.WebListenAddresses)
	return nil
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running API server", "endpoints", s.endpoints)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server on context done")
		return nil

	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		s.logger.Error("API server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server on request")

	// NOTE: ensure http server shuts down within 5 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register serves handler at endpoint for GET requests only
func (s *APIServer) Register(endpoint, summary, description string, handler http.Handler) error {
	if endpoint == "" || endpoint[0] != '/' {
		return fmt.Errorf("invalid endpoint %q", endpoint)
	}
	s.logger.Debug("Endpoint Registered", "endpoint", endpoint, "summary", summary, "description", description)
	s.mux.Handle(endpoint, getOnly(handler))
	s.endpoints = append(s.endpoints, endpoint)
	return nil
}

func getOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeNotFound(w)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func notFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w)
	})
}

func writeNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, "Not found")
}
