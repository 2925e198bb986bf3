// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	collector "github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/service"
)

type Initializer = service.Initializer

type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

// GPUCollector samples GPU telemetry on demand
type GPUCollector interface {
	Register(reg prom.Registerer) error
	Gatherer(g prom.Gatherer) prom.Gatherer
	SampleProcesses() (string, error)
}

var _ GPUCollector = (*collector.GPUCollector)(nil)

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:          slog.Default(),
		debugCollectors: map[string]bool{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors enables the named runtime collectors (go, process)
func WithDebugCollectors(c []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool)
		for _, name := range c {
			o.debugCollectors[name] = true
		}
	}
}

// Exporter exposes GPU telemetry over HTTP on /metrics and /gpustat
type Exporter struct {
	logger          *slog.Logger
	gpu             GPUCollector
	registry        *prom.Registry
	server          APIRegistry
	debugCollectors map[string]bool
}

var _ Initializer = (*Exporter)(nil)

// NewExporter creates a new Exporter instance
func NewExporter(gpu GPUCollector, s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:          opts.logger.With("service", "prometheus"),
		gpu:             gpu,
		server:          s,
		debugCollectors: opts.debugCollectors,
		registry:        prom.NewRegistry(),
	}
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "prometheus"
}

// Init registers every collector and the HTTP endpoints. A registration
// failure is returned and must prevent the exporter from serving.
func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter")

	for name := range e.debugCollectors {
		c, err := collectorForName(name)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", name, "error", err)
			return err
		}
		e.logger.Info("Enabling debug collector", "collector", name)
		if err := e.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register %s collector: %w", name, err)
		}
	}

	if err := e.registry.Register(collector.NewBuildInfoCollector()); err != nil {
		return fmt.Errorf("failed to register build info: %w", err)
	}
	if err := e.gpu.Register(e.registry); err != nil {
		return err
	}

	if err := e.server.Register("/metrics", "Metrics", "Prometheus metrics", e.metricsHandler()); err != nil {
		return err
	}
	return e.server.Register("/gpustat", "GPU Status", "Compute processes running on each GPU", e.gpustatHandler())
}

// metricsHandler samples every device and process on each request. A
// failed sampling pass is reported as 500 rather than a partial snapshot.
func (e *Exporter) metricsHandler() http.Handler {
	return promhttp.HandlerFor(
		e.gpu.Gatherer(e.registry),
		promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
			ErrorLog:      slog.NewLogLogger(e.logger.Handler(), slog.LevelError),
			Registry:      e.registry,
		},
	)
}

func (e *Exporter) gpustatHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := e.gpu.SampleProcesses()
		if err != nil {
			e.logger.Error("failed to sample GPU processes", "error", err)
			http.Error(w, "failed to sample GPU processes", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := io.WriteString(w, out); err != nil {
			e.logger.Error("failed to write gpustat response", "error", err)
		}
	})
}
