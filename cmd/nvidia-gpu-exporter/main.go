// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"golang.org/x/sys/unix"
	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/config"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/device/nvidia"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/logger"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/resource"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/server"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/service"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/version"
)

func main() {
	// parse args and config and exit with error if there is an error
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logger.Info("NVIDIA GPU exporter", "build", version.Info())
	printConfigInfo(logger, cfg)

	services, err := createServices(logger, cfg)
	if err != nil {
		logger.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	runErr := service.Run(context.Background(), logger, services)
	service.Shutdown(logger, services)
	if runErr != nil {
		logger.Error("exporter terminated with an error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "nvidia-gpu-exporter"
	app := kingpin.New(appName, "Prometheus exporter for NVIDIA GPU and GPU process metrics.")
	app.Version(fmt.Sprintf("%s (revision %s)", version.Info().Version, version.Info().GitCommit))

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		logger.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			logger.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func newBackend(logger *slog.Logger, cfg *config.Config) nvidia.Backend {
	if ptr.Deref(cfg.Dev.FakeGPU.Enabled, false) {
		logger.Warn("Fake GPU backend enabled; metrics are synthetic")
		return nvidia.NewFakeBackend(cfg.Dev.FakeGPU.Devices, nvidia.WithFakeLogger(logger))
	}
	return nvidia.NewNVMLBackend(logger)
}

func createServices(logger *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	logger.Debug("Creating all services")

	backend := newBackend(logger, cfg)

	identity, err := resource.NewProcFSIdentity(cfg.Host.ProcFS,
		resource.WithIdentityLogger(logger),
		resource.WithUserCacheTTL(cfg.Process.UserCacheTTL),
	)
	if err != nil {
		return nil, err
	}

	gpu := collector.NewGPUCollector(backend, identity,
		collector.WithLogger(logger),
		collector.WithPruneStale(ptr.Deref(cfg.Exporter.Prometheus.PruneStale, false)),
		collector.WithMaxCommandLength(cfg.Process.MaxCommandLength),
	)

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)

	promExporter := prometheus.NewExporter(gpu, apiServer,
		prometheus.WithLogger(logger),
		prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
	)

	// NOTE: order matters; NVML must be initialized before endpoints are
	// registered and the server is initialized last
	services := []service.Service{
		backend,
		promExporter,
	}
	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}
	services = append(services,
		apiServer,
		service.NewSignalHandler(logger, os.Interrupt, unix.SIGTERM),
	)
	return services, nil
}
