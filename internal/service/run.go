// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"

	"github.com/oklog/run"
)

// Run runs every Runner concurrently until the first one returns or outer
// is done. All runners are then interrupted and each Runner that is also a
// Shutdowner is shut down. The error of the first runner to return is
// returned.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			logger.Debug("skipping service", "service", s.Name(), "reason", "service does not implement Runner")
			continue
		}

		g.Add(
			func() error {
				logger.Info("Running service", "service", r.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", r.Name(), "reason", err)
				}

				sd, ok := r.(Shutdowner)
				if !ok {
					return
				}
				logger.Info("shutting down", "service", r.Name())
				if err := sd.Shutdown(); err != nil {
					logger.Warn("service shutdown failed with error", "service", r.Name(), "error", err)
				}
			},
		)
	}

	logger.Info("Running all services")
	return g.Run()
}
