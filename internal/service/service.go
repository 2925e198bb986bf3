// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is a named component of the exporter. A service opts into the
// lifecycle phases below by implementing the matching interface.
type Service interface {
	Name() string
}

// Initializer is a service that must be set up before anything runs; a
// failing Init aborts startup
type Initializer interface {
	Service
	Init() error
}

// Runner is a service with a blocking main loop
type Runner interface {
	Service
	// Run blocks until ctx is done or the service fails
	Run(ctx context.Context) error
}

// Shutdowner is a service holding resources that must be released on exit
type Shutdowner interface {
	Service
	Shutdown() error
}
