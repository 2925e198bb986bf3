// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

// journal records lifecycle calls across services in the order they happen
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type namedService struct {
	name    string
	journal *journal
}

func (s *namedService) Name() string { return s.name }

// initShutdown implements Initializer and Shutdowner
type initShutdown struct {
	namedService
	initErr     error
	shutdownErr error
}

func (s *initShutdown) Init() error {
	s.journal.add("init " + s.name)
	return s.initErr
}

func (s *initShutdown) Shutdown() error {
	s.journal.add("shutdown " + s.name)
	return s.shutdownErr
}

// initOnly implements Initializer
type initOnly struct {
	namedService
	initErr error
}

func (s *initOnly) Init() error {
	s.journal.add("init " + s.name)
	return s.initErr
}

// runShutdown implements Runner and Shutdowner
type runShutdown struct {
	namedService
	runFn       func(ctx context.Context) error
	shutdownErr error
}

func (s *runShutdown) Run(ctx context.Context) error {
	s.journal.add("run " + s.name)
	if s.runFn != nil {
		return s.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (s *runShutdown) Shutdown() error {
	s.journal.add("shutdown " + s.name)
	return s.shutdownErr
}

// runOnly implements Runner
type runOnly struct {
	namedService
	runFn func(ctx context.Context) error
}

func (s *runOnly) Run(ctx context.Context) error {
	s.journal.add("run " + s.name)
	return s.runFn(ctx)
}
