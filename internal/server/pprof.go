// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/pprof"
	runtimepprof "runtime/pprof"
	"strings"

	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/service"
)

const pprofPrefix = "/debug/pprof/"

// pp exposes the runtime profiler under /debug/pprof/. It is opt-in and
// never registered unless debug.pprof.enabled is set.
type pp struct {
	api APIService
}

var (
	_ service.Service     = (*pp)(nil)
	_ service.Initializer = (*pp)(nil)
)

func NewPprof(api APIService) *pp {
	return &pp{api: api}
}

func (p *pp) Name() string {
	return "pprof"
}

type pprofEndpoint struct {
	path        string
	description string
	handler     http.Handler
}

func pprofEndpoints() []pprofEndpoint {
	return []pprofEndpoint{
		{pprofPrefix + "cmdline", "Command line of the exporter", http.HandlerFunc(pprof.Cmdline)},
		{pprofPrefix + "profile", "CPU profile", http.HandlerFunc(pprof.Profile)},
		{pprofPrefix + "symbol", "Program counter to function name lookup", http.HandlerFunc(pprof.Symbol)},
		{pprofPrefix + "trace", "Execution trace", http.HandlerFunc(pprof.Trace)},
		{pprofPrefix, "Index and named runtime profiles", profiles()},
	}
}

// Init registers every profiler endpoint on the API server, which answers
// non-GET requests with 404 like any other route
func (p *pp) Init() error {
	for _, e := range pprofEndpoints() {
		if err := p.api.Register(e.path, "pprof", e.description, e.handler); err != nil {
			return err
		}
	}
	return nil
}

// profiles serves the index and the named runtime profiles (heap, goroutine,
// ...). Unknown names get the same 404 as unregistered paths.
func profiles() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, pprofPrefix)
		if name != "" && runtimepprof.Lookup(name) == nil {
			writeNotFound(w)
			return
		}
		pprof.Index(w, r)
	})
}
