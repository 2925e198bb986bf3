// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIServer(t *testing.T) {
	tt := []struct {
		name  string
		opts  []OptionFn
		addrs []string
	}{{
		name:  "default options",
		opts:  []OptionFn{},
		addrs: []string{":9899"},
	}, {
		name:  "with custom logger",
		opts:  []OptionFn{WithLogger(slog.Default().With("test", "custom"))},
		addrs: []string{":9899"},
	}, {
		name:  "with listen addresses",
		opts:  []OptionFn{WithListen([]string{":8080", "127.0.0.1:8081"}, "")},
		addrs: []string{":8080", "127.0.0.1:8081"},
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			s := NewAPIServer(tc.opts...)

			assert.Equal(t, "api-server", s.Name())
			assert.NotNil(t, s.mux)
			assert.NotNil(t, s.logger)
			assert.Equal(t, tc.addrs, *s.webConfig.WebListenAddresses)
			assert.Empty(t, *s.webConfig.WebConfigFile)
		})
	}
}

func TestAPIServer_Init(t *testing.T) {
	assert.NoError(t, NewAPIServer().Init())

	err := NewAPIServer(WithListen([]string{}, "")).Init()
	assert.ErrorContains(t, err, "no listening address provided")
}

func TestAPIServer_Register(t *testing.T) {
	s := NewAPIServer()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	require.NoError(t, s.Register("/metrics", "Metrics", "Prometheus metrics", ok))
	require.NoError(t, s.Register("/gpustat", "GPU Status", "processes", ok))
	assert.Equal(t, []string{"/metrics", "/gpustat"}, s.endpoints)

	assert.Error(t, s.Register("", "Empty", "", ok))
	assert.Error(t, s.Register("metrics", "Relative", "", ok))
}

func TestAPIServer_Routing(t *testing.T) {
	s := NewAPIServer()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	require.NoError(t, s.Register("/metrics", "Metrics", "Prometheus metrics", ok))
	require.NoError(t, s.Register("/gpustat", "GPU Status", "processes", ok))

	tt := []struct {
		method string
		path   string
		code   int
		body   string
	}{
		{http.MethodGet, "/metrics", http.StatusOK, "ok"},
		{http.MethodGet, "/gpustat", http.StatusOK, "ok"},
		{http.MethodGet, "/gpustat?verbose=1", http.StatusOK, "ok"},
		{http.MethodGet, "/", http.StatusNotFound, "Not found"},
		{http.MethodGet, "/foo", http.StatusNotFound, "Not found"},
		{http.MethodGet, "/metrics/extra", http.StatusNotFound, "Not found"},
		{http.MethodPost, "/metrics", http.StatusNotFound, "Not found"},
		{http.MethodPut, "/gpustat", http.StatusNotFound, "Not found"},
		{http.MethodDelete, "/", http.StatusNotFound, "Not found"},
		{http.MethodHead, "/metrics", http.StatusNotFound, ""},
	}

	for _, tc := range tt {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))

			assert.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusNotFound {
				assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			}
			if tc.method != http.MethodHead {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestAPIServer_Shutdown(t *testing.T) {
	assert.NoError(t, NewAPIServer().Shutdown())
}

func TestAPIServer_RunCanceled(t *testing.T) {
	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	s := NewAPIServer(WithListen([]string{addr}, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
	assert.NoError(t, s.Shutdown())
}

func TestAPIServer_PortConflict(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	s := NewAPIServer(WithListen([]string{listener.Addr().String()}, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = s.Run(ctx)
	assert.ErrorContains(t, err, "in use")
}

func TestAPIServer_InvalidWebConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "web.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tls_server_config: [not a map"), 0o600))

	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	s := NewAPIServer(WithListen([]string{addr}, path))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, s.Run(ctx))
}

func TestAPIServer_EndToEnd(t *testing.T) {
	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	s := NewAPIServer(WithListen([]string{addr}, ""))
	require.NoError(t, s.Init())
	require.NoError(t, s.Register("/gpustat", "GPU Status", "processes",
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, "[0] Tesla T4|45°C 37%| 1000000000 / 15843721216 MB")
		})))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := client.Get("http://" + addr + "/gpustat")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 3*time.Second, 50*time.Millisecond)

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[0] Tesla T4|45°C 37%| 1000000000 / 15843721216 MB", string(body))

	resp, err = client.Post("http://"+addr+"/gpustat", "text/plain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after context cancellation")
	}
	assert.NoError(t, s.Shutdown())
}

func findFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}
