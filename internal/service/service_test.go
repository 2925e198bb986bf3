// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestInit(t *testing.T) {
	t.Run("initializes in order", func(t *testing.T) {
		j := &journal{}
		services := []Service{
			&initShutdown{namedService: namedService{"backend", j}},
			&namedService{"plain", j},
			&initOnly{namedService: namedService{"exporter", j}},
		}

		require.NoError(t, Init(nil, services))
		assert.Equal(t, []string{"init backend", "init exporter"}, j.list())
	})

	t.Run("failure rolls back in reverse order", func(t *testing.T) {
		j := &journal{}
		initErr := errors.New("NVML init failed")
		services := []Service{
			&initShutdown{namedService: namedService{"a", j}},
			&initOnly{namedService: namedService{"b", j}},
			&initShutdown{namedService: namedService{"c", j}},
			&initShutdown{namedService: namedService{"d", j}, initErr: initErr},
			&initShutdown{namedService: namedService{"e", j}},
		}

		err := Init(nil, services)
		assert.ErrorIs(t, err, initErr)
		assert.ErrorContains(t, err, "failed to initialize service d")
		assert.Equal(t, []string{
			"init a", "init b", "init c", "init d",
			"shutdown c", "shutdown a",
		}, j.list())
	})

	t.Run("rollback errors do not mask the init error", func(t *testing.T) {
		j := &journal{}
		initErr := errors.New("boom")
		services := []Service{
			&initShutdown{namedService: namedService{"a", j}, shutdownErr: errors.New("busy")},
			&initShutdown{namedService: namedService{"b", j}, initErr: initErr},
		}

		assert.ErrorIs(t, Init(nil, services), initErr)
		assert.Equal(t, []string{"init a", "init b", "shutdown a"}, j.list())
	})
}

func TestShutdown(t *testing.T) {
	j := &journal{}
	services := []Service{
		&initShutdown{namedService: namedService{"backend", j}},
		&runShutdown{namedService: namedService{"server", j}},
		&initOnly{namedService: namedService{"exporter", j}},
		&initShutdown{namedService: namedService{"cache", j}, shutdownErr: errors.New("ignored")},
	}

	Shutdown(nil, services)
	assert.Equal(t, []string{"shutdown cache", "shutdown backend"}, j.list(),
		"runners are shut down by Run")
}

func TestRun(t *testing.T) {
	t.Run("first runner to return stops the others", func(t *testing.T) {
		j := &journal{}
		runErr := errors.New("listen tcp :9899: bind: address already in use")
		server := &runShutdown{
			namedService: namedService{"server", j},
			runFn:        func(context.Context) error { return runErr },
		}
		waiter := &runShutdown{namedService: namedService{"waiter", j}}

		err := Run(context.Background(), nil, []Service{server, waiter})
		assert.ErrorIs(t, err, runErr)
		assert.ElementsMatch(t, []string{
			"run server", "run waiter", "shutdown server", "shutdown waiter",
		}, j.list())
	})

	t.Run("outer context stops all runners", func(t *testing.T) {
		j := &journal{}
		started := make(chan struct{})
		a := &runOnly{
			namedService: namedService{"a", j},
			runFn: func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			},
		}
		b := &runShutdown{namedService: namedService{"b", j}}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- Run(ctx, nil, []Service{a, b, &initOnly{namedService: namedService{"c", j}}})
		}()

		<-started
		cancel()

		select {
		case err := <-errCh:
			// whichever runner returns first decides the result
			if err != nil {
				assert.ErrorIs(t, err, context.Canceled)
			}
		case <-time.After(time.Second):
			t.Fatal("Run did not return after context cancellation")
		}
		assert.Contains(t, j.list(), "shutdown b")
		assert.NotContains(t, j.list(), "init c")
	})

	t.Run("no runners", func(t *testing.T) {
		assert.NoError(t, Run(context.Background(), nil, []Service{&namedService{"plain", &journal{}}}))
	})
}

func TestSignalHandler(t *testing.T) {
	sh := NewSignalHandler(nil, unix.SIGUSR1)
	assert.Equal(t, "signal-handler", sh.Name())

	t.Run("returns when context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, sh.Run(ctx), context.Canceled)
	})

	t.Run("returns nil on signal", func(t *testing.T) {
		// keeps SIGUSR1 from terminating the test binary before Run subscribes
		guard := make(chan os.Signal, 16)
		signal.Notify(guard, unix.SIGUSR1)
		defer signal.Stop(guard)

		errCh := make(chan error, 1)
		go func() {
			errCh <- sh.Run(context.Background())
		}()

		// the handler may not have subscribed yet; keep signalling until it returns
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case err := <-errCh:
				assert.NoError(t, err)
				return
			case <-ticker.C:
				require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGUSR1))
			case <-timeout:
				t.Fatal("signal handler did not return")
			}
		}
	})
}
