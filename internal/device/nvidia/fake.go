// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NOTE: The fake backend is not intended to be used in production and is for development only.

const (
	defaultFakeDevices = 2
	fakeMemoryTotal    = 16 << 30
	fakeProcessMemory  = 256 << 20
)

type fakeBackend struct {
	logger      *slog.Logger
	count       int
	pids        []uint32
	mu          sync.RWMutex
	initialized bool
}

var _ Backend = (*fakeBackend)(nil)

// FakeOptFn is a functional option for configuring the fake backend
type FakeOptFn func(*fakeBackend)

// WithFakeLogger sets the logger of the fake backend
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(b *fakeBackend) {
		b.logger = l.With("service", b.Name())
	}
}

// WithFakeProcesses sets the pids reported as running on device 0
func WithFakeProcesses(pids ...uint32) FakeOptFn {
	return func(b *fakeBackend) {
		b.pids = pids
	}
}

// NewFakeBackend creates a backend reporting count synthetic devices with
// stable readings. Odd devices have no fan so that the missing-sensor path is
// exercised. By default the exporter's own process is reported on device 0.
func NewFakeBackend(count int, opts ...FakeOptFn) Backend {
	if count <= 0 {
		count = defaultFakeDevices
	}
	b := &fakeBackend{
		logger: slog.Default().With("service", "fake-nvml"),
		count:  count,
		pids:   []uint32{uint32(os.Getpid())},
	}
	for _, apply := range opts {
		apply(b)
	}
	return b
}

func (b *fakeBackend) Name() string {
	return "fake-nvml"
}

func (b *fakeBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	b.logger.Warn("Using fake GPU backend; readings are synthetic", "device_count", b.count)
	return nil
}

func (b *fakeBackend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	return nil
}

func (b *fakeBackend) DeviceCount() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return 0, ErrNotInitialized{}
	}
	return b.count, nil
}

func (b *fakeBackend) Device(index int) (Device, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return nil, ErrNotInitialized{}
	}
	if index < 0 || index >= b.count {
		return nil, ErrDeviceNotFound{Index: index}
	}

	dev := &fakeDevice{index: index}
	if index == 0 {
		dev.pids = b.pids
	}
	return dev, nil
}

type fakeDevice struct {
	index int
	pids  []uint32
}

func (d *fakeDevice) Index() int {
	return d.index
}

func (d *fakeDevice) MinorNumber() (int, error) {
	return d.index, nil
}

func (d *fakeDevice) UUID() (string, error) {
	return fmt.Sprintf("GPU-fake0000-0000-0000-0000-%012d", d.index), nil
}

func (d *fakeDevice) Name() (string, error) {
	return "Fake NVIDIA GPU", nil
}

func (d *fakeDevice) Utilization() (Utilization, error) {
	return Utilization{
		GPU:    uint32(30+10*d.index) % 100,
		Memory: uint32(20+5*d.index) % 100,
	}, nil
}

func (d *fakeDevice) PowerUsage() (uint32, error) {
	return uint32(70000 + 1000*d.index), nil
}

func (d *fakeDevice) Temperature() (uint32, error) {
	return uint32(40 + d.index), nil
}

func (d *fakeDevice) FanSpeed() (uint32, error) {
	if d.index%2 == 1 {
		return 0, ErrNVML{Op: "GetFanSpeed", Return: nvml.ERROR_NOT_SUPPORTED, Msg: "Not Supported"}
	}
	return 35, nil
}

func (d *fakeDevice) MemoryInfo() (MemoryInfo, error) {
	used := uint64(d.index+1) << 30
	return MemoryInfo{Total: fakeMemoryTotal, Free: fakeMemoryTotal - used, Used: used}, nil
}

func (d *fakeDevice) ComputeRunningProcesses() ([]ProcessInfo, error) {
	procs := make([]ProcessInfo, len(d.pids))
	for i, pid := range d.pids {
		procs[i] = ProcessInfo{PID: pid, MemoryUsed: fakeProcessMemory}
	}
	return procs, nil
}
