// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/device/nvidia"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/resource"
)

var errNotSupported = nvidia.ErrNVML{Op: "stub", Return: nvml.ERROR_NOT_SUPPORTED, Msg: "Not Supported"}

// stubDevice returns fixed readings; errs overrides a query by method name
type stubDevice struct {
	index int
	minor int
	uuid  string
	name  string
	util  nvidia.Utilization
	power uint32
	temp  uint32
	fan   uint32
	mem   nvidia.MemoryInfo
	procs []nvidia.ProcessInfo
	errs  map[string]error
}

func (d *stubDevice) Index() int { return d.index }

func (d *stubDevice) MinorNumber() (int, error) { return d.minor, d.errs["MinorNumber"] }

func (d *stubDevice) UUID() (string, error) { return d.uuid, d.errs["UUID"] }

func (d *stubDevice) Name() (string, error) { return d.name, d.errs["Name"] }

func (d *stubDevice) Utilization() (nvidia.Utilization, error) {
	return d.util, d.errs["Utilization"]
}

func (d *stubDevice) PowerUsage() (uint32, error) { return d.power, d.errs["PowerUsage"] }

func (d *stubDevice) Temperature() (uint32, error) { return d.temp, d.errs["Temperature"] }

func (d *stubDevice) FanSpeed() (uint32, error) { return d.fan, d.errs["FanSpeed"] }

func (d *stubDevice) MemoryInfo() (nvidia.MemoryInfo, error) { return d.mem, d.errs["MemoryInfo"] }

func (d *stubDevice) ComputeRunningProcesses() ([]nvidia.ProcessInfo, error) {
	if err := d.errs["ComputeRunningProcesses"]; err != nil {
		return nil, err
	}
	return d.procs, nil
}

type stubBackend struct {
	mu        sync.Mutex
	devices   []*stubDevice
	countErr  error
	deviceErr map[int]error
}

var _ nvidia.Backend = (*stubBackend)(nil)

func (b *stubBackend) Name() string    { return "stub" }
func (b *stubBackend) Init() error     { return nil }
func (b *stubBackend) Shutdown() error { return nil }

func (b *stubBackend) DeviceCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.countErr != nil {
		return 0, b.countErr
	}
	return len(b.devices), nil
}

func (b *stubBackend) Device(index int) (nvidia.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.deviceErr[index]; err != nil {
		return nil, err
	}
	if index < 0 || index >= len(b.devices) {
		return nil, nvidia.ErrDeviceNotFound{Index: index}
	}
	return b.devices[index], nil
}

func (b *stubBackend) setDevices(devs ...*stubDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devs
}

type stubIdentity map[int]resource.Identity

func (s stubIdentity) Lookup(pid int) (resource.Identity, error) {
	id, ok := s[pid]
	if !ok {
		return resource.Identity{}, fmt.Errorf("process %d not found", pid)
	}
	return id, nil
}

// teslaT4 mirrors a single Tesla T4 without a fan running one python job
func teslaT4() *stubDevice {
	return &stubDevice{
		index: 0,
		minor: 0,
		uuid:  "GPU-9f0c2f8a-3b7e-1d2c-8e4f-5a6b7c8d9e0f",
		name:  "Tesla T4",
		util:  nvidia.Utilization{GPU: 37, Memory: 12},
		power: 27000,
		temp:  45,
		mem: nvidia.MemoryInfo{
			Total: 15843721216,
			Free:  14843721216,
			Used:  1000000000,
		},
		procs: []nvidia.ProcessInfo{{PID: 4242, MemoryUsed: 524288000}},
		errs:  map[string]error{"FanSpeed": errNotSupported},
	}
}

func stubGPU(index int) *stubDevice {
	return &stubDevice{
		index: index,
		minor: index,
		uuid:  fmt.Sprintf("GPU-%d", index),
		name:  "Stub GPU",
		util:  nvidia.Utilization{GPU: 10, Memory: 20},
		power: 50000,
		temp:  50,
		fan:   30,
		mem:   nvidia.MemoryInfo{Total: 8 << 30, Free: 6 << 30, Used: 2 << 30},
	}
}

var t4Identity = stubIdentity{
	4242: {PID: 4242, Command: "python train.py", User: "alice"},
}
