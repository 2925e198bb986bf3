// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// fanIndex is the fan reported as the device fan speed
const fanIndex = 0

// Backend is the device telemetry source. It owns the NVML session and
// resolves devices afresh on every call; callers must not keep a Device
// beyond a single sampling pass.
//
// Thread-safety: Init, Shutdown and DeviceCount are safe for concurrent use.
// Devices returned by Device issue NVML calls directly; callers serialize
// sampling passes.
type Backend interface {
	Name() string
	Init() error
	Shutdown() error
	DeviceCount() (int, error)
	Device(index int) (Device, error)
}

// Device wraps the queries available on a single accelerator
type Device interface {
	Index() int
	MinorNumber() (int, error)
	UUID() (string, error)
	Name() (string, error)
	Utilization() (Utilization, error)
	// PowerUsage returns the instantaneous power draw in milliwatts
	PowerUsage() (uint32, error)
	// Temperature returns the GPU die temperature in degrees celsius
	Temperature() (uint32, error)
	// FanSpeed returns the fan duty cycle as a percent of its maximum
	FanSpeed() (uint32, error)
	MemoryInfo() (MemoryInfo, error)
	ComputeRunningProcesses() ([]ProcessInfo, error)
}

type nvmlBackend struct {
	logger      *slog.Logger
	lib         nvmlLib
	initialized bool
	mu          sync.RWMutex
}

type nvmlDevice struct {
	index  int
	handle nvmlDeviceHandle
	lib    nvmlLib
}

var (
	_ Backend = (*nvmlBackend)(nil)
	_ Device  = (*nvmlDevice)(nil)
)

// NewNVMLBackend creates a new NVML backend instance
func NewNVMLBackend(logger *slog.Logger) Backend {
	return newNVMLBackendWithLib(logger, newRealNvmlLib())
}

func newNVMLBackendWithLib(logger *slog.Logger, lib nvmlLib) *nvmlBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &nvmlBackend{
		logger: logger.With("service", "nvml"),
		lib:    lib,
	}
}

func (n *nvmlBackend) Name() string {
	return "nvml"
}

// Init initializes the NVML library. A failure here means the host has no
// usable NVIDIA driver and the exporter must not start.
func (n *nvmlBackend) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.initialized {
		return nil
	}

	if ret := n.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %s", n.lib.ErrorString(ret))
	}
	n.initialized = true

	count, ret := n.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		n.logger.Warn("NVML initialized but device count is unavailable", "error", n.lib.ErrorString(ret))
		return nil
	}
	n.logger.Info("NVML initialized", "device_count", count)
	return nil
}

// Shutdown releases the NVML session
func (n *nvmlBackend) Shutdown() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return nil
	}

	if ret := n.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %s", n.lib.ErrorString(ret))
	}
	n.initialized = false
	n.logger.Info("NVML shutdown complete")
	return nil
}

// DeviceCount queries the number of devices currently present
func (n *nvmlBackend) DeviceCount() (int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.initialized {
		return 0, ErrNotInitialized{}
	}

	count, ret := n.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, n.err("DeviceGetCount", ret)
	}
	return count, nil
}

// Device resolves the handle of the device at index
func (n *nvmlBackend) Device(index int) (Device, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.initialized {
		return nil, ErrNotInitialized{}
	}
	if index < 0 {
		return nil, ErrDeviceNotFound{Index: index}
	}

	handle, ret := n.lib.DeviceGetHandleByIndex(index)
	if ret == nvml.ERROR_INVALID_ARGUMENT {
		return nil, ErrDeviceNotFound{Index: index}
	}
	if ret != nvml.SUCCESS {
		return nil, n.err("DeviceGetHandleByIndex", ret)
	}

	return &nvmlDevice{index: index, handle: handle, lib: n.lib}, nil
}

func (n *nvmlBackend) err(op string, ret nvml.Return) error {
	return ErrNVML{Op: op, Return: ret, Msg: n.lib.ErrorString(ret)}
}

func (d *nvmlDevice) err(op string, ret nvml.Return) error {
	return ErrNVML{Op: op, Return: ret, Msg: d.lib.ErrorString(ret)}
}

func (d *nvmlDevice) Index() int {
	return d.index
}

func (d *nvmlDevice) MinorNumber() (int, error) {
	minor, ret := d.handle.GetMinorNumber()
	if ret != nvml.SUCCESS {
		return 0, d.err("GetMinorNumber", ret)
	}
	return minor, nil
}

func (d *nvmlDevice) UUID() (string, error) {
	uuid, ret := d.handle.GetUUID()
	if ret != nvml.SUCCESS {
		return "", d.err("GetUUID", ret)
	}
	return uuid, nil
}

func (d *nvmlDevice) Name() (string, error) {
	name, ret := d.handle.GetName()
	if ret != nvml.SUCCESS {
		return "", d.err("GetName", ret)
	}
	return name, nil
}

func (d *nvmlDevice) Utilization() (Utilization, error) {
	u, ret := d.handle.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return Utilization{}, d.err("GetUtilizationRates", ret)
	}
	return Utilization{GPU: u.Gpu, Memory: u.Memory}, nil
}

func (d *nvmlDevice) PowerUsage() (uint32, error) {
	mw, ret := d.handle.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return 0, d.err("GetPowerUsage", ret)
	}
	return mw, nil
}

func (d *nvmlDevice) Temperature() (uint32, error) {
	t, ret := d.handle.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return 0, d.err("GetTemperature", ret)
	}
	return t, nil
}

func (d *nvmlDevice) FanSpeed() (uint32, error) {
	speed, ret := d.handle.GetFanSpeed_v2(fanIndex)
	if ret != nvml.SUCCESS {
		return 0, d.err("GetFanSpeed", ret)
	}
	return speed, nil
}

func (d *nvmlDevice) MemoryInfo() (MemoryInfo, error) {
	mem, ret := d.handle.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return MemoryInfo{}, d.err("GetMemoryInfo", ret)
	}
	return MemoryInfo{Total: mem.Total, Free: mem.Free, Used: mem.Used}, nil
}

// ComputeRunningProcesses returns the compute processes in the order NVML
// reports them
func (d *nvmlDevice) ComputeRunningProcesses() ([]ProcessInfo, error) {
	procs, ret := d.handle.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return nil, d.err("GetComputeRunningProcesses", ret)
	}

	result := make([]ProcessInfo, len(procs))
	for i, p := range procs {
		result[i] = ProcessInfo{
			PID:        p.Pid,
			MemoryUsed: p.UsedGpuMemory,
		}
	}
	return result, nil
}
