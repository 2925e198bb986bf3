// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Utilization holds the device utilization rates over the last sample period
type Utilization struct {
	// GPU is the percent of time one or more kernels were executing
	GPU uint32

	// Memory is the percent of time device memory was being read or written
	Memory uint32
}

// MemoryInfo holds the device memory accounting in bytes
type MemoryInfo struct {
	Total uint64
	Free  uint64
	Used  uint64
}

// ProcessInfo describes a compute process running on a device
type ProcessInfo struct {
	PID uint32

	// MemoryUsed is the device memory used by the process in bytes
	MemoryUsed uint64
}

// ErrNVML wraps a failed NVML call
type ErrNVML struct {
	Op     string
	Return nvml.Return
	Msg    string
}

func (e ErrNVML) Error() string {
	return fmt.Sprintf("nvml %s failed: %s", e.Op, e.Msg)
}

// ErrNotInitialized is returned when the backend is used before Init
type ErrNotInitialized struct{}

func (e ErrNotInitialized) Error() string {
	return "NVML backend not initialized"
}

// ErrDeviceNotFound is returned for an index outside [0, DeviceCount)
type ErrDeviceNotFound struct {
	Index int
}

func (e ErrDeviceNotFound) Error() string {
	return fmt.Sprintf("GPU device not found: index %d", e.Index)
}

// IsNotSupported reports whether err is an NVML "not supported" failure,
// which is the usual outcome of reading a sensor the device does not have.
func IsNotSupported(err error) bool {
	var nvmlErr ErrNVML
	if errors.As(err, &nvmlErr) {
		return nvmlErr.Return == nvml.ERROR_NOT_SUPPORTED
	}
	return false
}
