// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"strings"

	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/device/nvidia"
)

// SampleProcesses renders one line per running compute process:
//
//	[<index>] <name>|<temperature>°C <utilization>%| <used> / <total> MB
//
// Lines follow device order, then the order the driver reports processes
// in, and are joined by "\n" with no trailing newline. The result is empty
// when no process is running. Used and total memory are the byte counts
// reported by the driver.
func (c *GPUCollector) SampleProcesses() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, err := c.deviceCount()
	if err != nil {
		return "", err
	}

	var lines []string
	for i := 0; i < count; i++ {
		dev, labels, err := c.device(i)
		if err != nil {
			return "", err
		}

		procs, err := dev.ComputeRunningProcesses()
		if err != nil {
			c.logger.Warn("failed to enumerate compute processes",
				"device", dev.Index(), "uuid", labels.uuid, "error", err)
			continue
		}

		for _, p := range procs {
			if _, err := c.identity.Lookup(int(p.PID)); err != nil {
				c.logger.Debug("skipping process without identity", "pid", p.PID, "error", err)
				continue
			}
			line, err := statusLine(dev, labels.name)
			if err != nil {
				c.logger.Debug("skipping process on device with unreadable sensors",
					"pid", p.PID, "device", dev.Index(), "error", err)
				continue
			}
			lines = append(lines, line)
		}
	}

	return strings.Join(lines, "\n"), nil
}

func statusLine(dev nvidia.Device, name string) (string, error) {
	temp, err := dev.Temperature()
	if err != nil {
		return "", err
	}
	util, err := dev.Utilization()
	if err != nil {
		return "", err
	}
	mem, err := dev.MemoryInfo()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("[%d] %s|%d°C %d%%| %d / %d MB",
		dev.Index(), name, temp, util.GPU, mem.Used, mem.Total), nil
}
