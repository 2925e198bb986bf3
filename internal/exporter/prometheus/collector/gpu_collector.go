// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/device/nvidia"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/resource"
)

// DefaultMaxCommandLength is the default limit, in bytes, of the command label
const DefaultMaxCommandLength = 256

type (
	Backend          = nvidia.Backend
	IdentityResolver = resource.IdentityResolver
)

// reading is one value produced by a sensor dimension
type reading struct {
	metric string
	value  float64
}

// dimension is an optional sensor of a device. A device may not support a
// dimension or may fail to read it momentarily; either way the dimension is
// skipped for that device in that pass.
type dimension struct {
	name string
	read func(nvidia.Device) ([]reading, error)
}

var dimensions = []dimension{{
	name: "utilization",
	read: func(d nvidia.Device) ([]reading, error) {
		u, err := d.Utilization()
		if err != nil {
			return nil, err
		}
		return []reading{
			{gpuUtilization, float64(u.GPU)},
			{memoryUtilization, float64(u.Memory)},
		}, nil
	},
}, {
	name: "power",
	read: func(d nvidia.Device) ([]reading, error) {
		mw, err := d.PowerUsage()
		if err != nil {
			return nil, err
		}
		return []reading{{powerUsageMilliwatts, float64(mw)}}, nil
	},
}, {
	name: "temperature",
	read: func(d nvidia.Device) ([]reading, error) {
		t, err := d.Temperature()
		if err != nil {
			return nil, err
		}
		return []reading{{temperatureCelsius, float64(t)}}, nil
	},
}, {
	name: "fan_speed",
	read: func(d nvidia.Device) ([]reading, error) {
		speed, err := d.FanSpeed()
		if err != nil {
			return nil, err
		}
		return []reading{{fanSpeedPercent, float64(speed)}}, nil
	},
}, {
	name: "memory",
	read: func(d nvidia.Device) ([]reading, error) {
		mem, err := d.MemoryInfo()
		if err != nil {
			return nil, err
		}
		return []reading{
			{memoryTotalBytes, float64(mem.Total)},
			{memoryFreeBytes, float64(mem.Free)},
			{memoryUsedBytes, float64(mem.Used)},
		}, nil
	},
}}

// GPUCollector samples the telemetry source into the gauges of the schema.
// Sampling happens only when asked for; every pass re-enumerates devices and
// processes and overwrites the gauges.
type GPUCollector struct {
	logger   *slog.Logger
	backend  Backend
	identity IdentityResolver
	metrics  *metricSet

	pruneStale       bool
	maxCommandLength int

	// serializes sampling passes; the NVML binding is not assumed re-entrant
	mu sync.Mutex
}

type Opts struct {
	logger           *slog.Logger
	pruneStale       bool
	maxCommandLength int
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the GPUCollector
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithPruneStale drops series of devices and processes that disappeared
// since the previous pass
func WithPruneStale(prune bool) OptionFn {
	return func(o *Opts) {
		o.pruneStale = prune
	}
}

// WithMaxCommandLength limits the command label; <= 0 disables the limit
func WithMaxCommandLength(n int) OptionFn {
	return func(o *Opts) {
		o.maxCommandLength = n
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:           slog.Default(),
		maxCommandLength: DefaultMaxCommandLength,
	}
}

// NewGPUCollector creates the gauges of the schema. They are not visible
// until Register is called.
func NewGPUCollector(backend Backend, identity IdentityResolver, applyOpts ...OptionFn) *GPUCollector {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &GPUCollector{
		logger:           opts.logger.With("collector", "gpu"),
		backend:          backend,
		identity:         identity,
		metrics:          newMetricSet(schema),
		pruneStale:       opts.pruneStale,
		maxCommandLength: opts.maxCommandLength,
	}
}

// Register registers the schema with reg; it must be called exactly once
// before the first sampling pass
func (c *GPUCollector) Register(reg prom.Registerer) error {
	return c.metrics.register(reg)
}

// passMode selects what a sampling pass writes
type passMode uint8

const (
	passDevices passMode = 1 << iota
	passProcesses

	passFull = passDevices | passProcesses
)

func (m passMode) has(f passMode) bool {
	return m&f != 0
}

// written lists the metrics a pass in mode m overwrites
func (m passMode) written() []string {
	var names []string
	for _, s := range schema {
		isProcess := s.name == processMemoryUsedBytes
		if (isProcess && m.has(passProcesses)) || (!isProcess && m.has(passDevices)) {
			names = append(names, s.name)
		}
	}
	return names
}

// SampleDevices runs one device sampling pass: num_devices and every sensor
// dimension of every device.
func (c *GPUCollector) SampleDevices() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sample(passDevices)
}

// SampleProcessMetrics runs one process sampling pass writing
// process_memory_used_bytes for each compute process of each device.
func (c *GPUCollector) SampleProcessMetrics() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sample(passProcesses)
}

// Gatherer returns a prometheus.Gatherer that runs a full sampling pass
// (devices and processes) before gathering g. A failed pass fails the
// gather so that a scrape never returns a snapshot missing structural labels.
func (c *GPUCollector) Gatherer(g prom.Gatherer) prom.Gatherer {
	return prom.GathererFunc(func() ([]*dto.MetricFamily, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.sample(passFull); err != nil {
			c.logger.Error("sampling pass failed", "error", err)
			return nil, err
		}
		return g.Gather()
	})
}

// sample enumerates every device once and writes what mode selects. With
// pruning enabled only the metrics the pass rewrites are reset first.
func (c *GPUCollector) sample(mode passMode) error {
	if c.pruneStale {
		c.metrics.reset(mode.written()...)
	}

	count, err := c.deviceCount()
	if err != nil {
		return err
	}
	if mode.has(passDevices) {
		if err := c.metrics.set(numDevices, float64(count)); err != nil {
			return err
		}
	}

	for i := 0; i < count; i++ {
		dev, labels, err := c.device(i)
		if err != nil {
			return err
		}
		if mode.has(passDevices) {
			if err := c.sampleDevice(dev, labels); err != nil {
				return err
			}
		}
		if mode.has(passProcesses) {
			if err := c.sampleProcessMetrics(dev, labels); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *GPUCollector) deviceCount() (int, error) {
	count, err := c.backend.DeviceCount()
	if err != nil {
		return 0, fmt.Errorf("failed to get device count: %w", err)
	}
	return count, nil
}

func (c *GPUCollector) device(index int) (nvidia.Device, deviceLabels, error) {
	dev, err := c.backend.Device(index)
	if err != nil {
		return nil, deviceLabels{}, fmt.Errorf("failed to get device %d: %w", index, err)
	}
	labels, err := resolveDeviceLabels(dev)
	if err != nil {
		return nil, deviceLabels{}, fmt.Errorf("failed to resolve identity of device %d: %w", index, err)
	}
	return dev, labels, nil
}

// sampleDevice reads every dimension of dev. Unavailable dimensions are
// logged and skipped; only a failure to write a gauge is returned.
func (c *GPUCollector) sampleDevice(dev nvidia.Device, labels deviceLabels) error {
	var skipped error
	for _, dim := range dimensions {
		readErr, err := c.tryRead(dev, labels, dim)
		if err != nil {
			return err
		}
		if readErr != nil {
			skipped = multierror.Append(skipped, readErr)
		}
	}

	if skipped != nil {
		c.logger.Debug("skipped unavailable sensors",
			"device", dev.Index(), "uuid", labels.uuid, "reason", skipped)
	}
	return nil
}

// tryRead reads dim and writes its values under labels. readErr is the
// failure of the read itself, which callers skip; err is a failure to write
// the gauges, which aborts the pass.
func (c *GPUCollector) tryRead(dev nvidia.Device, labels deviceLabels, dim dimension) (readErr, err error) {
	readings, readErr := dim.read(dev)
	if readErr != nil {
		return fmt.Errorf("%s: %w", dim.name, readErr), nil
	}

	for _, r := range readings {
		if err := c.metrics.set(r.metric, r.value, labels.values()...); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// sampleProcessMetrics writes process_memory_used_bytes for the compute
// processes of dev. A device whose processes cannot be enumerated, and a
// process whose identity cannot be resolved, contribute nothing.
func (c *GPUCollector) sampleProcessMetrics(dev nvidia.Device, labels deviceLabels) error {
	procs, err := dev.ComputeRunningProcesses()
	if err != nil {
		c.logger.Warn("failed to enumerate compute processes",
			"device", dev.Index(), "uuid", labels.uuid, "error", err)
		return nil
	}

	for _, p := range procs {
		id, err := c.identity.Lookup(int(p.PID))
		if err != nil {
			c.logger.Debug("skipping process without identity", "pid", p.PID, "error", err)
			continue
		}

		values := labels.withProcess(p.PID,
			sanitizeLabelValue(id.User, 0),
			sanitizeLabelValue(id.Command, c.maxCommandLength))
		if err := c.metrics.set(processMemoryUsedBytes, float64(p.MemoryUsed), values...); err != nil {
			return err
		}
	}
	return nil
}
