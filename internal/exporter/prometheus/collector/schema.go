// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
)

const gpuNS = "nvidia_gpu"

// metric names, without namespace
const (
	numDevices             = "num_devices"
	gpuUtilization         = "gpu_utilization"
	memoryUtilization      = "memory_utilization"
	powerUsageMilliwatts   = "power_usage_milliwatts"
	temperatureCelsius     = "temperature_celsius"
	fanSpeedPercent        = "fanspeed_percent"
	memoryTotalBytes       = "memory_total_bytes"
	memoryFreeBytes        = "memory_free_bytes"
	memoryUsedBytes        = "memory_used_bytes"
	processMemoryUsedBytes = "process_memory_used_bytes"
)

// these labels must remain the same across device and process metrics so
// that series of one device can be joined
var (
	deviceLabelNames  = []string{"minor_number", "uuid", "name"}
	processLabelNames = append(append([]string{}, deviceLabelNames...), "pid", "user", "command")
)

type metricSpec struct {
	name   string
	help   string
	labels []string
}

// schema is the catalog of exported metrics. Every metric is a gauge
// holding an integer snapshot that is overwritten on each sampling pass.
var schema = []metricSpec{
	{numDevices, "Number of GPU devices", nil},
	{gpuUtilization, "Percent of time over the past sample period during which one or more kernels were executing on the GPU device", deviceLabelNames},
	{memoryUtilization, "Percent of time over the past sample period during which global (device) memory was being read or written to", deviceLabelNames},
	{powerUsageMilliwatts, "Power usage of the GPU device in milliwatts", deviceLabelNames},
	{temperatureCelsius, "Temperature of the GPU device in celsius", deviceLabelNames},
	{fanSpeedPercent, "Fan speed of the GPU device as a percent of its maximum", deviceLabelNames},
	{memoryTotalBytes, "Total memory available by the GPU device in bytes", deviceLabelNames},
	{memoryFreeBytes, "Free memory of the GPU device in bytes", deviceLabelNames},
	{memoryUsedBytes, "Memory used by the GPU device in bytes", deviceLabelNames},
	{processMemoryUsedBytes, "Memory used by the process on the GPU device in bytes", processLabelNames},
}

// metricSet holds one gauge vector per schema entry
type metricSet struct {
	specs []metricSpec
	vecs  map[string]*prom.GaugeVec
}

func newMetricSet(specs []metricSpec) *metricSet {
	m := &metricSet{
		specs: specs,
		vecs:  make(map[string]*prom.GaugeVec, len(specs)),
	}
	for _, s := range specs {
		m.vecs[s.name] = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: gpuNS,
			Name:      s.name,
			Help:      s.help,
		}, s.labels)
	}
	return m
}

// register adds every gauge vector to reg. Duplicate names or inconsistent
// label schemas are reported here and must prevent the exporter from serving.
func (m *metricSet) register(reg prom.Registerer) error {
	if len(m.vecs) != len(m.specs) {
		return fmt.Errorf("metric schema declares %d metrics but only %d names are unique", len(m.specs), len(m.vecs))
	}
	for _, s := range m.specs {
		if err := reg.Register(m.vecs[s.name]); err != nil {
			return fmt.Errorf("failed to register metric %s: %w", prom.BuildFQName(gpuNS, "", s.name), err)
		}
	}
	return nil
}

// set writes value for the series identified by labels, creating the
// series if it has not been seen before
func (m *metricSet) set(name string, value float64, labels ...string) error {
	vec, ok := m.vecs[name]
	if !ok {
		return fmt.Errorf("unknown metric %s", name)
	}
	g, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return fmt.Errorf("invalid labels for metric %s: %w", name, err)
	}
	g.Set(value)
	return nil
}

// reset drops every series of the named vectors; unknown names are ignored
func (m *metricSet) reset(names ...string) {
	for _, name := range names {
		if vec, ok := m.vecs[name]; ok {
			vec.Reset()
		}
	}
}
