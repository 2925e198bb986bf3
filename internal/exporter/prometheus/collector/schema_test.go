// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema(t *testing.T) {
	names := map[string]bool{}
	for _, s := range schema {
		assert.False(t, names[s.name], "duplicate metric %s", s.name)
		names[s.name] = true
		assert.NotEmpty(t, s.help, s.name)

		switch {
		case s.name == numDevices:
			assert.Empty(t, s.labels)
		case strings.HasPrefix(s.name, "process_"):
			assert.Equal(t, processLabelNames, s.labels)
		default:
			assert.Equal(t, deviceLabelNames, s.labels)
		}
	}
	assert.Len(t, names, 10)

	// process labels extend device labels so series can be joined
	assert.Equal(t, deviceLabelNames, processLabelNames[:len(deviceLabelNames)])
}

func TestMetricSet_Register(t *testing.T) {
	t.Run("all metrics", func(t *testing.T) {
		reg := prometheus.NewPedanticRegistry()
		m := newMetricSet(schema)
		require.NoError(t, m.register(reg))

		require.NoError(t, m.set(numDevices, 3))
		require.NoError(t, m.set(temperatureCelsius, 40, "0", "GPU-0", "A100"))

		count, err := testutil.GatherAndCount(reg)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("duplicate names", func(t *testing.T) {
		m := newMetricSet([]metricSpec{
			{"dup", "first", nil},
			{"dup", "second", []string{"uuid"}},
		})
		assert.Error(t, m.register(prometheus.NewRegistry()))
	})

	t.Run("name collision with another collector", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nvidia_gpu_temperature_celsius",
			Help: "Temperature of the GPU device in celsius",
		}))
		err := newMetricSet(schema).register(reg)
		assert.ErrorContains(t, err, "nvidia_gpu_temperature_celsius")
	})
}

func TestMetricSet_Set(t *testing.T) {
	m := newMetricSet(schema)

	assert.ErrorContains(t, m.set("bogus", 1), "unknown metric")
	assert.ErrorContains(t, m.set(temperatureCelsius, 1, "0"), "invalid labels")
	assert.Error(t, m.set(temperatureCelsius, 1, "0", "GPU-0", "bad\xff"))

	require.NoError(t, m.set(memoryUsedBytes, 1, "0", "GPU-0", "A100"))
	require.NoError(t, m.set(memoryUsedBytes, 2, "0", "GPU-0", "A100"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.vecs[memoryUsedBytes].WithLabelValues("0", "GPU-0", "A100")))

	require.NoError(t, m.set(memoryFreeBytes, 3, "0", "GPU-0", "A100"))
	m.reset(memoryUsedBytes, "bogus")
	assert.Zero(t, testutil.CollectAndCount(m.vecs[memoryUsedBytes]))
	assert.Equal(t, 1, testutil.CollectAndCount(m.vecs[memoryFreeBytes]), "only named vectors are reset")
}
