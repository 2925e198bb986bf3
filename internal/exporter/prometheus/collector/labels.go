// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/device/nvidia"
)

// deviceLabels identifies a device across passes and across metrics
type deviceLabels struct {
	minorNumber string
	uuid        string
	name        string
}

func (l deviceLabels) values() []string {
	return []string{l.minorNumber, l.uuid, l.name}
}

func (l deviceLabels) withProcess(pid uint32, user, command string) []string {
	return append(l.values(), strconv.FormatUint(uint64(pid), 10), user, command)
}

// resolveDeviceLabels reads the structural identity of dev. Any failure is
// returned as-is: labels are not optional telemetry.
func resolveDeviceLabels(dev nvidia.Device) (deviceLabels, error) {
	minor, err := dev.MinorNumber()
	if err != nil {
		return deviceLabels{}, err
	}
	uuid, err := dev.UUID()
	if err != nil {
		return deviceLabels{}, err
	}
	name, err := dev.Name()
	if err != nil {
		return deviceLabels{}, err
	}
	return deviceLabels{
		minorNumber: strconv.Itoa(minor),
		uuid:        sanitizeLabelValue(uuid, 0),
		name:        sanitizeLabelValue(name, 0),
	}, nil
}

// sanitizeLabelValue makes an untrusted string safe to use as a label value:
// invalid UTF-8 is replaced, control characters become spaces and the result
// is truncated to maxLen bytes on a rune boundary (maxLen <= 0 disables
// truncation). Quotes and backslashes are escaped by the exposition encoder.
func sanitizeLabelValue(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)

	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
