// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/device/nvidia"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/nvidia-gpu-exporter/internal/resource"
)

// MetricInfo holds information about a Prometheus metric
type MetricInfo struct {
	Name        string
	Type        string
	Description string
	Labels      []string
}

// staticIdentity resolves every pid to the same placeholder identity so that
// process series exist without reading /proc
type staticIdentity struct{}

func (staticIdentity) Lookup(pid int) (resource.Identity, error) {
	return resource.Identity{PID: pid, Command: "example", User: "root"}, nil
}

// gatherFamilies runs one sampling pass against a fake backend and returns
// every metric family the exporter would serve
func gatherFamilies(logger *slog.Logger) ([]*dto.MetricFamily, error) {
	backend := nvidia.NewFakeBackend(1, nvidia.WithFakeLogger(logger), nvidia.WithFakeProcesses(1))
	if err := backend.Init(); err != nil {
		return nil, err
	}
	defer func() { _ = backend.Shutdown() }()

	reg := prom.NewRegistry()
	if err := reg.Register(collector.NewBuildInfoCollector()); err != nil {
		return nil, err
	}

	gpu := collector.NewGPUCollector(backend, staticIdentity{}, collector.WithLogger(logger))
	if err := gpu.Register(reg); err != nil {
		return nil, err
	}
	return gpu.Gatherer(reg).Gather()
}

// extractMetricsInfo converts gathered families into documentation entries
func extractMetricsInfo(families []*dto.MetricFamily) []MetricInfo {
	metrics := make([]MetricInfo, 0, len(families))
	for _, mf := range families {
		var labels []string
		if len(mf.GetMetric()) > 0 {
			for _, lp := range mf.GetMetric()[0].GetLabel() {
				labels = append(labels, lp.GetName())
			}
		}
		metrics = append(metrics, MetricInfo{
			Name:        mf.GetName(),
			Type:        mf.GetType().String(),
			Description: mf.GetHelp(),
			Labels:      labels,
		})
	}
	return metrics
}

// generateMarkdown generates Markdown documentation from metric information
func generateMarkdown(metrics []MetricInfo) string {
	var md strings.Builder
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})

	md.WriteString("# NVIDIA GPU Exporter Metrics\n\n")
	md.WriteString("This document describes the metrics served on `/metrics`. ")
	md.WriteString("Every metric is a gauge refreshed on each scrape.\n\n")

	var device, process, other []MetricInfo
	for _, m := range metrics {
		switch {
		case strings.HasPrefix(m.Name, "nvidia_gpu_process_"):
			process = append(process, m)
		case hasLabel(m, "uuid"):
			device = append(device, m)
		default:
			other = append(other, m)
		}
	}

	if len(device) > 0 {
		md.WriteString("## Device Metrics\n\n")
		md.WriteString("One series per GPU, labelled by minor number, uuid and product name.\n\n")
		writeMetricsSection(&md, device)
	}
	if len(process) > 0 {
		md.WriteString("## Process Metrics\n\n")
		md.WriteString("One series per compute process running on a GPU.\n\n")
		writeMetricsSection(&md, process)
	}
	if len(other) > 0 {
		md.WriteString("## Exporter Metrics\n\n")
		writeMetricsSection(&md, other)
	}

	md.WriteString("---\n\n")
	md.WriteString("This documentation was automatically generated by the gen-metric-docs tool.\n")
	return md.String()
}

func hasLabel(m MetricInfo, name string) bool {
	for _, l := range m.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// writeMetricsSection writes a section of metrics to the markdown builder
func writeMetricsSection(md *strings.Builder, metrics []MetricInfo) {
	for _, metric := range metrics {
		fmt.Fprintf(md, "### %s\n\n", metric.Name)
		fmt.Fprintf(md, "- **Type**: %s\n", metric.Type)
		fmt.Fprintf(md, "- **Description**: %s\n", metric.Description)
		if len(metric.Labels) > 0 {
			md.WriteString("- **Labels**:\n")
			for _, label := range metric.Labels {
				fmt.Fprintf(md, "  - `%s`\n", label)
			}
		}
		md.WriteString("\n")
	}
}

func run(outputPath string, logOut io.Writer) error {
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelWarn + 1}))

	families, err := gatherFamilies(logger)
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	markdown := generateMarkdown(extractMetricsInfo(families))

	if dir := filepath.Dir(outputPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("failed to write markdown file: %w", err)
	}
	return nil
}

func main() {
	outputPath := flag.String("output", "docs/metrics.md", "Path to output Markdown file")
	flag.Parse()

	if err := run(*outputPath, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Metrics documentation written to %s\n", *outputPath)
}
