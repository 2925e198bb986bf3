/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Host struct {
		ProcFS string `yaml:"procfs"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	PrometheusExporter struct {
		DebugCollectors []string `yaml:"debugCollectors"`
		// PruneStale drops series of devices and processes that are gone
		PruneStale *bool `yaml:"pruneStale"`
	}

	Exporter struct {
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	Process struct {
		// UserCacheTTL is how long uid to user name lookups are cached; 0 disables the cache
		UserCacheTTL time.Duration `yaml:"userCacheTTL"`
		// MaxCommandLength limits the command label in bytes; 0 disables the limit
		MaxCommandLength int `yaml:"maxCommandLength"`
	}

	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	// FakeGPU replaces NVML with synthetic devices; development only
	FakeGPU struct {
		Enabled *bool `yaml:"enabled"`
		Devices int   `yaml:"devices"`
	}

	Dev struct {
		FakeGPU FakeGPU `yaml:"fakeGpu"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Web      Web      `yaml:"web"`
		Exporter Exporter `yaml:"exporter"`
		Process  Process  `yaml:"process"`
		Debug    Debug    `yaml:"debug"`
		Dev      Dev      `yaml:"dev"`
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostProcFSFlag = "host.procfs"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	ExporterPrometheusPruneStaleFlag = "exporter.prune-stale"

	ProcessUserCacheTTLFlag = "process.user-cache-ttl"

	pprofEnabledFlag = "debug.pprof"
)

const (
	DefaultListenAddress    = ":9899"
	DefaultUserCacheTTL     = 5 * time.Minute
	DefaultMaxCommandLength = 256
	DefaultFakeGPUDevices   = 2
)

var validDebugCollectors = map[string]bool{
	"go":      true,
	"process": true,
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			ProcFS: "/proc",
		},
		Web: Web{
			ListenAddresses: []string{DefaultListenAddress},
		},
		Exporter: Exporter{
			Prometheus: PrometheusExporter{
				DebugCollectors: []string{},
				PruneStale:      ptr.To(false),
			},
		},
		Process: Process{
			UserCacheTTL:     DefaultUserCacheTTL,
			MaxCommandLength: DefaultMaxCommandLength,
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Dev: Dev{
			FakeGPU: FakeGPU{
				Enabled: ptr.To(false),
				Devices: DefaultFakeGPUDevices,
			},
		},
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader, skips ...SkipValidation) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(skips...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").String()

	webConfig := app.Flag(WebConfigFlag, "Web config file path (TLS, basic auth)").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultListenAddress).Strings()

	pruneStale := app.Flag(ExporterPrometheusPruneStaleFlag,
		"Drop series of GPUs and processes that are no longer present").Default("false").Bool()

	userCacheTTL := app.Flag(ProcessUserCacheTTLFlag,
		"How long to cache uid to user name lookups; 0 to disable").Default(DefaultUserCacheTTL.String()).Duration()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterPrometheusPruneStaleFlag] {
			cfg.Exporter.Prometheus.PruneStale = pruneStale
		}

		if flagsSet[ProcessUserCacheTTLFlag] {
			cfg.Process.UserCacheTTL = *userCacheTTL
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors; all problems are reported at once
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}

	var errs []string
	{ // log
		switch c.Log.Level {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
		switch c.Log.Format {
		case "text", "json":
		default:
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // host
		if !validationSkipped[SkipHostValidation] {
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // web
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // exporter
		for _, name := range c.Exporter.Prometheus.DebugCollectors {
			if !validDebugCollectors[name] {
				errs = append(errs, fmt.Sprintf("invalid debug collector: %s", name))
			}
		}
	}
	{ // process
		if c.Process.UserCacheTTL < 0 {
			errs = append(errs, fmt.Sprintf("invalid user cache ttl: %s; must be >= 0", c.Process.UserCacheTTL))
		}
		if c.Process.MaxCommandLength < 0 {
			errs = append(errs, fmt.Sprintf("invalid max command length: %d; must be >= 0", c.Process.MaxCommandLength))
		}
	}
	{ // dev
		if ptr.Deref(c.Dev.FakeGPU.Enabled, false) && c.Dev.FakeGPU.Devices < 1 {
			errs = append(errs, fmt.Sprintf("invalid fake gpu device count: %d; must be >= 1", c.Dev.FakeGPU.Devices))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	// host may be empty to listen on all interfaces
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE: yaml marshal of this struct is not expected to fail
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostProcFSFlag, c.Host.ProcFS},
		{WebConfigFlag, c.Web.Config},
		{WebListenAddressFlag, strings.Join(c.Web.ListenAddresses, ", ")},
		{"exporter.prometheus.debug-collectors", strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusPruneStaleFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.PruneStale, false))},
		{ProcessUserCacheTTLFlag, c.Process.UserCacheTTL.String()},
		{"process.max-command-length", strconv.Itoa(c.Process.MaxCommandLength)},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
		{"dev.fake-gpu.enabled", fmt.Sprintf("%v", ptr.Deref(c.Dev.FakeGPU.Enabled, false))},
	}

	sb := strings.Builder{}
	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}
	return sb.String()
}
