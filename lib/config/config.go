// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "CONMON_CONFIG"

// Config is the supervisor's configuration.
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Paths     PathsConfig     `yaml:"paths"`
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Relay     RelayConfig     `yaml:"relay"`
	Exec      ExecConfig      `yaml:"exec"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// OOMScoreAdj is written to /proc/self/oom_score_adj at startup so
	// the kernel OOM killer picks the container before its supervisor.
	// Nil leaves the score untouched; the default is -1000.
	OOMScoreAdj *int `yaml:"oom_score_adj"`
}

// RuntimeConfig locates the low-level OCI runtime.
type RuntimeConfig struct {
	// Path is the runtime binary, resolved through PATH when relative.
	Path string `yaml:"path"`

	// Root is passed as --root to every runtime invocation. Empty
	// uses the runtime's own default.
	Root string `yaml:"root"`

	// LogRuntime passes --log <run_dir>/<id>/runtime.log so create
	// failures report the runtime's own error message.
	LogRuntime bool `yaml:"log_runtime"`
}

// PathsConfig configures filesystem locations.
type PathsConfig struct {
	// Socket is the control socket path.
	Socket string `yaml:"socket"`

	// RunDir holds one directory per container for its pid file,
	// console socket, and runtime log.
	RunDir string `yaml:"run_dir"`

	// ExitDir receives one exit file per container, named by ID.
	ExitDir string `yaml:"exit_dir"`
}

// LogConfig configures the supervisor's own log.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is auto (text on a terminal, JSON otherwise), text, or
	// json.
	Format string `yaml:"format"`

	// File sends the log to a size-rotated file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Connection policies for a second client while one is being served.
const (
	ConnectionPolicyReject = "reject"
	ConnectionPolicyQueue  = "queue"
)

// TransportConfig configures the control socket.
type TransportConfig struct {
	ConnectionPolicy string `yaml:"connection_policy"`
	MaxFrameSize     int    `yaml:"max_frame_size"`
}

// RelayConfig sizes the output relays.
type RelayConfig struct {
	// ReadBufferSize is the read size of each pump.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// LogQueueDepth and AttachQueueDepth are the subscriber channel
	// capacities in chunks. A subscriber that falls this far behind
	// is dropped.
	LogQueueDepth    int `yaml:"log_queue_depth"`
	AttachQueueDepth int `yaml:"attach_queue_depth"`
}

// ExecConfig bounds exec_sync sessions.
type ExecConfig struct {
	// OutputLimit caps the captured bytes per stream; the most recent
	// bytes are kept.
	OutputLimit int `yaml:"output_limit"`

	// KillGrace bounds the wait for a killed exec to be reaped.
	KillGrace Duration `yaml:"kill_grace"`

	// DrainTimeout bounds the wait for output after a process exits.
	// A grandchild holding the stream open would otherwise stall the
	// call forever.
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// Exit file content formats.
const (
	ExitContentCode        = "exit-code"
	ExitContentContainerID = "container-id"
	ExitContentBoth        = "both"
)

// NotifyConfig configures exit notification files.
type NotifyConfig struct {
	ExitContent string `yaml:"exit_content"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is a host:port for /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// Duration is a time.Duration written in YAML as a Go duration
// string ("2s", "500ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given. Every
// field has a usable value; a file only needs to name what differs.
func Default() *Config {
	cfg := &Config{
		Runtime: RuntimeConfig{
			Path:       "runc",
			LogRuntime: true,
		},
		Paths: PathsConfig{
			Socket:  "${XDG_RUNTIME_DIR:-/run}/bureau-conmon/conmon.sock",
			RunDir:  "${XDG_RUNTIME_DIR:-/run}/bureau-conmon/containers",
			ExitDir: "${XDG_RUNTIME_DIR:-/run}/bureau-conmon/exits",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Transport: TransportConfig{
			ConnectionPolicy: ConnectionPolicyReject,
			MaxFrameSize:     16 * 1024 * 1024,
		},
		Relay: RelayConfig{
			ReadBufferSize:   32 * 1024,
			LogQueueDepth:    1024,
			AttachQueueDepth: 256,
		},
		Exec: ExecConfig{
			OutputLimit:  4 * 1024 * 1024,
			KillGrace:    Duration(5 * time.Second),
			DrainTimeout: Duration(2 * time.Second),
		},
		Notify: NotifyConfig{
			ExitContent: ExitContentCode,
		},
		OOMScoreAdj: new(int),
	}
	*cfg.OOMScoreAdj = -1000
	return cfg
}

// Load reads the file named by CONMON_CONFIG, or returns the defaults
// (expanded) when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads the YAML file at path over the defaults and expands
// ${VAR} and ${VAR:-default} patterns in path fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Runtime.Path = expandVars(c.Runtime.Path)
	c.Runtime.Root = expandVars(c.Runtime.Root)
	c.Paths.Socket = expandVars(c.Paths.Socket)
	c.Paths.RunDir = expandVars(c.Paths.RunDir)
	c.Paths.ExitDir = expandVars(c.Paths.ExitDir)
	c.Log.File = expandVars(c.Log.File)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandVars expands ${VAR} and ${VAR:-default} against the process
// environment. Flag values go through it too, so a path given on the
// command line behaves like one from the file.
func ExpandVars(s string) string { return expandVars(s) }

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Runtime.Path == "" {
		errs = append(errs, errors.New("runtime.path is required"))
	}
	if c.Paths.Socket == "" {
		errs = append(errs, errors.New("paths.socket is required"))
	}
	if c.Paths.RunDir == "" {
		errs = append(errs, errors.New("paths.run_dir is required"))
	}
	if c.Paths.ExitDir == "" {
		errs = append(errs, errors.New("paths.exit_dir is required"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error (got %q)", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, text, or json (got %q)", c.Log.Format))
	}
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		errs = append(errs, errors.New("log.max_size_mb must be positive when log.file is set"))
	}

	switch c.Transport.ConnectionPolicy {
	case ConnectionPolicyReject, ConnectionPolicyQueue:
	default:
		errs = append(errs, fmt.Errorf("transport.connection_policy must be %q or %q (got %q)",
			ConnectionPolicyReject, ConnectionPolicyQueue, c.Transport.ConnectionPolicy))
	}
	if c.Transport.MaxFrameSize < 1024 {
		errs = append(errs, fmt.Errorf("transport.max_frame_size must be at least 1024 (got %d)", c.Transport.MaxFrameSize))
	}

	if c.Relay.ReadBufferSize <= 0 {
		errs = append(errs, errors.New("relay.read_buffer_size must be positive"))
	}
	if c.Relay.LogQueueDepth <= 0 {
		errs = append(errs, errors.New("relay.log_queue_depth must be positive"))
	}
	if c.Relay.AttachQueueDepth <= 0 {
		errs = append(errs, errors.New("relay.attach_queue_depth must be positive"))
	}

	if c.Exec.OutputLimit <= 0 {
		errs = append(errs, errors.New("exec.output_limit must be positive"))
	}
	if c.Exec.KillGrace <= 0 {
		errs = append(errs, errors.New("exec.kill_grace must be positive"))
	}
	if c.Exec.DrainTimeout <= 0 {
		errs = append(errs, errors.New("exec.drain_timeout must be positive"))
	}

	switch c.Notify.ExitContent {
	case ExitContentCode, ExitContentContainerID, ExitContentBoth:
	default:
		errs = append(errs, fmt.Errorf("notify.exit_content must be %q, %q, or %q (got %q)",
			ExitContentCode, ExitContentContainerID, ExitContentBoth, c.Notify.ExitContent))
	}

	if c.OOMScoreAdj != nil && (*c.OOMScoreAdj < -1000 || *c.OOMScoreAdj > 1000) {
		errs = append(errs, fmt.Errorf("oom_score_adj must be within [-1000, 1000] (got %d)", *c.OOMScoreAdj))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the run and exit directories and the control
// socket's parent.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.RunDir, c.Paths.ExitDir, filepath.Dir(c.Paths.Socket)} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
