// Package config provides configuration types, defaults and validation for
// llamadesk.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crowdllama/llamadesk/internal/flags"
	"github.com/crowdllama/llamadesk/internal/gateway"
	"github.com/crowdllama/llamadesk/internal/ipc"
	"github.com/crowdllama/llamadesk/internal/keepalive"
	"github.com/crowdllama/llamadesk/internal/log"
	"github.com/crowdllama/llamadesk/internal/paths"
	"github.com/crowdllama/llamadesk/internal/supervisor"
	"github.com/crowdllama/llamadesk/internal/tracing"
)

// Config holds all configuration options for llamadesk.
type Config struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	KeepAlive KeepAliveConfig `mapstructure:"keepalive"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	UI        UIConfig        `mapstructure:"ui"`
	Flags     map[string]bool `mapstructure:"flags"`
}

// WorkerConfig describes how the worker process is launched.
type WorkerConfig struct {
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	Dir         string        `mapstructure:"dir"`
	Env         []string      `mapstructure:"env"` // KEY=VALUE, added to the inherited environment
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// IPCConfig holds the socket channel settings.
type IPCConfig struct {
	SocketPath    string        `mapstructure:"socket_path"`
	SocketEnv     string        `mapstructure:"socket_env"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	MaxFrameBytes int           `mapstructure:"max_frame_bytes"` // 0 disables the limit
	WaitForSocket bool          `mapstructure:"wait_for_socket"`
}

type KeepAliveConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type GatewayConfig struct {
	MessageTTL time.Duration `mapstructure:"message_ttl"`
}

// UIConfig holds console options.
type UIConfig struct {
	Markdown      bool          `mapstructure:"markdown"`
	MarkdownStyle string        `mapstructure:"markdown_style"` // "dark" (default) or "light"
	DefaultModel  string        `mapstructure:"default_model"`
	DefaultMode   string        `mapstructure:"default_mode"` // "consumer" (default) or "worker"
	StatusPoll    time.Duration `mapstructure:"status_poll"`
	AutoStart     bool          `mapstructure:"auto_start"`
}

// Defaults returns a Config with the built-in defaults.
func Defaults() Config {
	traces := tracing.DefaultConfig()
	traces.FilePath = paths.TracesFile()

	return Config{
		Worker: WorkerConfig{
			Command:     "crowdllama",
			Args:        []string{"start"},
			StopTimeout: supervisor.DefaultStopTimeout,
		},
		IPC: IPCConfig{
			SocketPath:    supervisor.DefaultSocketPath,
			SocketEnv:     supervisor.DefaultSocketEnv,
			SettleDelay:   supervisor.DefaultSettleDelay,
			DialTimeout:   ipc.DefaultDialTimeout,
			MaxFrameBytes: ipc.DefaultMaxFrameBytes,
			WaitForSocket: true,
		},
		KeepAlive: KeepAliveConfig{
			Interval:       keepalive.DefaultInterval,
			ReconnectDelay: keepalive.DefaultReconnectDelay,
		},
		Gateway: GatewayConfig{
			MessageTTL: gateway.DefaultMessageTTL,
		},
		Tracing: traces,
		UI: UIConfig{
			Markdown:      true,
			MarkdownStyle: "dark",
			DefaultModel:  "llama3.2",
			DefaultMode:   string(ipc.ModeConsumer),
			StatusPoll:    5 * time.Second,
			AutoStart:     true,
		},
		Flags: flags.Defaults(),
	}
}

// ExpandPaths resolves a leading "~" in every path-valued setting.
func (c *Config) ExpandPaths() {
	c.Worker.Command = paths.ExpandHome(c.Worker.Command)
	c.Worker.Dir = paths.ExpandHome(c.Worker.Dir)
	c.IPC.SocketPath = paths.ExpandHome(c.IPC.SocketPath)
	c.Tracing.FilePath = paths.ExpandHome(c.Tracing.FilePath)
}

// Validate checks the whole configuration and joins every problem found.
func Validate(c Config) error {
	var errs []error

	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, errors.New("worker.command must not be empty"))
	}
	if c.Worker.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker.stop_timeout must be positive, got %s", c.Worker.StopTimeout))
	}
	for _, kv := range c.Worker.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, fmt.Errorf("worker.env entry %q must be KEY=VALUE", kv))
		}
	}

	if strings.TrimSpace(c.IPC.SocketPath) == "" {
		errs = append(errs, errors.New("ipc.socket_path must not be empty"))
	}
	if strings.TrimSpace(c.IPC.SocketEnv) == "" {
		errs = append(errs, errors.New("ipc.socket_env must not be empty"))
	}
	if c.IPC.SettleDelay <= 0 {
		errs = append(errs, fmt.Errorf("ipc.settle_delay must be positive, got %s", c.IPC.SettleDelay))
	}
	if c.IPC.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("ipc.dial_timeout must not be negative, got %s", c.IPC.DialTimeout))
	}
	if c.IPC.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("ipc.max_frame_bytes must not be negative, got %d", c.IPC.MaxFrameBytes))
	}

	if c.KeepAlive.Interval <= 0 {
		errs = append(errs, fmt.Errorf("keepalive.interval must be positive, got %s", c.KeepAlive.Interval))
	}
	if c.KeepAlive.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("keepalive.reconnect_delay must be positive, got %s", c.KeepAlive.ReconnectDelay))
	}
	if c.Gateway.MessageTTL <= 0 {
		errs = append(errs, fmt.Errorf("gateway.message_ttl must be positive, got %s", c.Gateway.MessageTTL))
	}

	if err := ValidateTracing(c.Tracing); err != nil {
		errs = append(errs, err)
	}

	if c.UI.DefaultMode != "" {
		if _, err := ipc.ParseMode(c.UI.DefaultMode); err != nil {
			errs = append(errs, fmt.Errorf("ui.default_mode: %w", err))
		}
	}
	switch c.UI.MarkdownStyle {
	case "", "dark", "light":
	default:
		errs = append(errs, fmt.Errorf("ui.markdown_style must be \"dark\" or \"light\", got %q", c.UI.MarkdownStyle))
	}
	if c.UI.StatusPoll <= 0 {
		errs = append(errs, fmt.Errorf("ui.status_poll must be positive, got %s", c.UI.StatusPoll))
	}

	if unknown := flags.Unknown(c.Flags); len(unknown) > 0 {
		log.Warn(log.CatConfig, "Unknown feature flags in config", "flags", unknown)
	}

	return errors.Join(errs...)
}

// ValidateTracing checks tracing configuration. Path requirements only
// apply when tracing is enabled.
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}
	if !tracing.ValidExporter(t.Exporter) {
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}
	if t.Enabled {
		if t.Exporter == tracing.ExporterFile && t.FilePath == "" {
			return errors.New("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == tracing.ExporterOTLP && t.OTLPEndpoint == "" {
			return errors.New("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// SupervisorConfig maps the worker and ipc sections onto supervisor.Config.
// socketWatch is the resolved socket-ready-watch flag, combined with
// ipc.wait_for_socket.
func (c Config) SupervisorConfig(socketWatch bool) supervisor.Config {
	return supervisor.Config{
		Worker: supervisor.SpawnConfig{
			Command: c.Worker.Command,
			Args:    c.Worker.Args,
			Dir:     c.Worker.Dir,
			Env:     c.Worker.Env,
		},
		SocketPath:    c.IPC.SocketPath,
		SocketEnv:     c.IPC.SocketEnv,
		SettleDelay:   c.IPC.SettleDelay,
		StopTimeout:   c.Worker.StopTimeout,
		WaitForSocket: c.IPC.WaitForSocket && socketWatch,
	}
}

// ChannelOptions returns the ipc.Channel options for the ipc section.
func (c Config) ChannelOptions() []ipc.ChannelOption {
	return []ipc.ChannelOption{
		ipc.WithDialTimeout(c.IPC.DialTimeout),
		ipc.WithMaxFrameBytes(c.IPC.MaxFrameBytes),
	}
}

// KeepAliveOptions returns the scheduler options for the keepalive section.
func (c Config) KeepAliveOptions() []keepalive.Option {
	return []keepalive.Option{
		keepalive.WithInterval(c.KeepAlive.Interval),
		keepalive.WithReconnectDelay(c.KeepAlive.ReconnectDelay),
	}
}

// DefaultConfigTemplate returns the default config as YAML with comments.
func DefaultConfigTemplate() string {
	return `# llamadesk configuration

# Worker process launched by "start"
worker:
  command: crowdllama
  args: [start]
  # dir: /path/to/crowdllama       # working directory (default: current)
  # env: [CROWDLLAMA_LOG=debug]    # extra KEY=VALUE pairs
  stop_timeout: 5s                 # SIGTERM grace period before SIGKILL

# Local socket shared with the worker
ipc:
  socket_path: /tmp/crowdllama.sock
  socket_env: CROWDLLAMA_SOCKET    # env var the worker reads the path from
  settle_delay: 2s                 # wait after spawn before connecting
  dial_timeout: 1s
  max_frame_bytes: 1048576         # drop a partial message larger than this (0 = no limit)
  wait_for_socket: true            # connect as soon as the socket appears

# Liveness probe
keepalive:
  interval: 60s
  reconnect_delay: 200ms           # delay before the ping when reconnecting

gateway:
  message_ttl: 10m                 # how long the latest message per type is remembered

# Distributed tracing of gateway commands
tracing:
  enabled: false
  exporter: file                   # none, file, stdout, otlp
  # file_path: ~/.config/llamadesk/traces/traces.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0

# Console
ui:
  markdown: true                   # render responses with glamour
  markdown_style: dark             # dark or light
  default_model: llama3.2
  default_mode: consumer           # consumer (chat) or worker (share compute)
  status_poll: 5s
  auto_start: true                 # start the worker when the console opens

# Feature flags
flags:
  log-tail: false                  # show the debug log pane (ctrl+l)
  socket-ready-watch: true         # watch for the socket file during settle
`
}

// WriteDefaultConfig creates a config file at configPath with the default
// settings and comments, creating the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
