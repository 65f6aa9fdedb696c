package presentation

import (
	"github.com/crowdllama/llamadesk/internal/config"
	"github.com/crowdllama/llamadesk/internal/gateway"
	"github.com/crowdllama/llamadesk/internal/supervisor"
)

// OutcomeDTO represents the result of one gateway command
type OutcomeDTO struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LifecycleDTO represents a worker lifecycle event
type LifecycleDTO struct {
	Event string `json:"event"`
	PID   int    `json:"pid"`
	Error string `json:"error,omitempty"`
}

// FromOutcome converts a gateway outcome to a DTO.
func FromOutcome(command string, out gateway.Outcome) OutcomeDTO {
	return OutcomeDTO{Command: command, Success: out.Success, Message: out.Message}
}

// FromEvent converts a supervisor lifecycle event to a DTO.
func FromEvent(ev supervisor.Event) LifecycleDTO {
	dto := LifecycleDTO{Event: string(ev.Kind), PID: ev.PID}
	if ev.Err != nil {
		dto.Error = ev.Err.Error()
	}
	return dto
}

// ConfigDTO is the effective configuration with durations as strings
// ("5s") so it reads the same way the config file is written.
type ConfigDTO struct {
	Path      string          `json:"path,omitempty"`
	Worker    WorkerDTO       `json:"worker"`
	IPC       IPCDTO          `json:"ipc"`
	KeepAlive KeepAliveDTO    `json:"keepalive"`
	Gateway   GatewayDTO      `json:"gateway"`
	Tracing   TracingDTO      `json:"tracing"`
	UI        UIDTO           `json:"ui"`
	Flags     map[string]bool `json:"flags"`
}

type WorkerDTO struct {
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	Dir         string   `json:"dir,omitempty"`
	Env         []string `json:"env,omitempty"`
	StopTimeout string   `json:"stop_timeout"`
}

type IPCDTO struct {
	SocketPath    string `json:"socket_path"`
	SocketEnv     string `json:"socket_env"`
	SettleDelay   string `json:"settle_delay"`
	DialTimeout   string `json:"dial_timeout"`
	MaxFrameBytes int    `json:"max_frame_bytes"`
	WaitForSocket bool   `json:"wait_for_socket"`
}

type KeepAliveDTO struct {
	Interval       string `json:"interval"`
	ReconnectDelay string `json:"reconnect_delay"`
}

type GatewayDTO struct {
	MessageTTL string `json:"message_ttl"`
}

type TracingDTO struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter"`
	FilePath     string  `json:"file_path,omitempty"`
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty"`
	SampleRate   float64 `json:"sample_rate"`
	ServiceName  string  `json:"service_name,omitempty"`
}

type UIDTO struct {
	Markdown      bool   `json:"markdown"`
	MarkdownStyle string `json:"markdown_style"`
	DefaultModel  string `json:"default_model"`
	DefaultMode   string `json:"default_mode"`
	StatusPoll    string `json:"status_poll"`
	AutoStart     bool   `json:"auto_start"`
}

// FromConfig converts a loaded config to a DTO. path is the file it was
// read from, empty when the built-in defaults are in use.
func FromConfig(path string, c config.Config) ConfigDTO {
	return ConfigDTO{
		Path: path,
		Worker: WorkerDTO{
			Command:     c.Worker.Command,
			Args:        c.Worker.Args,
			Dir:         c.Worker.Dir,
			Env:         c.Worker.Env,
			StopTimeout: c.Worker.StopTimeout.String(),
		},
		IPC: IPCDTO{
			SocketPath:    c.IPC.SocketPath,
			SocketEnv:     c.IPC.SocketEnv,
			SettleDelay:   c.IPC.SettleDelay.String(),
			DialTimeout:   c.IPC.DialTimeout.String(),
			MaxFrameBytes: c.IPC.MaxFrameBytes,
			WaitForSocket: c.IPC.WaitForSocket,
		},
		KeepAlive: KeepAliveDTO{
			Interval:       c.KeepAlive.Interval.String(),
			ReconnectDelay: c.KeepAlive.ReconnectDelay.String(),
		},
		Gateway: GatewayDTO{MessageTTL: c.Gateway.MessageTTL.String()},
		Tracing: TracingDTO{
			Enabled:      c.Tracing.Enabled,
			Exporter:     c.Tracing.Exporter,
			FilePath:     c.Tracing.FilePath,
			OTLPEndpoint: c.Tracing.OTLPEndpoint,
			SampleRate:   c.Tracing.SampleRate,
			ServiceName:  c.Tracing.ServiceName,
		},
		UI: UIDTO{
			Markdown:      c.UI.Markdown,
			MarkdownStyle: c.UI.MarkdownStyle,
			DefaultModel:  c.UI.DefaultModel,
			DefaultMode:   c.UI.DefaultMode,
			StatusPoll:    c.UI.StatusPoll.String(),
			AutoStart:     c.UI.AutoStart,
		},
		Flags: c.Flags,
	}
}
