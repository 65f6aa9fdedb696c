package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crowdllama/llamadesk/internal/config"
	"github.com/crowdllama/llamadesk/internal/flags"
	"github.com/crowdllama/llamadesk/internal/log"
	"github.com/crowdllama/llamadesk/internal/paths"
	"github.com/crowdllama/llamadesk/internal/ui/console"
)

func init() {
	// Query the terminal background before Bubble Tea owns stdin, otherwise
	// the OSC 11 reply can land in the input field.
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool

	cfg        config.Config
	cfgPath    string
	cfgErr     error
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "llamadesk",
	Short: "A terminal console for a local crowdllama worker",
	Long: `llamadesk starts a crowdllama worker process, connects to it over a local
socket and lets you join the network and chat with models from the terminal.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	cobra.OnInitialize(initLogging, initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/llamadesk/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"write debug logs (path from LLAMADESK_LOG, default debug.log)")

	rootCmd.Flags().StringP("model", "m", "", "model used for prompts")
	rootCmd.Flags().String("mode", "", "network mode: consumer or worker")
	rootCmd.Flags().Bool("no-auto-start", false, "do not start the worker when the console opens")

	_ = viper.BindPFlag("ui.default_model", rootCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("ui.default_mode", rootCmd.Flags().Lookup("mode"))
}

func initLogging() {
	if os.Getenv("LLAMADESK_DEBUG") == "" && !debugFlag {
		return
	}
	logPath := os.Getenv("LLAMADESK_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}
	cleanup, err := log.Init(logPath, "llamadesk")
	if err != nil {
		fmt.Fprintf(os.Stderr, "llamadesk: logging disabled: %v\n", err)
		return
	}
	logCleanup = cleanup
	log.Info(log.CatConfig, "Debug logging enabled", "path", logPath, "version", version)
}

func initConfig() {
	v := viper.GetViper()
	setDefaults(v)
	bindEnv(v)

	cfgPath, cfgErr = readConfig(v, cfgFile)
	if cfgErr != nil {
		return
	}
	cfg, cfgErr = loadConfig(v)
}

// setDefaults registers every config key with viper so that environment
// overrides and Unmarshal see the full key set.
func setDefaults(v *viper.Viper) {
	d := config.Defaults()

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.dir", d.Worker.Dir)
	v.SetDefault("worker.env", d.Worker.Env)
	v.SetDefault("worker.stop_timeout", d.Worker.StopTimeout)

	v.SetDefault("ipc.socket_path", d.IPC.SocketPath)
	v.SetDefault("ipc.socket_env", d.IPC.SocketEnv)
	v.SetDefault("ipc.settle_delay", d.IPC.SettleDelay)
	v.SetDefault("ipc.dial_timeout", d.IPC.DialTimeout)
	v.SetDefault("ipc.max_frame_bytes", d.IPC.MaxFrameBytes)
	v.SetDefault("ipc.wait_for_socket", d.IPC.WaitForSocket)

	v.SetDefault("keepalive.interval", d.KeepAlive.Interval)
	v.SetDefault("keepalive.reconnect_delay", d.KeepAlive.ReconnectDelay)

	v.SetDefault("gateway.message_ttl", d.Gateway.MessageTTL)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("ui.markdown", d.UI.Markdown)
	v.SetDefault("ui.markdown_style", d.UI.MarkdownStyle)
	v.SetDefault("ui.default_model", d.UI.DefaultModel)
	v.SetDefault("ui.default_mode", d.UI.DefaultMode)
	v.SetDefault("ui.status_poll", d.UI.StatusPoll)
	v.SetDefault("ui.auto_start", d.UI.AutoStart)

	for name, enabled := range d.Flags {
		v.SetDefault("flags."+name, enabled)
	}
}

// bindEnv maps LLAMADESK_<SECTION>_<KEY> onto config keys, for example
// LLAMADESK_WORKER_COMMAND or LLAMADESK_FLAGS_LOG_TAIL.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("LLAMADESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// readConfig loads the config file and returns its path.
//
// Lookup order:
//  1. explicit (--config)
//  2. .llamadesk/config.yaml (current directory)
//  3. ~/.config/llamadesk/config.yaml (user config)
//
// When nothing is found a commented default is written to the user config
// directory. If that fails the built-in defaults are used with no file.
func readConfig(v *viper.Viper, explicit string) (string, error) {
	switch {
	case explicit != "":
		v.SetConfigFile(explicit)
	case fileExists(paths.LocalConfigFile):
		v.SetConfigFile(paths.LocalConfigFile)
	default:
		v.AddConfigPath(paths.UserConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		path := paths.UserConfigFile()
		if writeErr := config.WriteDefaultConfig(path); writeErr != nil {
			log.Warn(log.CatConfig, "Using built-in defaults", "error", writeErr)
			return "", nil
		}
		v.SetConfigFile(path)
		err = v.ReadInConfig()
	}
	if err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}

	log.Info(log.CatConfig, "Loaded config", "path", v.ConfigFileUsed())
	return v.ConfigFileUsed(), nil
}

func loadConfig(v *viper.Viper) (config.Config, error) {
	var c config.Config
	if err := v.Unmarshal(&c); err != nil {
		return config.Config{}, fmt.Errorf("decoding config: %w", err)
	}
	c.ExpandPaths()
	return c, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadedConfig returns the validated config for a command.
func loadedConfig() (config.Config, error) {
	if cfgErr != nil {
		return config.Config{}, cfgErr
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	c, err := loadedConfig()
	if err != nil {
		return err
	}
	if noAutoStart, _ := cmd.Flags().GetBool("no-auto-start"); noAutoStart {
		c.UI.AutoStart = false
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	model := console.New(cmd.Context(), rt.gateway, console.Config{
		Model:         c.UI.DefaultModel,
		Mode:          c.UI.DefaultMode,
		Markdown:      c.UI.Markdown,
		MarkdownStyle: c.UI.MarkdownStyle,
		StatusPoll:    c.UI.StatusPoll,
		AutoStart:     c.UI.AutoStart,
		LogTail:       rt.flags.Enabled(flags.FlagLogTail),
		OnSelection:   saveSelection(cfgPath),
	})
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running console: %w", err)
	}
	return nil
}

// saveSelection persists the console's mode and model so the next session
// starts with them.
func saveSelection(path string) func(mode, model string) {
	return func(mode, model string) {
		if path == "" {
			return
		}
		if err := config.SaveUISelection(path, mode, model); err != nil {
			log.ErrorErr(log.CatConfig, "Failed to save selection", err, "path", path)
		}
	}
}

// Execute runs the root command until it returns or SIGINT/SIGTERM arrives.
func Execute() error {
	defer func() {
		if logCleanup != nil {
			logCleanup()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
