package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/crowdllama/llamadesk/internal/config"
	"github.com/crowdllama/llamadesk/internal/flags"
	"github.com/crowdllama/llamadesk/internal/gateway"
	"github.com/crowdllama/llamadesk/internal/log"
	"github.com/crowdllama/llamadesk/internal/supervisor"
	"github.com/crowdllama/llamadesk/internal/tracing"
)

// runtime is the wired supervisor, gateway and tracing shared by the chat
// console and the headless runner.
type runtime struct {
	flags      *flags.Registry
	tracing    *tracing.Provider
	supervisor *supervisor.Supervisor
	gateway    *gateway.Gateway

	shutdownTimeout time.Duration
}

func newRuntime(c config.Config) (*runtime, error) {
	registry := flags.New(c.Flags)

	provider, err := tracing.NewProvider(c.Tracing)
	if err != nil {
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}

	sup := supervisor.New(
		c.SupervisorConfig(registry.Enabled(flags.FlagSocketReadyWatch)),
		supervisor.WithChannelOptions(c.ChannelOptions()...),
		supervisor.WithKeepAliveOptions(c.KeepAliveOptions()...),
	)
	gw := gateway.New(sup,
		gateway.WithTracer(provider.Tracer()),
		gateway.WithMessageTTL(c.Gateway.MessageTTL),
	)

	log.Info(log.CatConfig, "Runtime ready",
		"worker", c.Worker.Command,
		"socket", c.IPC.SocketPath,
		"tracing", provider.Enabled(),
		"flags", registry.All())

	return &runtime{
		flags:           registry,
		tracing:         provider,
		supervisor:      sup,
		gateway:         gw,
		shutdownTimeout: c.Worker.StopTimeout + 2*time.Second,
	}, nil
}

// shutdown stops the worker and flushes pending spans.
func (r *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	r.gateway.Close()
	if err := r.supervisor.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatProc, "Worker shutdown failed", err)
	}
	if err := r.tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatTrace, "Tracing shutdown failed", err)
	}
}
