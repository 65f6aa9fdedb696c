package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/crowdllama/llamadesk/internal/gateway"
	"github.com/crowdllama/llamadesk/internal/ipc"
	"github.com/crowdllama/llamadesk/internal/log"
	"github.com/crowdllama/llamadesk/internal/presentation"
	"github.com/crowdllama/llamadesk/internal/pubsub"
	"github.com/crowdllama/llamadesk/internal/supervisor"
)

const (
	defaultReadyTimeout = 15 * time.Second
	readyPollInterval   = 500 * time.Millisecond
)

var errWorkerExited = errors.New("worker exited")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker without the console and print messages as JSON lines",
	Long: `Start the worker, wait for its socket, optionally join the network and
send prompts, then print every worker message as one JSON object per line.

Command results are printed as {"command":...,"success":...,"message":...}
and lifecycle changes as {"event":...,"pid":...}. The worker is stopped on
exit.

Example:
  llamadesk run --mode consumer --prompt "hello"
  echo "what is a llama?" | llamadesk run --stdin --for 30s`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("mode", "", "join the network in this mode once connected (consumer or worker)")
	runCmd.Flags().StringP("model", "m", "", "model for prompts (default: ui.default_model)")
	runCmd.Flags().StringArrayP("prompt", "p", nil, "prompt to send once connected (repeatable)")
	runCmd.Flags().Bool("stdin", false, "send each line read from stdin as a prompt")
	runCmd.Flags().Duration("for", 0, "exit after this long (default: until interrupted)")
	runCmd.Flags().Duration("ready-timeout", defaultReadyTimeout, "how long to wait for the worker socket")
}

func runRun(cmd *cobra.Command, _ []string) error {
	c, err := loadedConfig()
	if err != nil {
		return err
	}

	opts := headlessOptions{Model: c.UI.DefaultModel}
	opts.Mode, _ = cmd.Flags().GetString("mode")
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		opts.Model = model
	}
	opts.Prompts, _ = cmd.Flags().GetStringArray("prompt")
	opts.Duration, _ = cmd.Flags().GetDuration("for")
	opts.ReadyTimeout, _ = cmd.Flags().GetDuration("ready-timeout")
	if useStdin, _ := cmd.Flags().GetBool("stdin"); useStdin {
		opts.Stdin = cmd.InOrStdin()
	}
	if opts.Mode != "" {
		if _, err := ipc.ParseMode(opts.Mode); err != nil {
			return err
		}
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	events := rt.supervisor.Events().Subscribe(cmd.Context())
	h := newHeadless(rt.gateway, cmd.OutOrStdout(), opts)
	if err := h.run(cmd.Context(), events); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// headlessGateway is the part of the gateway the runner drives.
type headlessGateway interface {
	Start(ctx context.Context) gateway.Outcome
	Stop(ctx context.Context) gateway.Outcome
	Ping(ctx context.Context) gateway.Outcome
	Initialize(ctx context.Context, mode string) gateway.Outcome
	SendPrompt(ctx context.Context, prompt, model string) gateway.Outcome
	OnMessage(fn func(ipc.Message)) pubsub.ObserverID
	RemoveListener(id pubsub.ObserverID) bool
}

type headlessOptions struct {
	Mode    string
	Model   string
	Prompts []string
	// Stdin, when set, is read line by line and each line sent as a prompt.
	Stdin io.Reader
	// Duration ends the run after this long. Zero runs until ctx ends.
	Duration     time.Duration
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration
	Clock        clockwork.Clock
}

// headless runs one scripted session, printing everything as JSON lines.
type headless struct {
	gw   headlessGateway
	opts headlessOptions
	out  *presentation.Formatter
}

func newHeadless(gw headlessGateway, out io.Writer, opts headlessOptions) *headless {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.ReadyPoll <= 0 {
		opts.ReadyPoll = readyPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &headless{gw: gw, opts: opts, out: presentation.NewFormatter(out)}
}

// run starts the worker and blocks until ctx ends, the duration passes or
// the worker exits. The worker is stopped before run returns.
func (h *headless) run(ctx context.Context, events <-chan pubsub.Event[supervisor.Event]) error {
	id := h.gw.OnMessage(h.writeMessage)
	defer h.gw.RemoveListener(id)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go h.watch(ctx, events, cancel)

	if out := h.command(ctx, "start", h.gw.Start); !out.Success {
		return fmt.Errorf("starting worker: %s", out.Message)
	}
	defer h.command(context.Background(), "stop", h.gw.Stop)

	if err := h.waitReady(ctx); err != nil {
		return err
	}

	if h.opts.Mode != "" {
		out := h.command(ctx, "initialize", func(ctx context.Context) gateway.Outcome {
			return h.gw.Initialize(ctx, h.opts.Mode)
		})
		if !out.Success {
			return fmt.Errorf("initialize: %s", out.Message)
		}
	}
	for _, prompt := range h.opts.Prompts {
		h.sendPrompt(ctx, prompt)
	}
	if h.opts.Stdin != nil {
		go h.readPrompts(ctx, h.opts.Stdin)
	}

	return h.wait(ctx)
}

func (h *headless) wait(ctx context.Context) error {
	if h.opts.Duration > 0 {
		select {
		case <-ctx.Done():
		case <-h.opts.Clock.After(h.opts.Duration):
			return nil
		}
	} else {
		<-ctx.Done()
	}
	return context.Cause(ctx)
}

// waitReady pings until the channel answers. A failed ping schedules a
// reconnect, so later pings succeed once the worker has bound its socket.
func (h *headless) waitReady(ctx context.Context) error {
	deadline := h.opts.Clock.After(h.opts.ReadyTimeout)
	for {
		out := h.gw.Ping(ctx)
		if out.Success {
			h.emit(presentation.FromOutcome("ping", out))
			return nil
		}
		log.Debug(log.CatGateway, "Worker not ready", "reason", out.Message)

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-deadline:
			return fmt.Errorf("worker not ready after %s: %s", h.opts.ReadyTimeout, out.Message)
		case <-h.opts.Clock.After(h.opts.ReadyPoll):
		}
	}
}

func (h *headless) readPrompts(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			h.sendPrompt(ctx, line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.ErrorErr(log.CatGateway, "Reading prompts failed", err)
	}
}

func (h *headless) sendPrompt(ctx context.Context, prompt string) {
	h.command(ctx, "send_prompt", func(ctx context.Context) gateway.Outcome {
		return h.gw.SendPrompt(ctx, prompt, h.opts.Model)
	})
}

func (h *headless) watch(ctx context.Context, events <-chan pubsub.Event[supervisor.Event], cancel context.CancelCauseFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.emit(presentation.FromEvent(ev.Payload))
			if ev.Payload.Kind == supervisor.EventExited {
				cancel(fmt.Errorf("%w (pid %d)", errWorkerExited, ev.Payload.PID))
				return
			}
		}
	}
}

func (h *headless) command(ctx context.Context, name string, fn func(context.Context) gateway.Outcome) gateway.Outcome {
	out := fn(ctx)
	h.emit(presentation.FromOutcome(name, out))
	return out
}

// writeMessage prints a worker message as it arrived on the wire.
func (h *headless) writeMessage(msg ipc.Message) {
	if err := h.out.WriteMessage(msg); err != nil {
		log.ErrorErr(log.CatGateway, "Writing message failed", err, "type", msg.Type())
	}
}

func (h *headless) emit(v any) {
	if err := h.out.WriteLine(v); err != nil {
		log.ErrorErr(log.CatGateway, "Writing output failed", err)
	}
}
