// Package gateway is the command surface the console and headless runner
// use to drive the worker. Every command reports an Outcome instead of an
// error, and inbound worker messages are fanned out to registered
// listeners unchanged.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/crowdllama/llamadesk/internal/cachemanager"
	"github.com/crowdllama/llamadesk/internal/ipc"
	"github.com/crowdllama/llamadesk/internal/keepalive"
	"github.com/crowdllama/llamadesk/internal/log"
	"github.com/crowdllama/llamadesk/internal/pubsub"
	"github.com/crowdllama/llamadesk/internal/supervisor"
	"github.com/crowdllama/llamadesk/internal/tracing"
)

// DefaultMessageTTL is how long the latest message of each type is kept.
const DefaultMessageTTL = 10 * time.Minute

// ErrEmptyPrompt is returned by SendPrompt for a blank prompt.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Supervisor is the subset of *supervisor.Supervisor the gateway drives.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop() error
	Status() supervisor.Status
	Probe(ctx context.Context) error
	Send(msg ipc.Message) error
	Subscribe(fn func(ipc.Message)) pubsub.ObserverID
	Unsubscribe(id pubsub.ObserverID) bool
}

var _ Supervisor = (*supervisor.Supervisor)(nil)

// Outcome is the result of every command except Status.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Status reports the worker's bookkeeping state. PID is nil when stopped.
type Status struct {
	IsRunning bool `json:"isRunning"`
	PID       *int `json:"pid"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTracer sets the tracer for command and message spans.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithMessageTTL sets how long LastMessage remembers each type.
func WithMessageTTL(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// Gateway translates commands into supervisor calls.
type Gateway struct {
	sup       Supervisor
	tracer    trace.Tracer
	ttl       time.Duration
	observers *pubsub.Observers[ipc.Message]
	last      cachemanager.CacheManager[string, ipc.Message]
	sub       pubsub.ObserverID
}

// New creates a Gateway and subscribes it to sup's inbound messages.
func New(sup Supervisor, opts ...Option) *Gateway {
	g := &Gateway{
		sup:       sup,
		tracer:    noop.NewTracerProvider().Tracer(tracing.DefaultServiceName),
		ttl:       DefaultMessageTTL,
		observers: pubsub.NewObservers[ipc.Message](),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.last = cachemanager.NewInMemoryCacheManager[string, ipc.Message]("last-message", g.ttl, cachemanager.DefaultCleanupInterval)
	g.observers.OnPanic = func(id pubsub.ObserverID, err error) {
		log.ErrorErr(log.CatGateway, "Message listener panicked", err, "listener", string(id))
	}
	g.sub = sup.Subscribe(g.route)
	return g
}

// Close detaches the gateway from the supervisor and drops its listeners.
func (g *Gateway) Close() {
	g.sup.Unsubscribe(g.sub)
	g.observers.Clear()
	g.last.Flush(context.Background())
}

// Start spawns the worker.
func (g *Gateway) Start(ctx context.Context) Outcome {
	return g.run(ctx, "start", nil, func(ctx context.Context) (string, error) {
		if err := g.sup.Start(ctx); err != nil {
			return "", err
		}
		st := g.sup.Status()
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int(tracing.AttrWorkerPID, st.PID))
		return fmt.Sprintf("Worker started (pid %d)", st.PID), nil
	})
}

// Stop terminates the worker. It always succeeds.
func (g *Gateway) Stop(ctx context.Context) Outcome {
	return g.run(ctx, "stop", nil, func(context.Context) (string, error) {
		if err := g.sup.Stop(); err != nil {
			return "", err
		}
		return "Worker stopped", nil
	})
}

// Status reports whether a worker is running and its pid.
func (g *Gateway) Status(ctx context.Context) (status Status) {
	_, span := tracing.StartCommand(ctx, g.tracer, "status")
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("status panicked: %v", r)
			log.ErrorErr(log.CatGateway, "Command panicked", err)
			status = Status{}
			tracing.Finish(span, err)
		}
	}()

	st := g.sup.Status()
	if st.Running {
		pid := st.PID
		status = Status{IsRunning: true, PID: &pid}
	}
	span.SetAttributes(attribute.Bool(tracing.AttrRunning, status.IsRunning))
	tracing.Finish(span, nil)
	return status
}

// Ping runs one keep-alive probe now. A disconnected channel reports
// failure while a reconnect is attempted in the background.
func (g *Gateway) Ping(ctx context.Context) Outcome {
	return g.run(ctx, "ping", nil, func(ctx context.Context) (string, error) {
		err := g.sup.Probe(ctx)
		if errors.Is(err, keepalive.ErrReconnecting) {
			trace.SpanFromContext(ctx).AddEvent(tracing.EventReconnecting)
		}
		if err != nil {
			return "", err
		}
		return "Ping sent", nil
	})
}

// Initialize joins the network in the given mode.
func (g *Gateway) Initialize(ctx context.Context, mode string) Outcome {
	attrs := []attribute.KeyValue{attribute.String(tracing.AttrMode, mode)}
	return g.run(ctx, "initialize", attrs, func(ctx context.Context) (string, error) {
		m, err := ipc.ParseMode(mode)
		if err != nil {
			return "", err
		}
		if err := g.send(ctx, ipc.Initialize{Mode: m}); err != nil {
			return "", err
		}
		return fmt.Sprintf("Initialize sent (mode %s)", m), nil
	})
}

// SendPrompt sends a prompt for model to the worker.
func (g *Gateway) SendPrompt(ctx context.Context, prompt, model string) Outcome {
	attrs := []attribute.KeyValue{
		attribute.String(tracing.AttrModel, model),
		attribute.Int(tracing.AttrPromptBytes, len(prompt)),
	}
	return g.run(ctx, "send_prompt", attrs, func(ctx context.Context) (string, error) {
		if strings.TrimSpace(prompt) == "" {
			return "", ErrEmptyPrompt
		}
		if err := g.send(ctx, ipc.Prompt{Prompt: prompt, Model: model}); err != nil {
			return "", err
		}
		return "Prompt sent", nil
	})
}

// OnMessage registers fn for every inbound worker message.
func (g *Gateway) OnMessage(fn func(ipc.Message)) pubsub.ObserverID {
	return g.observers.Register(fn)
}

// RemoveListener unregisters a listener added with OnMessage.
func (g *Gateway) RemoveListener(id pubsub.ObserverID) bool {
	return g.observers.Unregister(id)
}

// LastMessage returns the most recent inbound message of the given type
// if it arrived within the message TTL.
func (g *Gateway) LastMessage(kind string) (ipc.Message, bool) {
	return g.last.Get(context.Background(), kind)
}

func (g *Gateway) send(ctx context.Context, msg ipc.Message) error {
	if err := g.sup.Send(msg); err != nil {
		return err
	}
	trace.SpanFromContext(ctx).AddEvent(tracing.EventMessageSent,
		trace.WithAttributes(attribute.String(tracing.AttrMessageType, msg.Type())))
	return nil
}

func (g *Gateway) route(msg ipc.Message) {
	_, span := g.tracer.Start(context.Background(), tracing.SpanMessage,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String(tracing.AttrMessageType, msg.Type())))
	defer span.End()

	if kind := msg.Type(); kind != "" {
		g.last.Set(context.Background(), kind, msg, cachemanager.UseDefault)
	}
	log.Debug(log.CatGateway, "Inbound message", "type", msg.Type(), "listeners", g.observers.Len())
	g.observers.Notify(msg)
}

// run executes one command inside a span and converts its result,
// error or panic into an Outcome.
func (g *Gateway) run(ctx context.Context, command string, attrs []attribute.KeyValue, fn func(context.Context) (string, error)) (out Outcome) {
	ctx, span := tracing.StartCommand(ctx, g.tracer, command, attrs...)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s panicked: %v", command, r)
			log.ErrorErr(log.CatGateway, "Command panicked", err)
			tracing.Finish(span, err)
			out = Outcome{Message: err.Error()}
		}
	}()

	msg, err := fn(ctx)
	tracing.Finish(span, err)
	if err != nil {
		log.Warn(log.CatGateway, "Command failed", "command", command, "error", err)
		return Outcome{Message: err.Error()}
	}
	log.Debug(log.CatGateway, "Command succeeded", "command", command, "message", msg)
	return Outcome{Success: true, Message: msg}
}
