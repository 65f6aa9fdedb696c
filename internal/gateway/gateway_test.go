package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/crowdllama/llamadesk/internal/ipc"
	"github.com/crowdllama/llamadesk/internal/keepalive"
	"github.com/crowdllama/llamadesk/internal/pubsub"
	"github.com/crowdllama/llamadesk/internal/supervisor"
	"github.com/crowdllama/llamadesk/internal/tracing"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	running   bool
	pid       int
	startErr  error
	probeErr  error
	sendErr   error
	sent      []ipc.Message
	probes    int
	panicOn   string
	observers *pubsub.Observers[ipc.Message]
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{pid: 4242, observers: pubsub.NewObservers[ipc.Message]()}
}

func (f *fakeSupervisor) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == "start" {
		panic("boom")
	}
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return fmt.Errorf("%w (pid %d)", supervisor.ErrAlreadyRunning, f.pid)
	}
	f.running = true
	return nil
}

func (f *fakeSupervisor) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeSupervisor) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == "status" {
		panic("status boom")
	}
	if !f.running {
		return supervisor.Status{}
	}
	return supervisor.Status{Running: true, PID: f.pid}
}

func (f *fakeSupervisor) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeSupervisor) Send(msg ipc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSupervisor) Subscribe(fn func(ipc.Message)) pubsub.ObserverID {
	return f.observers.Register(fn)
}

func (f *fakeSupervisor) Unsubscribe(id pubsub.ObserverID) bool {
	return f.observers.Unregister(id)
}

func (f *fakeSupervisor) deliver(msg ipc.Message) {
	f.observers.Notify(msg)
}

func decode(t *testing.T, raw string) ipc.Message {
	t.Helper()
	msg, err := ipc.Decode([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestGateway_StartStopStatus(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup)
	ctx := context.Background()

	require.Equal(t, Status{}, g.Status(ctx))

	out := g.Start(ctx)
	require.True(t, out.Success)
	require.Equal(t, "Worker started (pid 4242)", out.Message)

	status := g.Status(ctx)
	require.True(t, status.IsRunning)
	require.NotNil(t, status.PID)
	require.Equal(t, 4242, *status.PID)

	out = g.Start(ctx)
	require.False(t, out.Success)
	require.Contains(t, out.Message, "already running")

	require.True(t, g.Stop(ctx).Success)
	require.True(t, g.Stop(ctx).Success)
	require.False(t, g.Status(ctx).IsRunning)
}

func TestGateway_StartFailure(t *testing.T) {
	sup := newFakeSupervisor()
	sup.startErr = fmt.Errorf("%w: exec: not found", supervisor.ErrSpawnFailed)
	g := New(sup)

	out := g.Start(context.Background())
	require.False(t, out.Success)
	require.Contains(t, out.Message, "exec: not found")
}

func TestGateway_StatusJSON(t *testing.T) {
	data, err := json.Marshal(Status{})
	require.NoError(t, err)
	require.JSONEq(t, `{"isRunning":false,"pid":null}`, string(data))

	pid := 7
	data, err = json.Marshal(Status{IsRunning: true, PID: &pid})
	require.NoError(t, err)
	require.JSONEq(t, `{"isRunning":true,"pid":7}`, string(data))

	data, err = json.Marshal(Outcome{Success: true, Message: "ok"})
	require.NoError(t, err)
	require.JSONEq(t, `{"success":true,"message":"ok"}`, string(data))
}

func TestGateway_Ping(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup)

	require.True(t, g.Ping(context.Background()).Success)

	sup.probeErr = keepalive.ErrReconnecting
	out := g.Ping(context.Background())
	require.False(t, out.Success)
	require.Equal(t, keepalive.ErrReconnecting.Error(), out.Message)
	require.Equal(t, 2, sup.probes)
}

func TestGateway_Initialize(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup)

	out := g.Initialize(context.Background(), " Worker ")
	require.True(t, out.Success, out.Message)
	require.Equal(t, []ipc.Message{ipc.Initialize{Mode: ipc.ModeWorker}}, sup.sent)

	out = g.Initialize(context.Background(), "relay")
	require.False(t, out.Success)
	require.Contains(t, out.Message, "invalid mode")
	require.Len(t, sup.sent, 1)

	sup.sendErr = ipc.ErrNotConnected
	out = g.Initialize(context.Background(), "consumer")
	require.False(t, out.Success)
	require.Equal(t, ipc.ErrNotConnected.Error(), out.Message)
}

func TestGateway_SendPrompt(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup)

	out := g.SendPrompt(context.Background(), "hello", "llama3.2")
	require.True(t, out.Success)
	require.Equal(t, []ipc.Message{ipc.Prompt{Prompt: "hello", Model: "llama3.2"}}, sup.sent)

	out = g.SendPrompt(context.Background(), "  \n", "llama3.2")
	require.False(t, out.Success)
	require.Equal(t, ErrEmptyPrompt.Error(), out.Message)

	sup.sendErr = ipc.ErrNotConnected
	out = g.SendPrompt(context.Background(), "again", "")
	require.False(t, out.Success)
	require.Len(t, sup.sent, 1)
}

func TestGateway_RecoversPanics(t *testing.T) {
	sup := newFakeSupervisor()
	sup.panicOn = "start"
	g := New(sup)

	var out Outcome
	require.NotPanics(t, func() { out = g.Start(context.Background()) })
	require.False(t, out.Success)
	require.Contains(t, out.Message, "start panicked: boom")

	sup.panicOn = "status"
	var status Status
	require.NotPanics(t, func() { status = g.Status(context.Background()) })
	require.Equal(t, Status{}, status)
}

func TestGateway_ForwardsMessagesInOrder(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup)

	var got []ipc.Message
	g.OnMessage(func(m ipc.Message) { got = append(got, m) })
	g.OnMessage(func(ipc.Message) { panic("listener bug") })
	var second []string
	g.OnMessage(func(m ipc.Message) { second = append(second, m.Type()) })

	status := decode(t, `{"type":"initialize_status","text":"joined"}`)
	custom := decode(t, `{"type":"peer_count","count":3}`)
	sup.deliver(status)
	sup.deliver(custom)

	require.Equal(t, []ipc.Message{status, custom}, got)
	require.Equal(t, []string{"initialize_status", "peer_count"}, second)
	require.JSONEq(t, `{"type":"peer_count","count":3}`, string(got[1].Raw()))
}

func TestGateway_RemoveListener(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup)

	calls := 0
	id := g.OnMessage(func(ipc.Message) { calls++ })
	sup.deliver(ipc.PromptResponse{Content: "a"})
	require.True(t, g.RemoveListener(id))
	require.False(t, g.RemoveListener(id))
	sup.deliver(ipc.PromptResponse{Content: "b"})
	require.Equal(t, 1, calls)
}

func TestGateway_LastMessage(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup)

	_, ok := g.LastMessage(ipc.TypeInitializeStatus)
	require.False(t, ok)

	sup.deliver(ipc.InitializeStatus{Text: "connecting"})
	sup.deliver(ipc.InitializeStatus{Text: "joined network as worker"})
	sup.deliver(decode(t, `{"kind":"untyped"}`))

	msg, ok := g.LastMessage(ipc.TypeInitializeStatus)
	require.True(t, ok)
	require.Equal(t, ipc.InitializeStatus{Text: "joined network as worker"}, msg)

	_, ok = g.LastMessage("")
	require.False(t, ok, "messages without a type are not remembered")
}

func TestGateway_LastMessageExpires(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup, WithMessageTTL(20*time.Millisecond))

	sup.deliver(ipc.PromptResponse{Content: "hi"})
	require.Eventually(t, func() bool {
		_, ok := g.LastMessage(ipc.TypePromptResponse)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestGateway_Close(t *testing.T) {
	sup := newFakeSupervisor()
	g := New(sup)

	calls := 0
	g.OnMessage(func(ipc.Message) { calls++ })
	sup.deliver(ipc.PromptResponse{Content: "a"})
	g.Close()
	sup.deliver(ipc.PromptResponse{Content: "b"})

	require.Equal(t, 1, calls)
	require.Zero(t, sup.observers.Len())
	_, ok := g.LastMessage(ipc.TypePromptResponse)
	require.False(t, ok)
}

func TestGateway_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sup := newFakeSupervisor()
	g := New(sup, WithTracer(tp.Tracer("test")))

	g.SendPrompt(context.Background(), "hello", "llama3.2")
	sup.sendErr = ipc.ErrNotConnected
	g.Initialize(context.Background(), "worker")
	sup.deliver(ipc.PromptResponse{Content: "hi"})

	ended := recorder.Ended()
	require.Len(t, ended, 3)

	prompt := ended[0]
	require.Equal(t, "gateway.send_prompt", prompt.Name())
	require.Equal(t, codes.Ok, prompt.Status().Code)
	require.Contains(t, prompt.Attributes(), attribute.Int(tracing.AttrPromptBytes, 5))
	require.Len(t, prompt.Events(), 1)
	require.Equal(t, tracing.EventMessageSent, prompt.Events()[0].Name)

	initialize := ended[1]
	require.Equal(t, "gateway.initialize", initialize.Name())
	require.Equal(t, codes.Error, initialize.Status().Code)
	require.Contains(t, initialize.Attributes(), attribute.String(tracing.AttrMode, "worker"))

	inbound := ended[2]
	require.Equal(t, tracing.SpanMessage, inbound.Name())
	require.Contains(t, inbound.Attributes(), attribute.String(tracing.AttrMessageType, ipc.TypePromptResponse))
}
