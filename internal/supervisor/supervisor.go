// Package supervisor owns the worker process together with the socket
// channel and keep-alive schedule that talk to it.
//
// Lifecycle: Stopped → Starting → Running → Stopped. Start spawns the worker
// and returns without waiting; once the settle delay passes the channel
// connects and keep-alive starts. An unexpected exit tears the channel down
// and returns to Stopped, after which Start works again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/crowdllama/llamadesk/internal/ipc"
	"github.com/crowdllama/llamadesk/internal/keepalive"
	"github.com/crowdllama/llamadesk/internal/log"
	"github.com/crowdllama/llamadesk/internal/pubsub"
	"github.com/crowdllama/llamadesk/internal/watcher"
)

const (
	DefaultSocketPath  = "/tmp/crowdllama.sock"
	DefaultSocketEnv   = "CROWDLLAMA_SOCKET"
	DefaultSettleDelay = 2 * time.Second
	DefaultStopTimeout = 5 * time.Second
)

// Config holds everything needed to run one worker.
type Config struct {
	Worker SpawnConfig

	SocketPath string
	// SocketEnv is the environment variable the worker reads its socket path from.
	SocketEnv string

	SettleDelay time.Duration
	StopTimeout time.Duration

	// WaitForSocket ends the settle delay early once the socket file appears.
	WaitForSocket bool
}

// DefaultConfig returns a Config with the default socket and timings.
func DefaultConfig() Config {
	return Config{
		SocketPath:  DefaultSocketPath,
		SocketEnv:   DefaultSocketEnv,
		SettleDelay: DefaultSettleDelay,
		StopTimeout: DefaultStopTimeout,
	}
}

// Status is the supervisor's bookkeeping view of the worker. It is a hint:
// the process is not probed.
type Status struct {
	Running bool
	PID     int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock injects the time source for the settle delay, stop escalation
// and keep-alive schedule.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithChannelOptions passes options through to the ipc.Channel.
func WithChannelOptions(opts ...ipc.ChannelOption) Option {
	return func(s *Supervisor) {
		s.channelOpts = append(s.channelOpts, opts...)
	}
}

// WithKeepAliveOptions passes options through to the keep-alive scheduler.
func WithKeepAliveOptions(opts ...keepalive.Option) Option {
	return func(s *Supervisor) {
		s.keepAliveOpts = append(s.keepAliveOpts, opts...)
	}
}

// Supervisor spawns and stops the worker and owns its channel.
type Supervisor struct {
	cfg           Config
	clock         clockwork.Clock
	channelOpts   []ipc.ChannelOption
	keepAliveOpts []keepalive.Option

	channel   *ipc.Channel
	keepalive *keepalive.Scheduler
	events    *pubsub.Broker[Event]

	// ctx outlives individual workers and ends at Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	proc         *WorkerProcess
	settle       clockwork.Timer
	settleCancel context.CancelFunc
	shutdown     bool
}

// New creates a stopped Supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	defaults := DefaultConfig()
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaults.SocketPath
	}
	if cfg.SocketEnv == "" {
		cfg.SocketEnv = defaults.SocketEnv
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}

	s := &Supervisor{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		events: pubsub.NewBroker[Event](),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.channel = ipc.NewChannel(cfg.SocketPath, s.channelOpts...)
	kaOpts := append([]keepalive.Option{keepalive.WithClock(s.clock)}, s.keepAliveOpts...)
	s.keepalive = keepalive.New(s.channel, kaOpts...)
	return s
}

// Start spawns the worker. It returns ErrAlreadyRunning while a worker
// handle is held and wraps launch failures in ErrSpawnFailed. It does not
// wait for the worker to bind its socket.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrShutdown
	}
	if s.proc != nil {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, s.proc.PID())
	}

	removeSocket(s.cfg.SocketPath)

	spawn := s.cfg.Worker
	spawn.Env = append(slices.Clone(spawn.Env), s.cfg.SocketEnv+"="+s.cfg.SocketPath)
	proc, err := spawnWorker(spawn)
	if err != nil {
		log.ErrorErr(log.CatProc, "Worker spawn failed", err, "command", spawn.Command)
		return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	s.proc = proc
	s.scheduleSettleLocked(proc)
	go s.watch(proc)

	log.Info(log.CatProc, "Worker started", "pid", proc.PID(), "command", spawn.Command, "socket", s.cfg.SocketPath)
	s.events.Publish(pubsub.CreatedEvent, Event{Kind: EventStarted, PID: proc.PID()})
	return nil
}

// Stop terminates the worker if one is running, stops keep-alive, cancels
// a pending settle and closes the channel. Always returns nil.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.cancelSettleLocked()
	s.mu.Unlock()

	s.keepalive.Stop()
	_ = s.channel.Close()

	if proc == nil {
		return nil
	}

	log.Info(log.CatProc, "Stopping worker", "pid", proc.PID())
	if err := proc.terminate(); err != nil {
		log.Warn(log.CatProc, "Terminate signal failed", "pid", proc.PID(), "error", err)
	}
	go s.escalate(proc)

	s.events.Publish(pubsub.UpdatedEvent, Event{Kind: EventStopped, PID: proc.PID()})
	return nil
}

// Shutdown stops the worker and waits for it to exit, force-killing it when
// ctx ends first. It removes the socket file and closes the lifecycle
// broker. Later Starts fail with ErrShutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	proc := s.proc
	s.mu.Unlock()

	_ = s.Stop()

	var err error
	if proc != nil {
		select {
		case <-proc.Done():
		case <-ctx.Done():
			log.Warn(log.CatProc, "Worker did not exit in time, killing", "pid", proc.PID())
			_ = proc.kill()
			<-proc.Done()
			err = ctx.Err()
		}
	}

	removeSocket(s.cfg.SocketPath)
	s.cancel()
	s.events.Close()
	log.Info(log.CatProc, "Supervisor shut down")
	return err
}

// Status reports whether a worker handle is held and its pid.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return Status{}
	}
	return Status{Running: true, PID: s.proc.PID()}
}

// Probe runs one keep-alive probe now.
func (s *Supervisor) Probe(ctx context.Context) error {
	return s.keepalive.Probe(ctx)
}

// Send writes msg on the channel.
func (s *Supervisor) Send(msg ipc.Message) error {
	return s.channel.Send(msg)
}

// Subscribe registers fn for every inbound worker message.
func (s *Supervisor) Subscribe(fn func(ipc.Message)) pubsub.ObserverID {
	return s.channel.Subscribe(fn)
}

// Unsubscribe removes a message subscriber.
func (s *Supervisor) Unsubscribe(id pubsub.ObserverID) bool {
	return s.channel.Unsubscribe(id)
}

// Events returns the lifecycle event source.
func (s *Supervisor) Events() pubsub.Subscriber[Event] {
	return s.events
}

// Channel returns the worker channel.
func (s *Supervisor) Channel() *ipc.Channel {
	return s.channel
}

// KeepAlive returns the keep-alive scheduler.
func (s *Supervisor) KeepAlive() *keepalive.Scheduler {
	return s.keepalive
}

// scheduleSettleLocked arms the post-spawn connect. Must hold s.mu.
func (s *Supervisor) scheduleSettleLocked(proc *WorkerProcess) {
	fire := sync.OnceFunc(func() { s.onSettled(proc) })
	s.settle = s.clock.AfterFunc(s.cfg.SettleDelay, fire)

	if !s.cfg.WaitForSocket {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.settleCancel = cancel
	go func() {
		if err := watcher.WaitForSocket(ctx, s.cfg.SocketPath); err != nil {
			if ctx.Err() == nil {
				log.Debug(log.CatProc, "Socket watch failed, waiting for settle delay", "error", err)
			}
			return
		}
		log.Debug(log.CatProc, "Socket ready before settle delay", "path", s.cfg.SocketPath)
		fire()
	}()
}

// cancelSettleLocked must be called with s.mu held.
func (s *Supervisor) cancelSettleLocked() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	if s.settleCancel != nil {
		s.settleCancel()
		s.settleCancel = nil
	}
}

func (s *Supervisor) onSettled(proc *WorkerProcess) {
	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.cancelSettleLocked()
	s.mu.Unlock()

	if err := s.channel.Connect(s.ctx); err != nil {
		log.Warn(log.CatProc, "Initial connect failed, keep-alive will retry", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc {
		// Stopped while connecting.
		if s.proc == nil {
			_ = s.channel.Close()
		}
		return
	}
	s.keepalive.Start(s.ctx)
}

// watch clears the handle when the worker exits on its own.
func (s *Supervisor) watch(proc *WorkerProcess) {
	<-proc.Done()

	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		log.Debug(log.CatProc, "Worker exited after stop", "pid", proc.PID())
		return
	}
	s.proc = nil
	s.cancelSettleLocked()
	s.mu.Unlock()

	s.keepalive.Stop()
	_ = s.channel.Close()

	err := proc.ExitErr()
	log.Warn(log.CatProc, "Worker exited unexpectedly", "pid", proc.PID(), "uptime", proc.Uptime().Round(time.Millisecond), "error", err)
	s.events.Publish(pubsub.UpdatedEvent, Event{Kind: EventExited, PID: proc.PID(), Err: err})
}

// escalate kills the worker if it outlives the stop timeout.
func (s *Supervisor) escalate(proc *WorkerProcess) {
	select {
	case <-proc.Done():
	case <-s.clock.After(s.cfg.StopTimeout):
		log.Warn(log.CatProc, "Worker ignored SIGTERM, killing", "pid", proc.PID(), "timeout", s.cfg.StopTimeout)
		if err := proc.kill(); err != nil {
			log.Warn(log.CatProc, "Kill failed", "pid", proc.PID(), "error", err)
		}
	}
}

func removeSocket(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn(log.CatProc, "Could not remove stale socket", "path", path, "error", err)
	}
}
