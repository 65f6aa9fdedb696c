// Package keepalive sends periodic ping probes over the worker channel.
//
// A probe on a connected channel is a plain ping. On a disconnected channel
// the scheduler starts a reconnect and sends the ping a short moment later,
// whether or not the reconnect worked. Probe failures from the periodic
// schedule are logged and swallowed.
package keepalive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/crowdllama/llamadesk/internal/ipc"
	"github.com/crowdllama/llamadesk/internal/log"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultReconnectDelay = 200 * time.Millisecond
)

// ErrReconnecting is returned by Probe when the channel was down. A
// reconnect has been started and the ping is sent after the reconnect delay.
var ErrReconnecting = errors.New("channel disconnected, reconnect scheduled")

// ErrStopped is returned by a probe that Stop overtook before it could
// reconnect. Nothing is scheduled.
var ErrStopped = errors.New("keep-alive stopped")

// Channel is the subset of ipc.Channel the scheduler drives.
type Channel interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	Send(msg ipc.Message) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the time source.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithInterval sets the probe period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithReconnectDelay sets how long a probe waits after triggering a reconnect.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.reconnectDelay = d
		}
	}
}

// Scheduler owns the single keep-alive ticker. Start always replaces the
// previous ticker, so at most one is ever active.
type Scheduler struct {
	ch             Channel
	clock          clockwork.Clock
	interval       time.Duration
	reconnectDelay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending clockwork.Timer
	gen     uint64
	// life bounds reconnects started in the current generation.
	life    context.Context
	endLife context.CancelFunc
}

// New creates a stopped Scheduler for ch.
func New(ch Channel, opts ...Option) *Scheduler {
	s := &Scheduler{
		ch:             ch,
		clock:          clockwork.NewRealClock(),
		interval:       DefaultInterval,
		reconnectDelay: DefaultReconnectDelay,
	}
	s.life, s.endLife = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start cancels any running schedule, probes once immediately, then probes
// every interval until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.stopLocked()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	gen := s.gen
	ticker := s.clock.NewTicker(s.interval)
	s.mu.Unlock()

	log.Debug(log.CatKeepAlive, "Keep-alive started", "interval", s.interval)
	go s.run(runCtx, gen, ticker)
}

// Stop cancels the ticker and any deferred probe. Safe to call when stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		log.Debug(log.CatKeepAlive, "Keep-alive stopped")
	}
	s.stopLocked()
}

// Running reports whether a periodic schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Probe sends one ping now. When the channel is down it starts a reconnect,
// defers the ping by the reconnect delay and returns ErrReconnecting.
// Only one deferred ping is pending at a time.
func (s *Scheduler) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.probe(gen)
}

// probe acts for generation gen. Once Stop has moved past gen it neither
// reconnects nor arms a deferred ping.
func (s *Scheduler) probe(gen uint64) error {
	if s.ch.IsConnected() {
		return s.ch.Send(ipc.NewPing(s.clock.Now()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrStopped
	}

	life := s.life
	go func() {
		if err := s.ch.Connect(life); err != nil {
			log.Debug(log.CatKeepAlive, "Reconnect failed", "error", err)
		}
	}()

	if s.pending != nil {
		return ErrReconnecting
	}
	s.pending = s.clock.AfterFunc(s.reconnectDelay, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.mu.Unlock()

		if err := s.ch.Send(ipc.NewPing(s.clock.Now())); err != nil {
			log.Debug(log.CatKeepAlive, "Deferred ping failed", "error", err)
		}
	})
	return ErrReconnecting
}

func (s *Scheduler) run(ctx context.Context, gen uint64, ticker clockwork.Ticker) {
	defer ticker.Stop()

	s.probeQuietly(ctx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.probeQuietly(ctx, gen)
		}
	}
}

func (s *Scheduler) probeQuietly(ctx context.Context, gen uint64) {
	if ctx.Err() != nil {
		return
	}
	err := s.probe(gen)
	switch {
	case err == nil, errors.Is(err, ErrStopped):
	case errors.Is(err, ErrReconnecting):
		log.Debug(log.CatKeepAlive, "Channel down, reconnecting before ping")
	default:
		log.Debug(log.CatKeepAlive, "Ping failed", "error", err)
	}
}

// stopLocked must be called with s.mu held.
func (s *Scheduler) stopLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.endLife()
	s.life, s.endLife = context.WithCancel(context.Background())
}
