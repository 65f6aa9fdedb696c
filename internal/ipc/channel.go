package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/crowdllama/llamadesk/internal/log"
	"github.com/crowdllama/llamadesk/internal/pubsub"
)

const (
	readBufferSize      = 32 * 1024
	DefaultDialTimeout  = time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// State is the connection state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DialFunc opens the connection to the worker socket.
type DialFunc func(ctx context.Context, path string) (net.Conn, error)

// DialUnix dials a unix domain socket.
func DialUnix(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithDialer replaces the unix socket dialer.
func WithDialer(fn DialFunc) ChannelOption {
	return func(c *Channel) {
		c.dial = fn
	}
}

// WithDialTimeout bounds each connect attempt.
func WithDialTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.dialTimeout = d
	}
}

// WithWriteTimeout bounds each socket write.
func WithWriteTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.writeTimeout = d
	}
}

// WithMaxFrameBytes sets the accumulation buffer limit (<= 0 disables it).
func WithMaxFrameBytes(n int) ChannelOption {
	return func(c *Channel) {
		c.maxFrame = n
	}
}

// Channel is the persistent duplex connection to the worker socket.
//
// Connect is single-flight: calls made while a connection is held or being
// dialed are no-ops. There is no background reconnect; a lost connection
// stays down until the next Connect. Send never queues.
//
// Inbound messages are dispatched to subscribers on the connection's read
// goroutine, in the order their bytes arrived.
type Channel struct {
	path         string
	dial         DialFunc
	dialTimeout  time.Duration
	writeTimeout time.Duration
	maxFrame     int

	mu    sync.Mutex
	state State
	link  *link
	gen   uint64 // bumped by Close to orphan in-flight dials

	writeMu sync.Mutex

	observers    *pubsub.Observers[Message]
	malformed    atomic.Uint64
	malformedLog rate.Sometimes
}

// link is one established connection and its accumulation buffer.
type link struct {
	conn net.Conn
	mu   sync.Mutex
	dec  *Decoder
}

// NewChannel creates a disconnected Channel for the socket at path.
func NewChannel(path string, opts ...ChannelOption) *Channel {
	c := &Channel{
		path:         path,
		dial:         DialUnix,
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		maxFrame:     DefaultMaxFrameBytes,
		observers:    pubsub.NewObservers[Message](),
		malformedLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.observers.OnPanic = func(id pubsub.ObserverID, err error) {
		log.ErrorErr(log.CatIPC, "Message subscriber failed", err, "observer", id)
	}
	return c
}

// Path returns the socket path.
func (c *Channel) Path() string {
	return c.path
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a live connection is held.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect dials the worker socket unless a connection is already held or
// being dialed, in which case it returns nil immediately.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	conn, err := c.dial(dialCtx, c.path)

	c.mu.Lock()
	if c.gen != gen {
		// Closed while dialing; the caller that closed us owns the state now.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("%w: channel closed while connecting", ErrConnectionLost)
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		log.Debug(log.CatIPC, "Connect failed", "path", c.path, "error", err)
		return fmt.Errorf("connecting to %s: %w", c.path, err)
	}
	l := &link{conn: conn, dec: NewDecoder(c.maxFrame)}
	c.link = l
	c.state = StateConnected
	c.mu.Unlock()

	log.Info(log.CatIPC, "Connected to worker socket", "path", c.path)
	go c.readLoop(l)
	return nil
}

// Send writes msg as one newline-terminated JSON line. It returns
// ErrNotConnected without writing when no connection is held, and
// ErrConnectionLost (after tearing the connection down) when the write fails.
func (c *Channel) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		log.Debug(log.CatIPC, "Dropping message, not connected", "type", msg.Type())
		return ErrNotConnected
	}

	c.writeMu.Lock()
	if c.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err = l.conn.Write(data)
	c.writeMu.Unlock()

	if err != nil {
		c.drop(l, err)
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	log.Debug(log.CatIPC, "Sent message", "type", msg.Type(), "bytes", len(data))
	return nil
}

// Subscribe registers fn for every inbound message.
func (c *Channel) Subscribe(fn func(Message)) pubsub.ObserverID {
	return c.observers.Register(fn)
}

// Unsubscribe removes a subscriber. Returns false for unknown handles.
func (c *Channel) Unsubscribe(id pubsub.ObserverID) bool {
	return c.observers.Unregister(id)
}

// Buffered returns a copy of the current connection's unframed bytes.
func (c *Channel) Buffered() []byte {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dec.Buffered()
}

// MalformedCount returns how many inbound chunks were discarded.
func (c *Channel) MalformedCount() uint64 {
	return c.malformed.Load()
}

// Close tears down the connection (if any) and abandons an in-flight dial.
// Safe to call at any time, any number of times.
func (c *Channel) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.state = StateDisconnected
	c.gen++
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	log.Debug(log.CatIPC, "Closing worker socket", "path", c.path)
	if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Channel) readLoop(l *link) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			c.onData(l, buf[:n])
		}
		if err != nil {
			c.drop(l, err)
			return
		}
	}
}

func (c *Channel) onData(l *link, data []byte) {
	l.mu.Lock()
	msgs, errs := l.dec.Feed(data)
	l.mu.Unlock()

	for _, err := range errs {
		total := c.malformed.Add(1)
		c.malformedLog.Do(func() {
			log.Warn(log.CatIPC, "Discarded malformed message", "error", err, "total", total)
		})
	}
	for _, msg := range msgs {
		log.Debug(log.CatIPC, "Received message", "type", msg.Type())
		c.observers.Notify(msg)
	}
}

// drop resets to disconnected if l is still the current connection.
func (c *Channel) drop(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	_ = l.conn.Close()
	if errors.Is(cause, io.EOF) {
		log.Info(log.CatIPC, "Worker socket closed", "path", c.path)
	} else {
		log.Warn(log.CatIPC, "Worker socket error", "path", c.path, "error", cause)
	}
}
