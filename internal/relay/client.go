package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/metrics"
)

var (
	// ErrEventDropped is returned when an event could not be delivered
	// after one reconnect-and-resend.
	ErrEventDropped = errors.New("relay: event dropped")

	// ErrClientClosed is returned by a client after Close.
	ErrClientClosed = errors.New("relay: client closed")
)

// State is the relay connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// recordSeparator terminates every event on the wire.
const recordSeparator = '\n'

// ClientConfig controls reconnection.
type ClientConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts bounds consecutive failed connects in Run. Zero retries
	// forever.
	MaxAttempts int
	// NewBackOff overrides the backoff policy of the connect loop.
	NewBackOff func() backoff.BackOff
}

func (c ClientConfig) backOff() backoff.BackOff {
	if c.NewBackOff != nil {
		return c.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(c.InitialInterval, time.Second)
	b.MaxInterval = orDefault(c.MaxInterval, 30*time.Second)
	b.Multiplier = 2
	return b
}

// Client holds at most one live connection over its transport. Send is
// best-effort; Run keeps the connection up in the background.
//
// Dials run under the client mutex, so Send, Connect and Close wait for a
// dial already in progress, up to the transport's dial timeout. Producers
// go through Service's bounded queue and never wait on it.
type Client struct {
	transport Transport
	cfg       ClientConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex // guards conn and closed, serialises connects and writes
	conn   Conn
	closed bool

	state  atomic.Int32
	wake   chan struct{}
	done   chan struct{}
	closer sync.Once
}

// NewClient creates a disconnected client.
func NewClient(t Transport, cfg ClientConfig, logger *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		transport: t,
		cfg:       cfg,
		logger:    logging.OrDiscard(logger).With("component", "relay", "transport", t.Name()),
		metrics:   m,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// State returns the connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetRelayConnected(s == Connected)
}

// Connect makes one connection attempt unless already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.conn != nil {
		return nil
	}
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.setState(Connecting)
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		return err
	}
	c.conn = conn
	c.setState(Connected)
	c.metrics.RelayReconnected()
	c.logger.Info("relay connected")
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(Disconnected)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Send writes one event followed by the record separator. A disconnected
// client connects first. On a write error the connection is replaced once
// and the event resent; if that fails too the event is dropped and
// ErrEventDropped returned.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, recordSeparator)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return c.dropEvent(err)
		}
	}

	_, err := c.conn.Write(frame)
	if err == nil {
		c.metrics.EventSent()
		return nil
	}
	c.logger.Warn("relay write failed, reconnecting", "error", err)
	c.dropLocked()

	if err := c.connectLocked(ctx); err != nil {
		return c.dropEvent(err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.dropLocked()
		return c.dropEvent(err)
	}
	c.metrics.EventSent()
	return nil
}

func (c *Client) dropEvent(cause error) error {
	c.metrics.EventDropped()
	c.logger.Warn("relay event dropped", "error", cause)
	return fmt.Errorf("%w: %v", ErrEventDropped, cause)
}

// Run keeps the client connected until ctx is cancelled or Close is called,
// backing off exponentially between failed attempts. With MaxAttempts set it
// gives up after that many consecutive failures.
func (c *Client) Run(ctx context.Context) error {
	b := c.cfg.backOff()
	failures := 0

	for {
		if c.State() == Connected {
			select {
			case <-ctx.Done():
				return nil
			case <-c.done:
				return nil
			case <-c.wake:
				continue
			}
		}

		err := c.Connect(ctx)
		if errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
			return nil
		}
		if err == nil {
			b.Reset()
			failures = 0
			continue
		}

		failures++
		if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
			return fmt.Errorf("relay %s: giving up after %d attempts: %w", c.transport.Name(), failures, err)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("relay %s: backoff exhausted: %w", c.transport.Name(), err)
		}
		c.logger.Warn("relay connect failed", "error", err, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-c.done:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closer.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.setState(Disconnected)
	})
	return nil
}
