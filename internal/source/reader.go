package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/metrics"
)

// DefaultReconnectDelay is the pause between connection attempts.
const DefaultReconnectDelay = time.Second

// State is the connection state of a feed.
type State int

const (
	Disconnected State = iota
	Opening
	Streaming
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Streaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// FrameConn is an open feed connection.
type FrameConn interface {
	// ReadFrame blocks until a frame arrives, ctx is done, or the
	// connection fails.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener opens a feed connection.
type Opener interface {
	Open(ctx context.Context) (FrameConn, error)
	Name() string
}

// Handler receives every normalised record.
type Handler func(ctx context.Context, rec detection.Record)

// Status is a point-in-time view of a feed.
type Status struct {
	Feed      string    `json:"feed"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	Frames    uint64    `json:"frames"`
	Dropped   uint64    `json:"dropped"`
	Since     time.Time `json:"since"`
}

// Reader owns one feed: it opens the connection, streams frames into the
// handler and reconnects after a fixed delay whenever the connection fails.
type Reader struct {
	opener         Opener
	handler        Handler
	normalizer     *Normalizer
	reconnectDelay time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu     sync.Mutex
	status Status
	state  State
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReconnectDelay overrides the delay between connection attempts.
func WithReconnectDelay(d time.Duration) ReaderOption {
	return func(r *Reader) { r.reconnectDelay = d }
}

// WithReaderLogger sets the reader logger.
func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) { r.logger = l }
}

// WithReaderMetrics sets the metrics sink.
func WithReaderMetrics(m *metrics.Metrics) ReaderOption {
	return func(r *Reader) { r.metrics = m }
}

// NewReader creates a reader for the feed behind opener.
func NewReader(opener Opener, handler Handler, opts ...ReaderOption) *Reader {
	r := &Reader{
		opener:         opener,
		handler:        handler,
		normalizer:     NewNormalizer(opener.Name()),
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDiscard(r.logger).With("component", "source", "feed", opener.Name())
	r.status = Status{Feed: opener.Name(), State: Disconnected.String(), Since: time.Now()}
	return r
}

// Name returns the feed name.
func (r *Reader) Name() string {
	return r.opener.Name()
}

// Run drives the feed until ctx is cancelled.
func (r *Reader) Run(ctx context.Context) {
	defer r.setState(Disconnected, nil)

	for {
		if ctx.Err() != nil {
			return
		}

		r.setState(Opening, nil)
		conn, err := r.opener.Open(ctx)
		if err != nil {
			r.setState(Disconnected, err)
			r.logger.Warn("open feed", "error", err)
			if !sleepCtx(ctx, r.reconnectDelay) {
				return
			}
			continue
		}

		r.setState(Streaming, nil)
		r.logger.Info("feed connected")
		err = r.stream(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		r.setState(Disconnected, err)
		r.logger.Warn("feed disconnected", "error", err)
		if !sleepCtx(ctx, r.reconnectDelay) {
			return
		}
	}
}

func (r *Reader) stream(ctx context.Context, conn FrameConn) error {
	feed := r.opener.Name()
	for {
		raw, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			continue
		}
		r.countFrame()
		r.metrics.FrameReceived(feed)

		rec, err := r.normalizer.Normalize(raw)
		switch {
		case err == nil:
			r.handler(ctx, rec)
		case errors.Is(err, ErrHeartbeat):
			r.metrics.FrameDropped(feed, "heartbeat")
		case errors.Is(err, ErrNoAircraftID):
			r.countDrop()
			r.metrics.FrameDropped(feed, "no_id")
			r.logger.Debug("frame without aircraft id dropped")
		default:
			r.countDrop()
			r.metrics.FrameDropped(feed, "parse")
			r.logger.Debug("frame dropped", "error", err)
		}
	}
}

func (r *Reader) setState(s State, err error) {
	r.mu.Lock()
	if r.state != s {
		r.state = s
		r.status.Since = time.Now()
	}
	r.status.State = s.String()
	r.status.Connected = s == Streaming
	if err != nil {
		r.status.LastError = err.Error()
	}
	r.mu.Unlock()

	r.metrics.SetFeedConnected(r.opener.Name(), s == Streaming)
}

func (r *Reader) countFrame() {
	r.mu.Lock()
	r.status.Frames++
	r.mu.Unlock()
}

func (r *Reader) countDrop() {
	r.mu.Lock()
	r.status.Dropped++
	r.mu.Unlock()
}

// State returns the current connection state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns a copy of the feed status.
func (r *Reader) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
