package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memConn records writes and fails the first failWrites of them.
type memConn struct {
	mu         sync.Mutex
	writes     []string
	failWrites int
	closed     bool
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites > 0 {
		c.failWrites--
		return 0, errors.New("broken pipe")
	}
	c.writes = append(c.writes, string(p))
	return len(p), nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// fakeTransport hands out conns in order; a nil entry fails the dial.
type fakeTransport struct {
	mu    sync.Mutex
	conns []*memConn
	dials int
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Dial(context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := t.conns[0]
	t.conns = t.conns[1:]
	if c == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func TestSendConnectsOnceWhenNeverConnected(t *testing.T) {
	conn := &memConn{}
	tr := &fakeTransport{conns: []*memConn{conn}}
	c := NewClient(tr, ClientConfig{}, nil, nil)
	assert.Equal(t, Disconnected, c.State())

	require.NoError(t, c.Send(context.Background(), []byte("<a/>")))
	require.NoError(t, c.Send(context.Background(), []byte("<b/>")))

	assert.Equal(t, 1, tr.dialCount())
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, []string{"<a/>\n", "<b/>\n"}, conn.writes)
}

func TestSendResendsOnceAfterWriteFailure(t *testing.T) {
	broken := &memConn{failWrites: 1}
	fresh := &memConn{}
	tr := &fakeTransport{conns: []*memConn{broken, fresh}}
	c := NewClient(tr, ClientConfig{}, nil, nil)

	require.NoError(t, c.Send(context.Background(), []byte("<event/>")))

	assert.True(t, broken.closed)
	assert.Empty(t, broken.writes)
	assert.Equal(t, []string{"<event/>\n"}, fresh.writes, "delivered exactly once more")
	assert.Equal(t, 2, tr.dialCount())
}

func TestSendDropsAfterFailedRetry(t *testing.T) {
	broken := &memConn{failWrites: 1}
	alsoBroken := &memConn{failWrites: 1}
	tr := &fakeTransport{conns: []*memConn{broken, alsoBroken}}
	c := NewClient(tr, ClientConfig{}, nil, nil)

	err := c.Send(context.Background(), []byte("<event/>"))
	assert.ErrorIs(t, err, ErrEventDropped)
	assert.Empty(t, alsoBroken.writes)
	assert.Equal(t, Disconnected, c.State())
}

func TestSendDropsWhenReconnectFails(t *testing.T) {
	broken := &memConn{failWrites: 1}
	tr := &fakeTransport{conns: []*memConn{broken, nil}}
	c := NewClient(tr, ClientConfig{}, nil, nil)

	err := c.Send(context.Background(), []byte("<event/>"))
	assert.ErrorIs(t, err, ErrEventDropped)
	assert.Equal(t, 2, tr.dialCount())
}

// recordingBackOff remembers every interval it hands out.
type recordingBackOff struct {
	mu    sync.Mutex
	inner backoff.BackOff
	waits []time.Duration
}

func (b *recordingBackOff) NextBackOff() time.Duration {
	d := b.inner.NextBackOff()
	b.mu.Lock()
	b.waits = append(b.waits, d)
	b.mu.Unlock()
	return d
}

func (b *recordingBackOff) Reset() { b.inner.Reset() }

func (b *recordingBackOff) intervals() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Duration(nil), b.waits...)
}

// Relay endpoint unreachable: sends return promptly without panicking and
// the connect loop backs off up to its cap.
func TestUnreachableEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rec := &recordingBackOff{}
	c := NewClient(&TCPTransport{Addr: addr, DialTimeout: time.Second}, ClientConfig{
		MaxAttempts: 6,
		NewBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = time.Millisecond
			eb.MaxInterval = 4 * time.Millisecond
			eb.Multiplier = 2
			eb.RandomizationFactor = 0
			rec.inner = eb
			return rec
		},
	}, nil, nil)
	defer c.Close()

	for i := 0; i < 3; i++ {
		assert.NotPanics(t, func() {
			err := c.Send(context.Background(), []byte("<event/>"))
			assert.ErrorIs(t, err, ErrEventDropped)
		})
	}

	err = c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 6 attempts")

	waits := rec.intervals()
	require.Len(t, waits, 5)
	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond,
	}, waits)
	assert.Equal(t, Disconnected, c.State())
}

func TestRunReconnectsAfterSendDropsConnection(t *testing.T) {
	first := &memConn{failWrites: 1}
	tr := &fakeTransport{conns: []*memConn{first, nil, nil, &memConn{}}}
	c := NewClient(tr, ClientConfig{
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, time.Millisecond)

	// The write fails and the immediate reconnect is refused.
	assert.ErrorIs(t, c.Send(ctx, []byte("<event/>")), ErrEventDropped)

	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, time.Millisecond)
	assert.Equal(t, 4, tr.dialCount())

	cancel()
	assert.NoError(t, <-done)
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &memConn{}
	c := NewClient(&fakeTransport{conns: []*memConn{conn}}, ClientConfig{}, nil, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, conn.closed)
	assert.ErrorIs(t, c.Send(context.Background(), []byte("x")), ErrClientClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	assert.NoError(t, c.Run(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

// gatedTransport blocks every dial until release is closed.
type gatedTransport struct {
	fakeTransport
	entered chan struct{}
	release chan struct{}
}

func (t *gatedTransport) Dial(ctx context.Context) (Conn, error) {
	t.entered <- struct{}{}
	<-t.release
	return t.fakeTransport.Dial(ctx)
}

// A Send issued while a connect is dialing waits for that dial and reuses
// its connection.
func TestSendWaitsForDialInProgress(t *testing.T) {
	conn := &memConn{}
	tr := &gatedTransport{
		fakeTransport: fakeTransport{conns: []*memConn{conn}},
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	c := NewClient(tr, ClientConfig{}, nil, nil)

	connected := make(chan error, 1)
	go func() { connected <- c.Connect(context.Background()) }()
	<-tr.entered
	assert.Equal(t, Connecting, c.State())

	sent := make(chan error, 1)
	go func() { sent <- c.Send(context.Background(), []byte("<a/>")) }()

	select {
	case <-sent:
		t.Fatal("send finished while the dial was still in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(tr.release)
	require.NoError(t, <-connected)
	require.NoError(t, <-sent)
	assert.Equal(t, 1, tr.dialCount())
	assert.Equal(t, []string{"<a/>\n"}, conn.writes)
}
