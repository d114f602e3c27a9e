package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrConnectionClosed is returned when the NATS connection drops.
var ErrConnectionClosed = errors.New("nats connection closed")

// NATSOpener subscribes to a subject carrying one detection frame per
// message. Reconnection is left to the Reader so every feed follows the
// same state machine.
type NATSOpener struct {
	URL        string
	Subject    string
	ClientName string
	Timeout    time.Duration
}

// Name implements Opener.
func (o NATSOpener) Name() string {
	return "nats:" + o.Subject
}

// Open implements Opener.
func (o NATSOpener) Open(ctx context.Context) (FrameConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &natsConn{
		msgs:   make(chan *nats.Msg, 1024),
		closed: make(chan struct{}),
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	name := o.ClientName
	if name == "" {
		name = "mesh_mapper"
	}

	nc, err := nats.Connect(o.URL,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(nil)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.URL, err)
	}

	sub, err := nc.ChanSubscribe(o.Subject, c.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", o.Subject, err)
	}
	if err := nc.FlushTimeout(timeout); err != nil {
		_ = sub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	c.nc = nc
	c.sub = sub
	return c, nil
}

type natsConn struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg

	once   sync.Once
	closed chan struct{}
	err    error
}

func (c *natsConn) fail(err error) {
	c.once.Do(func() {
		if err == nil {
			err = ErrConnectionClosed
		}
		c.err = err
		close(c.closed)
	})
}

func (c *natsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-c.msgs:
		return msg.Data, nil
	case <-c.closed:
		return nil, c.err
	}
}

func (c *natsConn) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}
