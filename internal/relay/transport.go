package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Conn is a live relay connection.
type Conn = io.WriteCloser

// Transport dials relay connections.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
	Name() string
}

// deadlineConn bounds every write with a deadline.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// TCPTransport is a plain TCP stream.
type TCPTransport struct {
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (t *TCPTransport) Name() string { return "tcp://" + t.Addr }

func (t *TCPTransport) Dial(ctx context.Context) (Conn, error) {
	d := net.Dialer{Timeout: orDefault(t.DialTimeout, defaultDialTimeout)}
	c, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, err
	}
	return &deadlineConn{Conn: c, timeout: orDefault(t.WriteTimeout, defaultWriteTimeout)}, nil
}

// TLSTransport is a TCP stream authenticated with a client certificate.
type TLSTransport struct {
	Addr         string
	Config       *tls.Config
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (t *TLSTransport) Name() string { return "tls://" + t.Addr }

func (t *TLSTransport) Dial(ctx context.Context) (Conn, error) {
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: orDefault(t.DialTimeout, defaultDialTimeout)},
		Config:    t.Config,
	}
	c, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, err
	}
	return &deadlineConn{Conn: c, timeout: orDefault(t.WriteTimeout, defaultWriteTimeout)}, nil
}

// UDPTransport sends each event as one unicast datagram.
type UDPTransport struct {
	Addr string
}

func (t *UDPTransport) Name() string { return "udp://" + t.Addr }

func (t *UDPTransport) Dial(ctx context.Context) (Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", t.Addr)
}

// MulticastTransport sends each event as one datagram to a multicast group,
// optionally through a named interface.
type MulticastTransport struct {
	Group     string // host:port
	Interface string
	TTL       int
}

func (t *MulticastTransport) Name() string { return "multicast://" + t.Group }

func (t *MulticastTransport) Dial(ctx context.Context) (Conn, error) {
	dst, err := net.ResolveUDPAddr("udp4", t.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", t.Group, err)
	}
	if !dst.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", dst.IP)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(pc)

	if t.Interface != "" {
		ifi, err := net.InterfaceByName(t.Interface)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("interface %s: %w", t.Interface, err)
		}
		if err := p.SetMulticastInterface(ifi); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := p.SetMulticastTTL(ttl); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	_ = p.SetMulticastLoopback(true)

	return &multicastConn{p: p, dst: dst}, nil
}

type multicastConn struct {
	p   *ipv4.PacketConn
	dst *net.UDPAddr
}

func (c *multicastConn) Write(b []byte) (int, error) {
	return c.p.WriteTo(b, nil, c.dst)
}

func (c *multicastConn) Close() error {
	return c.p.Close()
}
