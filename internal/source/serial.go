package source

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the mesh receiver firmware.
	DefaultBaudRate = 115200

	serialReadTimeout = time.Second
	maxFrameBytes     = 64 << 10
)

// SerialOpener opens a serial-attached receiver.
type SerialOpener struct {
	Port     string
	BaudRate int
}

// Name implements Opener.
func (o SerialOpener) Name() string {
	return "serial:" + o.Port
}

// Open implements Opener.
func (o SerialOpener) Open(ctx context.Context) (FrameConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := o.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(o.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Port, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", o.Port, err)
	}
	return newLineConn(port), nil
}

// ListSerialPorts returns the serial ports present on the host.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// timeoutReader is a reader whose Read returns (0, nil) when its read
// timeout elapses without data.
type timeoutReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// lineConn splits a byte stream into newline-delimited frames, checking the
// context between timed-out reads.
type lineConn struct {
	r       timeoutReader
	buf     []byte
	pending bytes.Buffer
}

func newLineConn(r timeoutReader) *lineConn {
	return &lineConn{r: r, buf: make([]byte, 4096)}
}

func (c *lineConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if line, ok := c.nextLine(); ok {
			return line, nil
		}
		if c.pending.Len() > maxFrameBytes {
			// No newline in sight: drop the runaway line.
			c.pending.Reset()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := c.r.Read(c.buf)
		if n > 0 {
			c.pending.Write(c.buf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *lineConn) nextLine() ([]byte, bool) {
	data := c.pending.Bytes()
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, data[:i])
	c.pending.Next(i + 1)
	return bytes.TrimSpace(line), true
}

func (c *lineConn) Close() error {
	return c.r.Close()
}
