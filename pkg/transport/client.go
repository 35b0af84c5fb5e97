package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/broker"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// ErrConnectionClosed is returned by operations on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// DefaultConnectTimeout bounds the dial plus salt exchange.
const DefaultConnectTimeout = 10 * time.Second

// Conn is a terminal's connection to the authority. It satisfies
// broker.Transport for the sending side; the owner runs ReceiveLoop to
// feed responses back into the broker.
type Conn struct {
	conn   net.Conn
	tunnel *Tunnel

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Dial connects to the authority at address and establishes the
// encrypted tunnel.
func Dial(ctx context.Context, address string, secret []byte) (*Conn, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	// The salt exchange inherits the dial deadline.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	tunnel, err := NewClientTunnel(conn, secret, 0)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnel handshake failed: %w", err)
	}
	conn.SetDeadline(time.Time{})

	return &Conn{
		conn:    conn,
		tunnel:  tunnel,
		closeCh: make(chan struct{}),
	}, nil
}

// Publish sends an encoded request frame. The method name is carried
// inside the frame; it is not used here.
func (c *Conn) Publish(_ string, data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	return c.tunnel.WriteMessage(data)
}

// ReceiveLoop reads response frames and delivers them to the broker
// until the connection fails or ctx is done. On exit every request
// still pending in the broker is failed.
func (c *Conn) ReceiveLoop(ctx context.Context, b *broker.Broker) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		data, err := c.tunnel.ReadMessage()
		if err != nil {
			b.FailAll(broker.ErrTransportClosed)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrConnectionClosed
			}
			return err
		}

		resp, err := wire.DecodeResponse(data)
		if err != nil {
			// A frame that authenticated but does not decode is a peer
			// bug, not a transport failure.
			continue
		}
		b.OnResponse(resp.RequestID, resp.Payload)
	}
}

// RemoteAddr returns the authority's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// Compile-time interface satisfaction check.
var _ broker.Transport = (*Conn)(nil)
