package lan

import (
	"context"
	"net"
	"sync"
	"time"

	"meshchat.dev/go/meshchat/internal/protocol"
	"meshchat.dev/go/meshchat/internal/transport"
)

// connChannel is a transport.Channel over one TCP connection.
type connChannel struct {
	conn       net.Conn
	endpointID string
	framer     *protocol.Framer

	writeMu   sync.Mutex
	closeOnce sync.Once
	onClose   func()
	done      chan struct{}
}

func newConnChannel(conn net.Conn, endpointID string, onClose func()) *connChannel {
	return &connChannel{
		conn:       conn,
		endpointID: endpointID,
		framer:     protocol.NewFramer(conn, conn),
		onClose:    onClose,
		done:       make(chan struct{}),
	}
}

func (c *connChannel) EndpointID() string { return c.endpointID }

func (c *connChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.framer.WriteRaw(data)
}

func (c *connChannel) Recv(ctx context.Context) ([]byte, error) {
	// Unblock the read when ctx ends
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := c.framer.ReadRaw()
	if err != nil {
		select {
		case <-c.done:
			return nil, transport.ErrClosed
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

func (c *connChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
