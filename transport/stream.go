package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// StreamChannel carries frames over a byte stream such as a TCP connection.
type StreamChannel struct {
	conn           net.Conn
	peerID         string
	provisional    bool
	receiveTimeout time.Duration

	writeMu   sync.Mutex
	readMu    sync.Mutex
	closeOnce sync.Once
}

// NewStreamChannel wraps conn. receiveTimeout <= 0 uses DefaultReceiveTimeout.
func NewStreamChannel(conn net.Conn, peerID string, receiveTimeout time.Duration) *StreamChannel {
	if receiveTimeout <= 0 {
		receiveTimeout = DefaultReceiveTimeout
	}
	return &StreamChannel{conn: conn, peerID: peerID, receiveTimeout: receiveTimeout}
}

func (c *StreamChannel) PeerID() string {
	return c.peerID
}

// NewInboundStreamChannel wraps an accepted conn whose device is not known yet.
// The remote address stands in as the peer ID until SetPeerID is called.
func NewInboundStreamChannel(conn net.Conn, receiveTimeout time.Duration) *StreamChannel {
	c := NewStreamChannel(conn, conn.RemoteAddr().String(), receiveTimeout)
	c.provisional = true
	return c
}

// ProvisionalPeer reports whether PeerID is still a placeholder.
func (c *StreamChannel) ProvisionalPeer() bool {
	return c.provisional
}

// SetPeerID records the peer identity once it is learned from the handshake.
func (c *StreamChannel) SetPeerID(peerID string) {
	c.peerID = peerID
	c.provisional = false
}

// Send writes one frame, honoring ctx cancellation and deadline.
func (c *StreamChannel) Send(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(ReceiveDeadline(ctx, c.receiveTimeout)); err != nil {
		return classify(fmt.Errorf("set write deadline: %w", err))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := WriteFrame(c.conn, payload); err != nil {
		return classify(err)
	}
	return nil
}

// Receive reads one frame, honoring ctx cancellation and the receive timeout.
func (c *StreamChannel) Receive(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.conn.SetReadDeadline(ReceiveDeadline(ctx, c.receiveTimeout)); err != nil {
		return nil, classify(fmt.Errorf("set read deadline: %w", err))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	payload, err := ReadFrame(c.conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		return nil, classify(err)
	}
	return payload, nil
}

func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// classify maps stream errors onto the transport taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFrameTooLarge) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}
