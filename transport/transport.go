// Package transport defines the short-range transport capability that peer sync runs over.
//
// Radio specifics live behind Adapter implementations (transport/ble,
// transport/wifidirect). The sync protocol only ever sees Channels carrying
// whole frames.
package transport

import (
	"context"
	"errors"
	"time"

	"meshledger/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1 << 20
	// DefaultConnectTimeout bounds Connect when the caller's context has no deadline.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultReceiveTimeout bounds each Receive when the caller's context has no deadline.
	DefaultReceiveTimeout = 10 * time.Second
)

var (
	// ErrTransportUnavailable indicates the radio is off or unsupported.
	ErrTransportUnavailable = errors.New("transport: unavailable")
	// ErrPermissionDenied indicates the OS refused radio access.
	ErrPermissionDenied = errors.New("transport: permission denied")
	// ErrConnectionFailed indicates a peer could not be reached.
	ErrConnectionFailed = errors.New("transport: connection failed")
	// ErrTimeout indicates a send or receive exceeded its deadline.
	ErrTimeout = errors.New("transport: timeout")
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame exceeds max size")
	// ErrClosed indicates the channel was closed locally or by the peer.
	ErrClosed = errors.New("transport: channel closed")
)

// Channel is a bidirectional, frame-preserving link to one peer.
type Channel interface {
	// PeerID identifies the remote device as reported by the transport.
	PeerID() string
	Send(ctx context.Context, payload []byte) error
	// Receive blocks until a full frame arrives or the receive timeout elapses.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Adapter is one short-range transport variant.
type Adapter interface {
	Kind() models.TransportKind
	// StartDiscovery returns a finite stream of peers seen within timeout. The
	// channel closes when the window ends; calling again starts a new window.
	StartDiscovery(ctx context.Context, timeout time.Duration) (<-chan models.PeerDescriptor, error)
	// Connect opens a channel to a discovered peer or fails with ErrConnectionFailed.
	Connect(ctx context.Context, peerID string) (Channel, error)
	// Accept blocks until a peer opens a channel to this device.
	Accept(ctx context.Context) (Channel, error)
	Close() error
}

// Recoverable reports whether err should be retried on a later cycle.
func Recoverable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed)
}

// ReceiveDeadline picks the earlier of the context deadline and now+fallback.
func ReceiveDeadline(ctx context.Context, fallback time.Duration) time.Time {
	deadline := time.Now().Add(fallback)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
