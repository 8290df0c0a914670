// Package ble adapts a platform GATT bridge to the transport capability.
//
// Frames are split into MTU-sized characteristic writes. Each write starts
// with a one-byte header: 0x01 when more chunks follow, 0x00 on the last one.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshledger/models"
	"meshledger/transport"
)

const (
	// ServiceUUID is the GATT service every device in a deployment advertises.
	ServiceUUID = "7a1c0001-4d2e-4b8f-9c3a-5e6f7d8e9f01"
	// CharacteristicUUID carries sync frames in both directions.
	CharacteristicUUID = "7a1c0002-4d2e-4b8f-9c3a-5e6f7d8e9f01"

	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultConnectTimeout   = 5 * time.Second

	// MinMTU is the ATT default MTU every link supports.
	MinMTU = 23

	attOverhead = 3
	headerSize  = 1
	flagFinal   = 0x00
	flagMore    = 0x01
)

// State is the radio state reported by the bridge.
type State int

const (
	StatePoweredOn State = iota
	StatePoweredOff
	StateUnauthorized
	StateUnsupported
)

// ErrLinkClosed is returned by links whose peer or owner closed them.
var ErrLinkClosed = errors.New("ble: link closed")

// Advertisement is one scan result.
type Advertisement struct {
	PeerID string
	RSSI   int8
}

// Link is one GATT connection exchanging characteristic writes.
type Link interface {
	PeerID() string
	// MTU is the negotiated ATT MTU.
	MTU() int
	WriteChunk(ctx context.Context, chunk []byte) error
	ReadChunk(ctx context.Context) ([]byte, error)
	Close() error
}

// Bridge is the platform seam. Implementations wrap the OS Bluetooth stack.
type Bridge interface {
	State() State
	Scan(ctx context.Context, serviceUUID string) (<-chan Advertisement, error)
	Dial(ctx context.Context, peerID, serviceUUID, characteristicUUID string) (Link, error)
	Accept(ctx context.Context) (Link, error)
}

// Options configures an Adapter.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string
	ConnectTimeout     time.Duration
	ReceiveTimeout     time.Duration
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ServiceUUID == "" {
		o.ServiceUUID = ServiceUUID
	}
	if o.CharacteristicUUID == "" {
		o.CharacteristicUUID = CharacteristicUUID
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = transport.DefaultReceiveTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Adapter is the BLE transport variant.
type Adapter struct {
	bridge Bridge
	opts   Options
	log    *slog.Logger
}

// NewAdapter wraps a bridge.
func NewAdapter(bridge Bridge, opts Options) (*Adapter, error) {
	if bridge == nil {
		return nil, errors.New("ble bridge is required")
	}
	opts = opts.withDefaults()
	return &Adapter{bridge: bridge, opts: opts, log: opts.Logger.With("transport", "ble")}, nil
}

func (a *Adapter) Kind() models.TransportKind {
	return models.TransportBLE
}

func (a *Adapter) ready() error {
	switch a.bridge.State() {
	case StatePoweredOn:
		return nil
	case StateUnauthorized:
		return fmt.Errorf("%w: bluetooth", transport.ErrPermissionDenied)
	case StateUnsupported:
		return fmt.Errorf("%w: bluetooth unsupported", transport.ErrTransportUnavailable)
	default:
		return fmt.Errorf("%w: bluetooth powered off", transport.ErrTransportUnavailable)
	}
}

// StartDiscovery scans for the deployment service UUID. Each peer is reported once per window.
func (a *Adapter) StartDiscovery(ctx context.Context, timeout time.Duration) (<-chan models.PeerDescriptor, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)

	ads, err := a.bridge.Scan(scanCtx, a.opts.ServiceUUID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: scan: %w", transport.ErrTransportUnavailable, err)
	}

	out := make(chan models.PeerDescriptor, 16)
	go func() {
		defer close(out)
		defer cancel()

		seen := make(map[string]struct{})
		for {
			select {
			case <-scanCtx.Done():
				return
			case ad, ok := <-ads:
				if !ok {
					return
				}
				if ad.PeerID == "" {
					continue
				}
				if _, dup := seen[ad.PeerID]; dup {
					continue
				}
				seen[ad.PeerID] = struct{}{}
				select {
				case out <- models.PeerDescriptor{
					PeerID:         ad.PeerID,
					Transport:      models.TransportBLE,
					SignalStrength: ad.RSSI,
					LastSeen:       time.Now().UTC(),
				}:
				case <-scanCtx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Connect opens a GATT link to peerID within the connect timeout.
func (a *Adapter) Connect(ctx context.Context, peerID string) (transport.Channel, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	link, err := a.bridge.Dial(dialCtx, peerID, a.opts.ServiceUUID, a.opts.CharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", transport.ErrConnectionFailed, peerID, err)
	}
	if link.MTU() < MinMTU {
		_ = link.Close()
		return nil, fmt.Errorf("%w: mtu %d below minimum", transport.ErrConnectionFailed, link.MTU())
	}
	a.log.Debug("ble link opened", "peer_id", peerID, "mtu", link.MTU())
	return newChannel(link, a.opts.ReceiveTimeout), nil
}

// Accept waits for an inbound GATT link.
func (a *Adapter) Accept(ctx context.Context) (transport.Channel, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	link, err := a.bridge.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: accept: %w", transport.ErrConnectionFailed, err)
	}
	return newChannel(link, a.opts.ReceiveTimeout), nil
}

func (a *Adapter) Close() error {
	return nil
}

type channel struct {
	link           Link
	receiveTimeout time.Duration

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func newChannel(link Link, receiveTimeout time.Duration) *channel {
	return &channel{link: link, receiveTimeout: receiveTimeout}
}

func (c *channel) PeerID() string {
	return c.link.PeerID()
}

// Send splits payload into MTU-sized chunks.
func (c *channel) Send(ctx context.Context, payload []byte) error {
	if len(payload) > transport.MaxFrameSize {
		return transport.ErrFrameTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sendCtx, cancel := context.WithDeadline(ctx, transport.ReceiveDeadline(ctx, c.receiveTimeout))
	defer cancel()

	for _, chunk := range splitFrame(payload, chunkCapacity(c.link.MTU())) {
		if err := c.link.WriteChunk(sendCtx, chunk); err != nil {
			return linkError(err)
		}
	}
	return nil
}

// Receive reassembles chunks until the final one.
func (c *channel) Receive(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	recvCtx, cancel := context.WithDeadline(ctx, transport.ReceiveDeadline(ctx, c.receiveTimeout))
	defer cancel()

	var frame []byte
	for {
		chunk, err := c.link.ReadChunk(recvCtx)
		if err != nil {
			return nil, linkError(err)
		}
		if len(chunk) < headerSize {
			return nil, fmt.Errorf("%w: empty chunk", transport.ErrConnectionFailed)
		}
		if len(frame)+len(chunk)-headerSize > transport.MaxFrameSize {
			return nil, transport.ErrFrameTooLarge
		}
		frame = append(frame, chunk[headerSize:]...)
		switch chunk[0] {
		case flagFinal:
			if frame == nil {
				frame = []byte{}
			}
			return frame, nil
		case flagMore:
		default:
			return nil, fmt.Errorf("%w: bad chunk header 0x%02x", transport.ErrConnectionFailed, chunk[0])
		}
	}
}

func (c *channel) Close() error {
	return c.link.Close()
}

func chunkCapacity(mtu int) int {
	if mtu < MinMTU {
		mtu = MinMTU
	}
	return mtu - attOverhead - headerSize
}

// splitFrame cuts payload into header-prefixed chunks of at most capacity data bytes.
func splitFrame(payload []byte, capacity int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{flagFinal}}
	}
	chunks := make([][]byte, 0, (len(payload)+capacity-1)/capacity)
	for offset := 0; offset < len(payload); offset += capacity {
		end := offset + capacity
		flag := byte(flagMore)
		if end >= len(payload) {
			end = len(payload)
			flag = flagFinal
		}
		chunk := make([]byte, 0, headerSize+end-offset)
		chunk = append(chunk, flag)
		chunk = append(chunk, payload[offset:end]...)
		chunks = append(chunks, chunk)
	}
	return chunks
}

func linkError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", transport.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", transport.ErrTimeout, err)
	case errors.Is(err, ErrLinkClosed):
		return fmt.Errorf("%w: %w", transport.ErrClosed, err)
	default:
		return fmt.Errorf("%w: %w", transport.ErrConnectionFailed, err)
	}
}
