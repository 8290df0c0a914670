// Package wifidirect is the Wi-Fi Direct transport variant: group formation via a
// platform seam, peer discovery via mDNS on the group link and frames over TCP.
package wifidirect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"meshledger/discovery"
	"meshledger/models"
	"meshledger/transport"
)

const (
	DefaultPort             = 47800
	DefaultChannel          = 6
	DefaultDiscoveryTimeout = 30 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
)

var errNotStarted = errors.New("wifidirect: adapter not started")

// Group is the platform seam for P2P group formation.
type Group interface {
	Join(ctx context.Context, channel int, passphrase string) error
	Leave() error
	// SignalStrength reports the group link RSSI.
	SignalStrength() int8
}

// PeerFinder resolves group peers to TCP endpoints. *discovery.Scanner implements it.
type PeerFinder interface {
	Scan(ctx context.Context, timeout time.Duration) (<-chan discovery.DiscoveredPeer, error)
	Lookup(deviceID string) (discovery.DiscoveredPeer, bool)
}

// Advertiser publishes this device on the group link and returns a stop function.
type Advertiser func(port int) (stop func(), err error)

// Options configures an Adapter.
type Options struct {
	Channel          int
	Passphrase       string
	Port             int
	ListenAddr       string
	ConnectTimeout   time.Duration
	ReceiveTimeout   time.Duration
	DiscoveryTimeout time.Duration
	Advertise        Advertiser
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Channel == 0 {
		o.Channel = DefaultChannel
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.ListenAddr == "" {
		o.ListenAddr = ":" + strconv.Itoa(o.Port)
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = transport.DefaultReceiveTimeout
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Adapter implements transport.Adapter over a Wi-Fi Direct group.
type Adapter struct {
	group  Group
	finder PeerFinder
	opts   Options
	log    *slog.Logger

	mu        sync.Mutex
	listener  net.Listener
	stopAdv   func()
	inbound   chan net.Conn
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAdapter builds an adapter. Start must be called before use.
func NewAdapter(group Group, finder PeerFinder, opts Options) (*Adapter, error) {
	if group == nil {
		return nil, errors.New("wifi direct group is required")
	}
	if finder == nil {
		return nil, errors.New("peer finder is required")
	}
	opts = opts.withDefaults()
	return &Adapter{
		group:   group,
		finder:  finder,
		opts:    opts,
		log:     opts.Logger.With("transport", "wifi_direct"),
		inbound: make(chan net.Conn, 8),
		done:    make(chan struct{}),
	}, nil
}

func (a *Adapter) Kind() models.TransportKind {
	return models.TransportWifiDirect
}

// Start joins the group, opens the exchange socket and advertises it.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return nil
	}

	if err := a.group.Join(ctx, a.opts.Channel, a.opts.Passphrase); err != nil {
		return fmt.Errorf("%w: join group: %w", transport.ErrTransportUnavailable, err)
	}

	listener, err := net.Listen("tcp", a.opts.ListenAddr)
	if err != nil {
		_ = a.group.Leave()
		return fmt.Errorf("%w: listen: %w", transport.ErrTransportUnavailable, err)
	}

	if a.opts.Advertise != nil {
		port := listener.Addr().(*net.TCPAddr).Port
		stop, err := a.opts.Advertise(port)
		if err != nil {
			_ = listener.Close()
			_ = a.group.Leave()
			return fmt.Errorf("%w: advertise: %w", transport.ErrTransportUnavailable, err)
		}
		a.stopAdv = stop
	}

	a.listener = listener
	a.wg.Add(1)
	go a.acceptLoop(listener)
	a.log.Info("wifi direct exchange socket listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address once started.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Adapter) started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener != nil
}

func (a *Adapter) acceptLoop(listener net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("accept failed", "error", err)
			continue
		}
		select {
		case a.inbound <- conn:
		case <-a.done:
			_ = conn.Close()
			return
		}
	}
}

// StartDiscovery browses the group for peers. Every peer carries the group link RSSI.
func (a *Adapter) StartDiscovery(ctx context.Context, timeout time.Duration) (<-chan models.PeerDescriptor, error) {
	if !a.started() {
		return nil, fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, errNotStarted)
	}
	if timeout <= 0 {
		timeout = a.opts.DiscoveryTimeout
	}

	found, err := a.finder.Scan(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", transport.ErrTransportUnavailable, err)
	}

	out := make(chan models.PeerDescriptor, 16)
	go func() {
		defer close(out)
		for peer := range found {
			select {
			case out <- models.PeerDescriptor{
				PeerID:         peer.DeviceID,
				Transport:      models.TransportWifiDirect,
				SignalStrength: a.group.SignalStrength(),
				LastSeen:       peer.LastSeen.UTC(),
			}:
			case <-ctx.Done():
				// Drain so the scanner goroutine can finish.
				for range found {
				}
				return
			}
		}
	}()
	return out, nil
}

// Connect dials the peer's advertised exchange socket.
func (a *Adapter) Connect(ctx context.Context, peerID string) (transport.Channel, error) {
	if !a.started() {
		return nil, fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, errNotStarted)
	}
	peer, ok := a.finder.Lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: peer %s not discovered", transport.ErrConnectionFailed, peerID)
	}
	if len(peer.Addresses) == 0 || peer.Port <= 0 {
		return nil, fmt.Errorf("%w: peer %s has no endpoint", transport.ErrConnectionFailed, peerID)
	}

	dialer := net.Dialer{Timeout: a.opts.ConnectTimeout}
	var lastErr error
	for _, address := range peer.Addresses {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(peer.Port)))
		if err != nil {
			lastErr = err
			continue
		}
		return transport.NewStreamChannel(conn, peerID, a.opts.ReceiveTimeout), nil
	}
	return nil, fmt.Errorf("%w: dial %s: %w", transport.ErrConnectionFailed, peerID, lastErr)
}

// Accept returns the next inbound connection. The peer ID is the remote address
// until the sync handshake identifies the device.
func (a *Adapter) Accept(ctx context.Context) (transport.Channel, error) {
	if !a.started() {
		return nil, fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, errNotStarted)
	}
	select {
	case conn := <-a.inbound:
		return transport.NewInboundStreamChannel(conn, a.opts.ReceiveTimeout), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, transport.ErrClosed
	}
}

// Close stops advertising, closes the socket and leaves the group.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		listener := a.listener
		stop := a.stopAdv
		a.mu.Unlock()

		if stop != nil {
			stop()
		}
		if listener != nil {
			err = listener.Close()
		}
		a.wg.Wait()
		if leaveErr := a.group.Leave(); leaveErr != nil && err == nil {
			err = leaveErr
		}
	})
	return err
}

// LANGroup treats an already-joined network as the group, for desktop runs and tests.
type LANGroup struct {
	RSSI int8
}

func (g LANGroup) Join(context.Context, int, string) error { return nil }
func (g LANGroup) Leave() error                            { return nil }
func (g LANGroup) SignalStrength() int8                    { return g.RSSI }
