package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// SimMedium is an in-memory radio environment for tests and desktop runs.
// Radios registered on the same medium can scan for and dial each other.
type SimMedium struct {
	mu     sync.Mutex
	radios map[string]*SimRadio
	mtu    int
}

// NewSimMedium creates a lossless medium whose links negotiate mtu (MinMTU when smaller).
func NewSimMedium(mtu int) *SimMedium {
	if mtu < MinMTU {
		mtu = MinMTU
	}
	return &SimMedium{radios: make(map[string]*SimRadio), mtu: mtu}
}

// Radio registers a device on the medium.
func (m *SimMedium) Radio(peerID string, rssi int8) *SimRadio {
	m.mu.Lock()
	defer m.mu.Unlock()

	radio := &SimRadio{
		medium:   m,
		peerID:   peerID,
		rssi:     rssi,
		state:    StatePoweredOn,
		incoming: make(chan *simLink, 4),
	}
	m.radios[peerID] = radio
	return radio
}

func (m *SimMedium) lookup(peerID string) (*SimRadio, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.radios[peerID]
	return r, ok
}

func (m *SimMedium) others(self string) []*SimRadio {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SimRadio, 0, len(m.radios))
	for id, r := range m.radios {
		if id != self {
			out = append(out, r)
		}
	}
	return out
}

// SimRadio is one simulated device. It implements Bridge.
type SimRadio struct {
	medium *SimMedium
	peerID string

	mu    sync.Mutex
	rssi  int8
	state State

	incoming chan *simLink
}

// SetState changes the reported radio state.
func (r *SimRadio) SetState(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// SetRSSI changes the signal strength other radios observe for this one.
func (r *SimRadio) SetRSSI(rssi int8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rssi = rssi
}

func (r *SimRadio) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *SimRadio) advertisement() (Advertisement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Advertisement{PeerID: r.peerID, RSSI: r.rssi}, r.state == StatePoweredOn
}

// Scan reports every other powered radio once, then waits for ctx to end.
func (r *SimRadio) Scan(ctx context.Context, serviceUUID string) (<-chan Advertisement, error) {
	out := make(chan Advertisement, 16)
	go func() {
		defer close(out)
		for _, other := range r.medium.others(r.peerID) {
			ad, ok := other.advertisement()
			if !ok {
				continue
			}
			select {
			case out <- ad:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

// Dial connects to a powered radio on the same medium.
func (r *SimRadio) Dial(ctx context.Context, peerID, serviceUUID, characteristicUUID string) (Link, error) {
	target, ok := r.medium.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("peer %q out of range", peerID)
	}
	if target.State() != StatePoweredOn {
		return nil, fmt.Errorf("peer %q not advertising", peerID)
	}

	local, remote := newSimLinkPair(r.peerID, peerID, r.medium.mtu)
	select {
	case target.incoming <- remote:
		return local, nil
	case <-ctx.Done():
		_ = local.Close()
		return nil, ctx.Err()
	}
}

// Accept returns the next inbound link.
func (r *SimRadio) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-r.incoming:
		return link, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type simLink struct {
	remoteID string
	mtu      int

	in         <-chan []byte
	out        chan<- []byte
	closed     chan struct{}
	peerClosed <-chan struct{}
	closeOnce  sync.Once
}

func newSimLinkPair(aID, bID string, mtu int) (*simLink, *simLink) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &simLink{remoteID: bID, mtu: mtu, in: bToA, out: aToB, closed: aClosed, peerClosed: bClosed}
	b := &simLink{remoteID: aID, mtu: mtu, in: aToB, out: bToA, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (l *simLink) PeerID() string { return l.remoteID }
func (l *simLink) MTU() int       { return l.mtu }

func (l *simLink) WriteChunk(ctx context.Context, chunk []byte) error {
	if len(chunk) > l.mtu-attOverhead {
		return errors.New("chunk exceeds negotiated mtu")
	}
	select {
	case <-l.closed:
		return ErrLinkClosed
	case <-l.peerClosed:
		return ErrLinkClosed
	default:
	}

	buf := append([]byte(nil), chunk...)
	select {
	case l.out <- buf:
		return nil
	case <-l.closed:
		return ErrLinkClosed
	case <-l.peerClosed:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *simLink) ReadChunk(ctx context.Context) ([]byte, error) {
	// Drain data the peer wrote before closing.
	select {
	case chunk := <-l.in:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-l.in:
		return chunk, nil
	case <-l.closed:
		return nil, ErrLinkClosed
	case <-l.peerClosed:
		select {
		case chunk := <-l.in:
			return chunk, nil
		default:
			return nil, ErrLinkClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *simLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	return nil
}
