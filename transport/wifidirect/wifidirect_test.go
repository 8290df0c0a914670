package wifidirect

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"meshledger/discovery"
	"meshledger/transport"
)

type staticFinder struct {
	peers map[string]discovery.DiscoveredPeer
}

func (f *staticFinder) Scan(ctx context.Context, timeout time.Duration) (<-chan discovery.DiscoveredPeer, error) {
	out := make(chan discovery.DiscoveredPeer, len(f.peers))
	for _, peer := range f.peers {
		out <- peer
	}
	close(out)
	return out, nil
}

func (f *staticFinder) Lookup(deviceID string) (discovery.DiscoveredPeer, bool) {
	peer, ok := f.peers[deviceID]
	return peer, ok
}

type failingGroup struct{}

func (failingGroup) Join(context.Context, int, string) error { return errors.New("p2p unsupported") }
func (failingGroup) Leave() error                            { return nil }
func (failingGroup) SignalStrength() int8                    { return 0 }

func newLoopbackAdapter(t *testing.T, finder PeerFinder, advertised *int) *Adapter {
	t.Helper()

	adapter, err := NewAdapter(LANGroup{RSSI: -55}, finder, Options{
		ListenAddr: "127.0.0.1:0",
		Advertise: func(port int) (func(), error) {
			if advertised != nil {
				*advertised = port
			}
			return func() {}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = adapter.Close()
	})
	return adapter
}

func TestConnectAndAcceptOverLoopback(t *testing.T) {
	var port int
	server := newLoopbackAdapter(t, &staticFinder{}, &port)
	if port == 0 || port != server.Addr().(*net.TCPAddr).Port {
		t.Fatalf("expected advertised port to match listener, got %d", port)
	}

	finder := &staticFinder{peers: map[string]discovery.DiscoveredPeer{
		"device-b": {DeviceID: "device-b", Port: port, Addresses: []string{"127.0.0.1"}, LastSeen: time.Now()},
	}}
	client := newLoopbackAdapter(t, finder, nil)

	peers, err := client.StartDiscovery(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	var found []string
	for peer := range peers {
		if peer.SignalStrength != -55 {
			t.Fatalf("expected group RSSI on descriptor, got %d", peer.SignalStrength)
		}
		found = append(found, peer.PeerID)
	}
	if len(found) != 1 || found[0] != "device-b" {
		t.Fatalf("unexpected discovery result: %v", found)
	}

	ch, err := client.Connect(context.Background(), "device-b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer ch.Close()

	inbound, err := server.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer inbound.Close()

	if err := ch.Send(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := inbound.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestConnectUnknownPeerFails(t *testing.T) {
	client := newLoopbackAdapter(t, &staticFinder{}, nil)
	if _, err := client.Connect(context.Background(), "ghost"); !errors.Is(err, transport.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestConnectRefusedEndpointFails(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	finder := &staticFinder{peers: map[string]discovery.DiscoveredPeer{
		"device-b": {DeviceID: "device-b", Port: port, Addresses: []string{"127.0.0.1"}},
	}}
	client := newLoopbackAdapter(t, finder, nil)
	if _, err := client.Connect(context.Background(), "device-b"); !errors.Is(err, transport.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed for port %s, got %v", strconv.Itoa(port), err)
	}
}

func TestUnstartedOrUnsupportedGroup(t *testing.T) {
	adapter, err := NewAdapter(failingGroup{}, &staticFinder{}, Options{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	if _, err := adapter.StartDiscovery(context.Background(), time.Millisecond); !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable before start, got %v", err)
	}
	if err := adapter.Start(context.Background()); !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable from failed join, got %v", err)
	}
}
