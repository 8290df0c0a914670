package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"meshledger/models"
	"meshledger/transport"
)

func TestSplitFrameHeaders(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 45)
	chunks := splitFrame(payload, 20)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0][0] != flagMore || chunks[1][0] != flagMore || chunks[2][0] != flagFinal {
		t.Fatalf("unexpected chunk headers: %x %x %x", chunks[0][0], chunks[1][0], chunks[2][0])
	}
	if len(chunks[2]) != 1+5 {
		t.Fatalf("unexpected last chunk length %d", len(chunks[2]))
	}

	empty := splitFrame(nil, 20)
	if len(empty) != 1 || len(empty[0]) != 1 || empty[0][0] != flagFinal {
		t.Fatalf("expected single final header for empty frame, got %v", empty)
	}
}

func TestDiscoveryReportsPeersOnce(t *testing.T) {
	medium := NewSimMedium(MinMTU)
	self := medium.Radio("device-a", -40)
	medium.Radio("device-b", -60)
	medium.Radio("device-c", -85)
	off := medium.Radio("device-d", -30)
	off.SetState(StatePoweredOff)

	adapter, err := NewAdapter(self, Options{})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}

	peers, err := adapter.StartDiscovery(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	got := make(map[string]models.PeerDescriptor)
	for peer := range peers {
		if _, dup := got[peer.PeerID]; dup {
			t.Fatalf("peer %s reported twice", peer.PeerID)
		}
		got[peer.PeerID] = peer
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 powered peers, got %v", got)
	}
	if got["device-b"].SignalStrength != -60 || got["device-b"].Transport != models.TransportBLE {
		t.Fatalf("unexpected descriptor: %+v", got["device-b"])
	}
}

func TestRadioStateMapsToTransportErrors(t *testing.T) {
	medium := NewSimMedium(MinMTU)
	radio := medium.Radio("device-a", -40)
	adapter, _ := NewAdapter(radio, Options{})

	radio.SetState(StateUnauthorized)
	if _, err := adapter.StartDiscovery(context.Background(), time.Millisecond); !errors.Is(err, transport.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	radio.SetState(StatePoweredOff)
	if _, err := adapter.Connect(context.Background(), "device-b"); !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestConnectToMissingPeerFails(t *testing.T) {
	medium := NewSimMedium(MinMTU)
	adapter, _ := NewAdapter(medium.Radio("device-a", -40), Options{ConnectTimeout: 50 * time.Millisecond})

	if _, err := adapter.Connect(context.Background(), "ghost"); !errors.Is(err, transport.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestChunkedFramesSurviveSmallMTU(t *testing.T) {
	medium := NewSimMedium(MinMTU)
	a, _ := NewAdapter(medium.Radio("device-a", -40), Options{})
	b, _ := NewAdapter(medium.Radio("device-b", -50), Options{})

	accepted := make(chan transport.Channel, 1)
	go func() {
		ch, err := b.Accept(context.Background())
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			close(accepted)
			return
		}
		accepted <- ch
	}()

	client, err := a.Connect(context.Background(), "device-b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()
	server := <-accepted
	if server == nil {
		t.Fatalf("no inbound channel")
	}
	defer server.Close()
	if server.PeerID() != "device-a" {
		t.Fatalf("expected inbound peer device-a, got %q", server.PeerID())
	}

	payload := bytes.Repeat([]byte("transfer-"), 500)
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- client.Send(context.Background(), payload)
	}()

	got, err := server.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled frame differs: got %d bytes want %d", len(got), len(payload))
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestReceiveTimesOutAndReportsClose(t *testing.T) {
	medium := NewSimMedium(185)
	a, _ := NewAdapter(medium.Radio("device-a", -40), Options{ReceiveTimeout: 20 * time.Millisecond})
	b, _ := NewAdapter(medium.Radio("device-b", -50), Options{})

	go func() {
		ch, err := b.Accept(context.Background())
		if err == nil {
			time.Sleep(60 * time.Millisecond)
			_ = ch.Close()
		}
	}()

	client, err := a.Connect(context.Background(), "device-b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if _, err := client.Receive(context.Background()); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if _, err := client.Receive(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed after peer close, got %v", err)
	}
}
