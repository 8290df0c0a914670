package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"hello"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame empty failed: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("unexpected payload: %q", got)
	}
	empty, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame empty failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty frame, got %d bytes", len(empty))
	}
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on write, got %v", err)
	}

	header := []byte{0x00, 0x10, 0x00, 0x01}
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on read, got %v", err)
	}
}

func TestStreamChannelSendReceive(t *testing.T) {
	left, right := net.Pipe()
	a := NewStreamChannel(left, "b", time.Second)
	b := NewStreamChannel(right, "a", time.Second)
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- a.Send(context.Background(), []byte("batch-1"))
	}()

	got, err := b.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(got) != "batch-1" {
		t.Fatalf("unexpected frame %q", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestStreamChannelReceiveTimeout(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	ch := NewStreamChannel(right, "peer", 20*time.Millisecond)
	defer ch.Close()

	_, err := ch.Receive(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !Recoverable(err) {
		t.Fatalf("expected timeout to be recoverable")
	}
}

func TestStreamChannelReceiveCancelled(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	ch := NewStreamChannel(right, "peer", time.Minute)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := ch.Receive(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to surface, got %v", err)
	}
}

func TestStreamChannelPeerClosed(t *testing.T) {
	left, right := net.Pipe()
	ch := NewStreamChannel(right, "peer", time.Second)
	defer ch.Close()
	_ = left.Close()

	_, err := ch.Receive(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
