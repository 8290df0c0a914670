package connectivity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshledger/models"
)

func expectEvent(t *testing.T, events <-chan Event, reasons ...Reason) Event {
	t.Helper()

	select {
	case event := <-events:
		if len(event.Reasons) != len(reasons) {
			t.Fatalf("expected reasons %v, got %v", reasons, event.Reasons)
		}
		for i, reason := range reasons {
			if event.Reasons[i] != reason {
				t.Fatalf("expected reasons %v, got %v", reasons, event.Reasons)
			}
		}
		return event
	case <-time.After(time.Second):
		t.Fatalf("expected event %v", reasons)
	}
	return Event{}
}

func expectNoEvent(t *testing.T, events <-chan Event) {
	t.Helper()

	select {
	case event := <-events:
		t.Fatalf("unexpected event %+v", event)
	default:
	}
}

func TestMonitorEmitsOnlyOnThresholdCrossings(t *testing.T) {
	m := NewMonitor(Options{})
	events, cancel := m.Subscribe(8)
	defer cancel()

	m.SetOnline(true, false)
	event := expectEvent(t, events, ReasonOnline)
	if event.Previous.Online || !event.Current.Online || event.Current.Transport != models.TransportNetwork {
		t.Fatalf("unexpected online event %+v", event)
	}

	m.SetOnline(true, true)
	expectNoEvent(t, events)

	m.SetLink(models.TransportBLE, -70)
	expectEvent(t, events, ReasonSignal)
	m.SetLink(models.TransportBLE, -75)
	expectNoEvent(t, events)
	m.SetLink(models.TransportBLE, -81)
	expectEvent(t, events, ReasonSignal)
	if m.SignalSecure() {
		t.Fatal("-81 dBm must be below the floor")
	}
	m.SetLink(models.TransportBLE, -80)
	expectEvent(t, events, ReasonSignal)
	if !m.SignalSecure() {
		t.Fatal("-80 dBm is at the floor and must count as secure")
	}

	m.SetBattery(50)
	expectNoEvent(t, events)
	m.SetBattery(19)
	expectEvent(t, events, ReasonBattery)
	if m.BatteryOK() {
		t.Fatal("19% must be below the battery floor")
	}
	m.SetBattery(20)
	expectEvent(t, events, ReasonBattery)
}

func TestClearLinkRestoresNetworkTransport(t *testing.T) {
	m := NewMonitor(Options{})
	events, cancel := m.Subscribe(8)
	defer cancel()

	m.SetLink(models.TransportWifiDirect, -50)
	expectEvent(t, events, ReasonSignal)
	m.ClearLink(models.TransportBLE)
	if state := m.State(); state.Transport != models.TransportWifiDirect {
		t.Fatalf("clearing another kind must keep the link, got %+v", state)
	}
	expectNoEvent(t, events)

	m.ClearLink(models.TransportWifiDirect)
	expectEvent(t, events, ReasonSignal)
	if state := m.State(); state.Transport != models.TransportNone || state.SignalStrength != 0 {
		t.Fatalf("expected no link after clear, got %+v", state)
	}

	m.SetOnline(true, false)
	expectEvent(t, events, ReasonOnline)
	m.SetLink(models.TransportBLE, -60)
	expectEvent(t, events, ReasonSignal)
	m.ClearLink(models.TransportBLE)
	expectEvent(t, events, ReasonSignal)
	if state := m.State(); state.Transport != models.TransportNetwork {
		t.Fatalf("expected network transport while online, got %+v", state)
	}
}

func TestMonitorCancelStopsDelivery(t *testing.T) {
	m := NewMonitor(Options{})
	events, cancel := m.Subscribe(1)
	cancel()
	cancel()

	m.SetOnline(true, false)
	if _, ok := <-events; ok {
		t.Fatal("expected closed channel after cancel")
	}
}

func TestMonitorFullSubscriberDoesNotBlock(t *testing.T) {
	m := NewMonitor(Options{})
	events, cancel := m.Subscribe(1)
	defer cancel()

	m.SetOnline(true, false)
	m.SetOnline(false, false)
	m.SetOnline(true, false)

	expectEvent(t, events, ReasonOnline)
	expectNoEvent(t, events)
	if !m.State().Online {
		t.Fatal("state must reflect the latest update")
	}
}

func TestWatchAppliesProbeAndBattery(t *testing.T) {
	m := NewMonitor(Options{})
	events, cancel := m.Subscribe(4)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx, time.Hour, func(context.Context) (bool, bool) { return true, true }, func() (int, error) { return 10, nil })
	}()

	first := <-events
	second := <-events
	stop()
	<-done

	if first.Reasons[0] != ReasonBattery || second.Reasons[0] != ReasonOnline {
		t.Fatalf("unexpected events %v then %v", first.Reasons, second.Reasons)
	}
	state := m.State()
	if !state.Online || !state.Metered || state.BatteryLevel != 10 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestSysfsBattery(t *testing.T) {
	root := t.TempDir()
	if _, err := SysfsBattery(root)(); !errors.Is(err, ErrNoBattery) {
		t.Fatalf("expected ErrNoBattery, got %v", err)
	}

	dir := filepath.Join(root, "BAT0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "capacity"), []byte("57\n"), 0o644); err != nil {
		t.Fatalf("write capacity: %v", err)
	}
	level, err := SysfsBattery(root)()
	if err != nil || level != 57 {
		t.Fatalf("expected 57, got %d (%v)", level, err)
	}
}
