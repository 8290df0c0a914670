// Package connectivity observes the link and power facts the sync policy depends on.
package connectivity

import (
	"log/slog"
	"sync"
	"time"

	"meshledger/models"
)

const (
	// DefaultMinRSSI is the secure-connection signal floor in dBm.
	DefaultMinRSSI int8 = -80
	// DefaultMinBattery is the battery percentage below which sync is skipped.
	DefaultMinBattery = 20
)

// Reason names the threshold a change crossed.
type Reason string

const (
	ReasonOnline  Reason = "online"
	ReasonSignal  Reason = "signal"
	ReasonBattery Reason = "battery"
)

// State is the current set of observed facts.
type State struct {
	Online         bool
	Metered        bool
	Transport      models.TransportKind
	SignalStrength int8
	BatteryLevel   int
	UpdatedAt      time.Time
}

// Event is emitted when an update crosses at least one policy threshold.
type Event struct {
	Previous State
	Current  State
	Reasons  []Reason
}

// Options configures a Monitor.
type Options struct {
	MinRSSI    int8
	MinBattery int
	Logger     *slog.Logger
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MinRSSI == 0 {
		o.MinRSSI = DefaultMinRSSI
	}
	if o.MinBattery <= 0 {
		o.MinBattery = DefaultMinBattery
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Monitor holds the latest facts and fans out threshold crossings to subscribers.
// It never performs sync work itself.
type Monitor struct {
	opts Options
	log  *slog.Logger

	mu          sync.RWMutex
	state       State
	subscribers map[int]chan Event
	nextID      int
}

// NewMonitor starts offline with no transport and a full battery.
func NewMonitor(opts Options) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		opts: opts,
		log:  opts.Logger.With("component", "connectivity"),
		state: State{
			Transport:    models.TransportNone,
			BatteryLevel: 100,
			UpdatedAt:    opts.Now(),
		},
		subscribers: make(map[int]chan Event),
	}
}

// State returns the latest observed facts.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SignalSecure reports whether the active link meets the RSSI floor.
func (m *Monitor) SignalSecure() bool {
	state := m.State()
	return m.signalSecure(state)
}

// BatteryOK reports whether the battery is at or above the sync floor.
func (m *Monitor) BatteryOK() bool {
	return m.State().BatteryLevel >= m.opts.MinBattery
}

// MinRSSI returns the configured signal floor.
func (m *Monitor) MinRSSI() int8 {
	return m.opts.MinRSSI
}

// SetOnline records whether a direct network path to the ledger exists.
func (m *Monitor) SetOnline(online, metered bool) {
	m.update(func(s *State) {
		s.Online = online
		s.Metered = metered
		if online && s.Transport == models.TransportNone {
			s.Transport = models.TransportNetwork
		}
		if !online && s.Transport == models.TransportNetwork {
			s.Transport = models.TransportNone
		}
	})
}

// SetLink records the active short-range transport and its signal strength.
func (m *Monitor) SetLink(kind models.TransportKind, rssi int8) {
	m.update(func(s *State) {
		s.Transport = kind
		s.SignalStrength = rssi
	})
}

// ClearLink drops the short-range link recorded by SetLink once its session
// ends. A link of another kind set since then is left alone.
func (m *Monitor) ClearLink(kind models.TransportKind) {
	m.update(func(s *State) {
		if s.Transport != kind {
			return
		}
		s.Transport = models.TransportNone
		if s.Online {
			s.Transport = models.TransportNetwork
		}
		s.SignalStrength = 0
	})
}

// SetBattery records the battery level, clamped to 0..100.
func (m *Monitor) SetBattery(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	m.update(func(s *State) {
		s.BatteryLevel = level
	})
}

func (m *Monitor) update(apply func(*State)) {
	m.mu.Lock()
	previous := m.state
	next := previous
	apply(&next)
	next.UpdatedAt = m.opts.Now()
	m.state = next

	reasons := m.crossings(previous, next)
	if len(reasons) > 0 {
		event := Event{Previous: previous, Current: next, Reasons: reasons}
		for _, ch := range m.subscribers {
			// Subscribers read State on wakeup, so a full buffer already has a pending event.
			select {
			case ch <- event:
			default:
			}
		}
	}
	m.mu.Unlock()

	if len(reasons) > 0 {
		m.log.Debug("connectivity threshold crossed", "reasons", reasons, "online", next.Online,
			"transport", next.Transport, "rssi", next.SignalStrength, "battery", next.BatteryLevel)
	}
}

func (m *Monitor) crossings(previous, next State) []Reason {
	var reasons []Reason
	if previous.Online != next.Online {
		reasons = append(reasons, ReasonOnline)
	}
	if m.signalSecure(previous) != m.signalSecure(next) {
		reasons = append(reasons, ReasonSignal)
	}
	if (previous.BatteryLevel >= m.opts.MinBattery) != (next.BatteryLevel >= m.opts.MinBattery) {
		reasons = append(reasons, ReasonBattery)
	}
	return reasons
}

func (m *Monitor) signalSecure(state State) bool {
	switch state.Transport {
	case models.TransportBLE, models.TransportWifiDirect:
		return state.SignalStrength >= m.opts.MinRSSI
	default:
		return false
	}
}

// Subscribe registers for change events. The returned cancel func unregisters
// and closes the channel.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
