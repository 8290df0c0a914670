package connectivity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Probe reports whether a direct path to the ledger exists and whether it is metered.
type Probe func(ctx context.Context) (online, metered bool)

// BatteryReader returns the battery level in percent.
type BatteryReader func() (int, error)

// ErrNoBattery means the host has no battery, so it runs on mains power.
var ErrNoBattery = errors.New("connectivity: no battery present")

// Watch polls probe and battery every interval until ctx is done. Either may be nil.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, probe Probe, battery BatteryReader) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.poll(ctx, probe, battery)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) poll(ctx context.Context, probe Probe, battery BatteryReader) {
	if battery != nil {
		level, err := battery()
		switch {
		case err == nil:
			m.SetBattery(level)
		case errors.Is(err, ErrNoBattery):
			m.SetBattery(100)
		default:
			m.log.Warn("read battery level failed", "error", err)
		}
	}
	if probe != nil {
		online, metered := probe(ctx)
		if ctx.Err() == nil {
			m.SetOnline(online, metered)
		}
	}
}

// SysfsBattery reads the first battery under root (normally /sys/class/power_supply).
func SysfsBattery(root string) BatteryReader {
	return func() (int, error) {
		matches, err := filepath.Glob(filepath.Join(root, "BAT*", "capacity"))
		if err != nil {
			return 0, fmt.Errorf("glob battery: %w", err)
		}
		if len(matches) == 0 {
			return 0, ErrNoBattery
		}
		raw, err := os.ReadFile(matches[0])
		if err != nil {
			return 0, fmt.Errorf("read battery capacity: %w", err)
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return 0, fmt.Errorf("parse battery capacity: %w", err)
		}
		return level, nil
	}
}
