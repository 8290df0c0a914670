package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"meshledger/connectivity"
	"meshledger/coordinator"
	"meshledger/models"
	"meshledger/queue"
	"meshledger/syncproto"
	"meshledger/transport"
	"meshledger/transport/ble"
	"meshledger/transport/wifidirect"
)

// Duration reads and writes Go duration strings such as "5m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Policy is the deployment-wide operator policy. Every device in a deployment
// must share the transport identifiers.
type Policy struct {
	Sync       SyncPolicy       `toml:"sync"`
	Thresholds ThresholdPolicy  `toml:"thresholds"`
	BLE        BLEPolicy        `toml:"ble"`
	WifiDirect WifiDirectPolicy `toml:"wifi_direct"`
	Ledger     LedgerPolicy     `toml:"ledger"`
	Log        LogPolicy        `toml:"log"`
}

type SyncPolicy struct {
	Interval       Duration   `toml:"interval"`
	Capacity       int        `toml:"capacity"`
	BatchSize      int        `toml:"batch_size"`
	MaxBatches     int        `toml:"max_batches"`
	Backoff        []Duration `toml:"backoff"`
	ConflictWindow Duration   `toml:"conflict_window"`
	SessionTimeout Duration   `toml:"session_timeout"`
	ReceiveTimeout Duration   `toml:"receive_timeout"`
	// TombstoneRetention bounds how long purged ids block re-delivery.
	TombstoneRetention Duration `toml:"tombstone_retention"`
	// TrustedRoots are hex ledger roots provisioned by the operator.
	TrustedRoots []string `toml:"trusted_roots"`
}

type ThresholdPolicy struct {
	MinBatteryPercent int  `toml:"min_battery_percent"`
	MinRSSI           int8 `toml:"min_rssi"`
}

type BLEPolicy struct {
	Enabled            bool     `toml:"enabled"`
	ServiceUUID        string   `toml:"service_uuid"`
	CharacteristicUUID string   `toml:"characteristic_uuid"`
	DiscoveryTimeout   Duration `toml:"discovery_timeout"`
	ConnectTimeout     Duration `toml:"connect_timeout"`
}

type WifiDirectPolicy struct {
	Enabled          bool     `toml:"enabled"`
	Channel          int      `toml:"channel"`
	Passphrase       string   `toml:"passphrase"`
	Port             int      `toml:"port"`
	Interfaces       []string `toml:"interfaces"`
	DiscoveryTimeout Duration `toml:"discovery_timeout"`
	ConnectTimeout   Duration `toml:"connect_timeout"`
}

type LedgerPolicy struct {
	URL                string   `toml:"url"`
	Timeout            Duration `toml:"timeout"`
	RatePerSecond      float64  `toml:"rate_per_second"`
	Burst              int      `toml:"burst"`
	BreakerTrips       uint32   `toml:"breaker_trips"`
	BreakerTimeout     Duration `toml:"breaker_timeout"`
	MeteredSubmitLimit int      `toml:"metered_submit_limit"`
	// Metered marks the uplink as metered on hosts that cannot detect it.
	Metered       bool     `toml:"metered"`
	ProbeInterval Duration `toml:"probe_interval"`
}

type LogPolicy struct {
	MaxSizeMB  int `toml:"max_size_mb"`
	MaxBackups int `toml:"max_backups"`
	MaxAgeDays int `toml:"max_age_days"`
	// SecurityEventRetention bounds how long security events are kept.
	SecurityEventRetention Duration `toml:"security_event_retention"`
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	var p Policy
	p.BLE.Enabled = true
	p.WifiDirect.Enabled = true
	return p.withDefaults()
}

func setDuration(d *Duration, fallback time.Duration) {
	if d.Duration <= 0 {
		d.Duration = fallback
	}
}

func (p Policy) withDefaults() Policy {
	setDuration(&p.Sync.Interval, coordinator.DefaultInterval)
	if p.Sync.Capacity <= 0 {
		p.Sync.Capacity = queue.DefaultCapacity
	}
	if p.Sync.BatchSize <= 0 {
		p.Sync.BatchSize = syncproto.DefaultBatchSize
	}
	if p.Sync.MaxBatches <= 0 {
		p.Sync.MaxBatches = syncproto.DefaultMaxBatches
	}
	if len(p.Sync.Backoff) == 0 {
		for _, step := range coordinator.DefaultBackoff {
			p.Sync.Backoff = append(p.Sync.Backoff, Duration{step})
		}
	}
	setDuration(&p.Sync.ConflictWindow, queue.DefaultConflictWindow)
	setDuration(&p.Sync.SessionTimeout, coordinator.DefaultSessionTimeout)
	setDuration(&p.Sync.ReceiveTimeout, transport.DefaultReceiveTimeout)
	setDuration(&p.Sync.TombstoneRetention, 365*24*time.Hour)

	if p.Thresholds.MinBatteryPercent <= 0 {
		p.Thresholds.MinBatteryPercent = connectivity.DefaultMinBattery
	}
	if p.Thresholds.MinRSSI == 0 {
		p.Thresholds.MinRSSI = connectivity.DefaultMinRSSI
	}

	if p.BLE.ServiceUUID == "" {
		p.BLE.ServiceUUID = ble.ServiceUUID
	}
	if p.BLE.CharacteristicUUID == "" {
		p.BLE.CharacteristicUUID = ble.CharacteristicUUID
	}
	setDuration(&p.BLE.DiscoveryTimeout, ble.DefaultDiscoveryTimeout)
	setDuration(&p.BLE.ConnectTimeout, ble.DefaultConnectTimeout)

	if p.WifiDirect.Channel == 0 {
		p.WifiDirect.Channel = wifidirect.DefaultChannel
	}
	if p.WifiDirect.Port == 0 {
		p.WifiDirect.Port = wifidirect.DefaultPort
	}
	setDuration(&p.WifiDirect.DiscoveryTimeout, wifidirect.DefaultDiscoveryTimeout)
	setDuration(&p.WifiDirect.ConnectTimeout, wifidirect.DefaultConnectTimeout)

	setDuration(&p.Ledger.Timeout, 15*time.Second)
	if p.Ledger.RatePerSecond <= 0 {
		p.Ledger.RatePerSecond = 5
	}
	if p.Ledger.Burst <= 0 {
		p.Ledger.Burst = 5
	}
	if p.Ledger.BreakerTrips == 0 {
		p.Ledger.BreakerTrips = 5
	}
	setDuration(&p.Ledger.BreakerTimeout, 30*time.Second)
	if p.Ledger.MeteredSubmitLimit <= 0 {
		p.Ledger.MeteredSubmitLimit = coordinator.DefaultMeteredSubmitLimit
	}
	setDuration(&p.Ledger.ProbeInterval, 30*time.Second)

	if p.Log.MaxSizeMB <= 0 {
		p.Log.MaxSizeMB = 10
	}
	if p.Log.MaxBackups <= 0 {
		p.Log.MaxBackups = 3
	}
	if p.Log.MaxAgeDays <= 0 {
		p.Log.MaxAgeDays = 14
	}
	setDuration(&p.Log.SecurityEventRetention, 30*24*time.Hour)
	return p
}

// Validate rejects policies the sync layer cannot run with.
func (p Policy) Validate() error {
	var errs []error
	if p.Sync.BatchSize > p.Sync.Capacity {
		errs = append(errs, fmt.Errorf("sync.batch_size %d exceeds sync.capacity %d", p.Sync.BatchSize, p.Sync.Capacity))
	}
	for i, step := range p.Sync.Backoff {
		if step.Duration <= 0 {
			errs = append(errs, fmt.Errorf("sync.backoff[%d] must be positive", i))
		}
	}
	if p.Thresholds.MinBatteryPercent > 100 {
		errs = append(errs, fmt.Errorf("thresholds.min_battery_percent %d exceeds 100", p.Thresholds.MinBatteryPercent))
	}
	if p.Thresholds.MinRSSI > 0 {
		errs = append(errs, fmt.Errorf("thresholds.min_rssi %d must be negative dBm", p.Thresholds.MinRSSI))
	}
	if p.WifiDirect.Port < 1 || p.WifiDirect.Port > 65535 {
		errs = append(errs, fmt.Errorf("wifi_direct.port %d out of range", p.WifiDirect.Port))
	}
	if p.WifiDirect.Enabled && len(p.WifiDirect.Passphrase) > 0 && len(p.WifiDirect.Passphrase) < 8 {
		errs = append(errs, errors.New("wifi_direct.passphrase must be at least 8 characters"))
	}
	if p.Ledger.URL != "" {
		parsed, err := url.Parse(p.Ledger.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("ledger.url %q must be an absolute http(s) URL", p.Ledger.URL))
		}
	}
	for i, root := range p.Sync.TrustedRoots {
		if _, err := models.ParseHash(root); err != nil {
			errs = append(errs, fmt.Errorf("sync.trusted_roots[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// BackoffSchedule returns the retry schedule as plain durations.
func (p Policy) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(p.Sync.Backoff))
	for _, step := range p.Sync.Backoff {
		out = append(out, step.Duration)
	}
	return out
}

// LoadPolicy decodes path, writing the defaults there first when it does not exist.
func LoadPolicy(path string) (Policy, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		policy := DefaultPolicy()
		if err := SavePolicy(path, policy); err != nil {
			return Policy{}, err
		}
		return policy, nil
	}

	policy := Policy{
		BLE:        BLEPolicy{Enabled: true},
		WifiDirect: WifiDirectPolicy{Enabled: true},
	}
	meta, err := toml.DecodeFile(path, &policy)
	if err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Policy{}, fmt.Errorf("parse policy: unknown keys %v", undecoded)
	}

	policy = policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return policy, nil
}

// SavePolicy writes policy as TOML.
func SavePolicy(path string, policy Policy) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open policy: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(policy); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return nil
}
