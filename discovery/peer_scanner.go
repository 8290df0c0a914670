package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// DiscoveredPeer contains a discovered group endpoint.
type DiscoveredPeer struct {
	DeviceID       string
	DeviceName     string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Scanner runs bounded mDNS browse windows and remembers the endpoints it saw.
type Scanner struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		var opts []zeroconf.ClientOption
		if len(cfg.Interfaces) > 0 {
			opts = append(opts, zeroconf.SelectIfaces(cfg.Interfaces))
		}
		resolver, err := zeroconf.NewResolver(opts...)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]DiscoveredPeer),
	}, nil
}

// Scan browses for at most timeout (the configured scan timeout when zero) and
// streams each distinct peer once. The channel closes when the window ends.
// Calling Scan again starts a fresh window.
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) (<-chan DiscoveredPeer, error) {
	if timeout <= 0 {
		timeout = s.cfg.ScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)

	entries := make(chan *zeroconf.ServiceEntry, 32)
	out := make(chan DiscoveredPeer, 32)

	browseErr := make(chan error, 1)
	go func() {
		browseErr <- s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	go func() {
		defer close(out)
		defer cancel()

		emitted := make(map[string]struct{})
		for {
			select {
			case <-scanCtx.Done():
				return
			case err := <-browseErr:
				// A timeout just means this scan window ended naturally.
				if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
					return
				}
				browseErr = nil
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				s.remember(peer)
				if _, dup := emitted[peer.DeviceID]; dup {
					continue
				}
				emitted[peer.DeviceID] = struct{}{}
				select {
				case out <- peer:
				case <-scanCtx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Lookup returns the last endpoint seen for deviceID.
func (s *Scanner) Lookup(deviceID string) (DiscoveredPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[deviceID]
	return peer, ok
}

func (s *Scanner) remember(peer DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer.DeviceID] = peer
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:       deviceID,
		DeviceName:     name,
		KeyFingerprint: strings.TrimSpace(txt["key_fingerprint"]),
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
