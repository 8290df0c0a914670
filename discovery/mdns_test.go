package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID:   "device-123",
		DeviceName:     "Field Unit 7",
		ListeningPort:  47800,
		KeyFingerprint: "abcd",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "Field Unit 7" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 47800 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "device_id=device-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "key_fingerprint=abcd")
}

func TestStartBroadcasterRequiresPort(t *testing.T) {
	_, err := StartBroadcaster(Config{SelfDeviceID: "device-123"})
	if err == nil {
		t.Fatalf("expected missing port to be rejected")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{SelfDeviceID: "device-123"}.withDefaults()
	if cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("expected default scan timeout %s, got %s", DefaultScanTimeout, cfg.ScanTimeout)
	}
	if cfg.DeviceName != "device-123" {
		t.Fatalf("expected device name to default to device ID, got %q", cfg.DeviceName)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
