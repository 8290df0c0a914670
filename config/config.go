package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshledger"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "MESHLEDGER_DATA_DIR"
	// DefaultStatusAddr is where the read-model API listens unless overridden.
	DefaultStatusAddr = "127.0.0.1:8740"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// policyFileName is the operator policy file, looked up next to config.json.
	policyFileName = "policy.toml"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	KeysDir    string `json:"keys_dir"`
	StoreDir   string `json:"store_dir"`
	PolicyPath string `json:"policy_path"`
	StatusAddr string `json:"status_addr"`
	LogFile    string `json:"log_file,omitempty"`
	LogLevel   string `json:"log_level,omitempty"`
	// KeyFingerprint is informational; the key store is authoritative.
	KeyFingerprint string `json:"key_fingerprint"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHLEDGER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "store"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "MeshLedger Device"
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:   uuid.NewString(),
		DeviceName: defaultDeviceName(),
		KeysDir:    filepath.Join(dataDir, "keys"),
		StoreDir:   filepath.Join(dataDir, "store"),
		PolicyPath: filepath.Join(dataDir, policyFileName),
		StatusAddr: DefaultStatusAddr,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	defaults := defaultConfig(dataDir)
	updated := false

	fill := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}

	fill(&cfg.DeviceID, defaults.DeviceID)
	fill(&cfg.DeviceName, defaults.DeviceName)
	fill(&cfg.KeysDir, defaults.KeysDir)
	fill(&cfg.StoreDir, defaults.StoreDir)
	fill(&cfg.PolicyPath, defaults.PolicyPath)
	fill(&cfg.StatusAddr, defaults.StatusAddr)

	return updated
}
