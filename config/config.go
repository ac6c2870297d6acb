// Package config persists local device settings and resolves runtime overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "hearthsync"
	// DefaultSignalingPort is the TCP port used in fixed mode when none is set.
	DefaultSignalingPort = 47600
	// PortModeAutomatic lets the OS pick an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured signaling port value.
	PortModeFixed = "fixed"
	// RoleAdmin devices advertise the family and approve joins.
	RoleAdmin = "admin"
	// RoleMember devices only sync.
	RoleMember = "member"
	// DefaultAppVersion is advertised when none is configured.
	DefaultAppVersion = "0.1.0"

	configFileName = "config.json"
	syncKeyName    = "sync.key"
)

// Environment overrides. They are applied on every load and never persisted.
const (
	EnvDataDir       = "HEARTHSYNC_DATA_DIR"
	EnvDeviceName    = "HEARTHSYNC_DEVICE_NAME"
	EnvFamilyID      = "HEARTHSYNC_FAMILY_ID"
	EnvFamilyName    = "HEARTHSYNC_FAMILY_NAME"
	EnvRole          = "HEARTHSYNC_ROLE"
	EnvSignalingPort = "HEARTHSYNC_SIGNALING_PORT"
	EnvSyncKey       = "HEARTHSYNC_SYNC_KEY"
	EnvMetricsAddr   = "HEARTHSYNC_METRICS_ADDR"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PortMode      string `json:"port_mode"`
	SignalingPort int    `json:"signaling_port"`
	FamilyID      string `json:"family_id"`
	FamilyName    string `json:"family_name"`
	Role          string `json:"role"`
	AppVersion    string `json:"app_version"`
	SyncKeyPath   string `json:"sync_key_path"`
	// MetricsAddress serves /metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddress string `json:"metrics_address,omitempty"`

	// SyncKey is the resolved family key; never written to config.json.
	SyncKey []byte `json:"-"`
}

// IsAdmin reports whether this device administers its family.
func (c *DeviceConfig) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// ListenAddress returns the signaling listen address for the port mode.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.SignalingPort > 0 {
		return ":" + strconv.Itoa(c.SignalingPort)
	}
	return ":0"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If HEARTHSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
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
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
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
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// LoadEnvFiles loads .env from the working directory and the data directory.
// Variables already present in the environment win.
func LoadEnvFiles(dataDir string) error {
	for _, path := range []string{".env", filepath.Join(dataDir, ".env")} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %q: %w", path, err)
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

// LoadOrCreate ensures directories and config exist, applies .env and
// environment overrides and resolves the sync key.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	if err := LoadEnvFiles(dataDir); err != nil {
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
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}
	if err := resolveSyncKey(cfg); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "HearthSync Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.SignalingPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.SignalingPort == 0 {
		cfg.SignalingPort = DefaultSignalingPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.SignalingPort < 0 {
		cfg.SignalingPort = 0
		updated = true
	}

	if cfg.Role != RoleAdmin && cfg.Role != RoleMember {
		cfg.Role = RoleMember
		updated = true
	}

	if cfg.AppVersion == "" {
		cfg.AppVersion = DefaultAppVersion
		updated = true
	}

	if cfg.SyncKeyPath == "" {
		cfg.SyncKeyPath = filepath.Join(dataDir, "keys", syncKeyName)
		updated = true
	}

	return updated
}

func applyEnvOverrides(cfg *DeviceConfig) error {
	if v := strings.TrimSpace(os.Getenv(EnvDeviceName)); v != "" {
		cfg.DeviceName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvFamilyID)); v != "" {
		cfg.FamilyID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvFamilyName)); v != "" {
		cfg.FamilyName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRole)); v != "" {
		if v != RoleAdmin && v != RoleMember {
			return fmt.Errorf("invalid %s %q", EnvRole, v)
		}
		cfg.Role = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSignalingPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvSignalingPort, v)
		}
		if port == 0 {
			cfg.PortMode = PortModeAutomatic
		} else {
			cfg.PortMode = PortModeFixed
		}
		cfg.SignalingPort = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvMetricsAddr)); v != "" {
		cfg.MetricsAddress = v
	}
	return nil
}

// resolveSyncKey prefers HEARTHSYNC_SYNC_KEY, then the key file. A missing key
// leaves SyncKey empty, which disables message signing.
func resolveSyncKey(cfg *DeviceConfig) error {
	if v := os.Getenv(EnvSyncKey); v != "" {
		cfg.SyncKey = []byte(v)
		return nil
	}
	raw, err := os.ReadFile(cfg.SyncKeyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read sync key: %w", err)
	}
	cfg.SyncKey = []byte(strings.TrimSpace(string(raw)))
	return nil
}

// SaveSyncKey writes the family sync key to the configured key file.
func SaveSyncKey(cfg *DeviceConfig, key []byte) error {
	if len(key) == 0 {
		return errors.New("sync key is empty")
	}
	if err := os.WriteFile(cfg.SyncKeyPath, append(append([]byte(nil), key...), '\n'), 0o600); err != nil {
		return fmt.Errorf("write sync key: %w", err)
	}
	cfg.SyncKey = append([]byte(nil), key...)
	return nil
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
