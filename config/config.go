package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"

	"peerdrop/server"
	"peerdrop/transfers"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdrop"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERDROP_DATA_DIR"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 7001
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// transferDirName is the default transfer folder under the data dir.
	transferDirName = "transfers"

	defaultSocketTimeoutMS  = 5000
	defaultStallTimeoutMS   = 5000
	defaultRetryLockoutMS   = int64(transfers.DefaultRetryLockout / time.Millisecond)
	defaultFileWriteRetries = 10
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	PortMode       string `json:"port_mode"`
	ListeningPort  int    `json:"listening_port"`
	LocalIP        string `json:"local_ip,omitempty"`
	PublicIP       string `json:"public_ip,omitempty"`
	TransferFolder string `json:"transfer_folder"`

	BufferSize             int     `json:"buffer_size"`
	SocketTimeoutMS        int     `json:"socket_timeout_ms"`
	StallTimeoutMS         int     `json:"stall_timeout_ms"`
	TransferUpdateInterval float64 `json:"transfer_update_interval"`
	TransferRetryLimit     int     `json:"transfer_retry_limit"`
	RetryLockoutMS         int64   `json:"retry_lockout_ms"`
	FileWriteAttempts      int     `json:"file_write_attempts"`

	AutoAccept       bool `json:"auto_accept"`
	DiscoveryEnabled bool `json:"discovery_enabled"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERDROP_DATA_DIR is set, its value is used as an explicit override.
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
		filepath.Join(dataDir, transferDirName),
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

// LoadOrCreate ensures directories and config exist, then returns the config
// and the data directory it lives in.
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

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

// ListenAddress is the address the node binds to.
func (c *DeviceConfig) ListenAddress() string {
	port := 0
	if c.PortMode == PortModeFixed {
		port = c.ListeningPort
	}
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
}

// ServerOptions converts the persisted settings into server options. The
// caller adds the archive, logger and anything else process-specific.
func (c *DeviceConfig) ServerOptions() server.Options {
	socketTimeout := time.Duration(c.SocketTimeoutMS) * time.Millisecond
	return server.Options{
		Name:                   c.DeviceName,
		ListenAddress:          c.ListenAddress(),
		LocalIP:                c.LocalIP,
		PublicIP:               c.PublicIP,
		TransferFolder:         c.TransferFolder,
		BufferSize:             c.BufferSize,
		DialTimeout:            socketTimeout,
		SendTimeout:            socketTimeout,
		ReceiveTimeout:         socketTimeout,
		StallTimeout:           time.Duration(c.StallTimeoutMS) * time.Millisecond,
		TransferUpdateInterval: c.TransferUpdateInterval,
		RetryLimit:             c.TransferRetryLimit,
		RetryLockout:           time.Duration(c.RetryLockoutMS) * time.Millisecond,
		FileWriteAttempts:      c.FileWriteAttempts,
		AutoAccept:             c.AutoAccept,
	}
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{
		DeviceID:         uuid.NewString(),
		DeviceName:       defaultDeviceName(),
		PortMode:         PortModeAutomatic,
		DiscoveryEnabled: true,
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "PeerDrop Node"
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

	if !validPortMode(cfg.PortMode) {
		cfg.PortMode = PortModeAutomatic
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.TransferFolder == "" {
		cfg.TransferFolder = filepath.Join(dataDir, transferDirName)
		updated = true
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = transfers.DefaultBufferSize
		updated = true
	}
	if cfg.SocketTimeoutMS <= 0 {
		cfg.SocketTimeoutMS = defaultSocketTimeoutMS
		updated = true
	}
	if cfg.StallTimeoutMS <= 0 {
		cfg.StallTimeoutMS = defaultStallTimeoutMS
		updated = true
	}
	if cfg.TransferUpdateInterval <= 0 || cfg.TransferUpdateInterval >= 1 {
		cfg.TransferUpdateInterval = transfers.DefaultUpdateInterval
		updated = true
	}
	if cfg.TransferRetryLimit <= 0 {
		cfg.TransferRetryLimit = transfers.DefaultRetryLimit
		updated = true
	}
	if cfg.RetryLockoutMS <= 0 {
		cfg.RetryLockoutMS = defaultRetryLockoutMS
		updated = true
	}
	if cfg.FileWriteAttempts <= 0 {
		cfg.FileWriteAttempts = defaultFileWriteRetries
		updated = true
	}

	return updated
}

func validPortMode(mode string) bool {
	return mode == PortModeAutomatic || mode == PortModeFixed
}
