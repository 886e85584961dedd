package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/transfers"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected default port mode %q, got %q", PortModeAutomatic, firstCfg.PortMode)
	}
	if firstCfg.ListeningPort != 0 {
		t.Fatalf("expected automatic mode listening port 0, got %d", firstCfg.ListeningPort)
	}
	if firstDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstDir)
	}
	if firstCfg.TransferFolder != filepath.Join(tempDir, "transfers") {
		t.Fatalf("unexpected transfer folder %q", firstCfg.TransferFolder)
	}
	if !firstCfg.DiscoveryEnabled {
		t.Fatalf("expected discovery enabled by default")
	}

	secondCfg, secondDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondDir != firstDir {
		t.Fatalf("expected data dir to be stable, got %q then %q", firstDir, secondDir)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.PortMode != firstCfg.PortMode {
		t.Fatalf("expected stable port mode, got %q then %q", firstCfg.PortMode, secondCfg.PortMode)
	}
}

func TestLoadOrCreateFillsIncompleteConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := ConfigPath(tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &DeviceConfig{
		DeviceID:      "partial-device",
		DeviceName:    "Partial",
		PortMode:      "sometimes",
		ListeningPort: 9999,
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "partial-device" {
		t.Fatalf("expected device id to be kept, got %q", cfg.DeviceID)
	}
	if cfg.PortMode != PortModeAutomatic {
		t.Fatalf("expected unknown port mode to fall back to %q, got %q", PortModeAutomatic, cfg.PortMode)
	}
	if cfg.ListenAddress() != "0.0.0.0:0" {
		t.Fatalf("expected automatic mode to ignore the stored port, got %q", cfg.ListenAddress())
	}

	reloaded, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, PortModeAutomatic, reloaded.PortMode, "normalized defaults should be persisted")
	assert.Equal(t, transfers.DefaultRetryLimit, reloaded.TransferRetryLimit)
	assert.Equal(t, transfers.DefaultBufferSize, reloaded.BufferSize)
}

func TestNormalizeDefaultsFillsFixedPort(t *testing.T) {
	cfg := &DeviceConfig{DeviceID: "d", DeviceName: "n", PortMode: PortModeFixed}

	assert.True(t, normalizeDefaults(cfg, t.TempDir()))
	assert.Equal(t, DefaultListeningPort, cfg.ListeningPort)
}

func TestNormalizeDefaultsRejectsOutOfRangeUpdateInterval(t *testing.T) {
	cfg := &DeviceConfig{DeviceID: "d", DeviceName: "n", TransferUpdateInterval: 1.5}

	assert.True(t, normalizeDefaults(cfg, t.TempDir()))
	assert.Equal(t, transfers.DefaultUpdateInterval, cfg.TransferUpdateInterval)
	assert.False(t, normalizeDefaults(cfg, t.TempDir()), "second pass should be a no-op")
}

func TestServerOptions(t *testing.T) {
	cfg := &DeviceConfig{
		DeviceName:             "desk",
		PortMode:               PortModeFixed,
		ListeningPort:          7100,
		LocalIP:                "192.168.1.4",
		TransferFolder:         "/srv/drop",
		BufferSize:             4096,
		SocketTimeoutMS:        1500,
		StallTimeoutMS:         3000,
		TransferUpdateInterval: 0.01,
		TransferRetryLimit:     5,
		RetryLockoutMS:         60000,
		FileWriteAttempts:      4,
		AutoAccept:             true,
	}

	opts := cfg.ServerOptions()
	assert.Equal(t, "desk", opts.Name)
	assert.Equal(t, "0.0.0.0:7100", opts.ListenAddress)
	assert.Equal(t, "192.168.1.4", opts.LocalIP)
	assert.Equal(t, "/srv/drop", opts.TransferFolder)
	assert.Equal(t, 4096, opts.BufferSize)
	assert.Equal(t, 1500*time.Millisecond, opts.DialTimeout)
	assert.Equal(t, 1500*time.Millisecond, opts.SendTimeout)
	assert.Equal(t, 1500*time.Millisecond, opts.ReceiveTimeout)
	assert.Equal(t, 3*time.Second, opts.StallTimeout)
	assert.Equal(t, 0.01, opts.TransferUpdateInterval)
	assert.Equal(t, 5, opts.RetryLimit)
	assert.Equal(t, time.Minute, opts.RetryLockout)
	assert.Equal(t, 4, opts.FileWriteAttempts)
	assert.True(t, opts.AutoAccept)

	cfg.PortMode = PortModeAutomatic
	assert.Equal(t, "0.0.0.0:0", cfg.ListenAddress())
}
