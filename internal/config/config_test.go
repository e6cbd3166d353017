package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLEXBRIDGE_DATA_DIR", dir)
	t.Setenv("PLEXBRIDGE_HOST", "127.0.0.1")
	t.Setenv("PLEXBRIDGE_PORT", "")
	t.Setenv("PLEXBRIDGE_BASE_URL", "")
	t.Setenv("PLEXBRIDGE_DB_PATH", "")
	t.Setenv("PLEXBRIDGE_LOG_DIR", "")
	t.Setenv("PLEXBRIDGE_TUNER_COUNT", "")

	c := Load()
	if c.Port != 5004 {
		t.Errorf("Port = %d", c.Port)
	}
	if c.TunerCount != 4 {
		t.Errorf("TunerCount = %d", c.TunerCount)
	}
	if c.DBPath != filepath.Join(dir, "plexbridge.db") {
		t.Errorf("DBPath = %q", c.DBPath)
	}
	if c.LogDir != filepath.Join(dir, "logs") {
		t.Errorf("LogDir = %q", c.LogDir)
	}
	if c.BaseURL != "http://127.0.0.1:5004" {
		t.Errorf("BaseURL = %q", c.BaseURL)
	}
	if c.Tuning.PacketSize != 188 || c.Tuning.NullPID != 0x1FFF {
		t.Errorf("tuning packet constants = %d/%#x", c.Tuning.PacketSize, c.Tuning.NullPID)
	}
	if c.Tuning.BitrateSamples != 15 || c.Tuning.BitrateWindow != 30*time.Second {
		t.Errorf("bitrate window = %v/%d", c.Tuning.BitrateWindow, c.Tuning.BitrateSamples)
	}
	if c.EPGRetention != 7*24*time.Hour {
		t.Errorf("EPGRetention = %v", c.EPGRetention)
	}
}

func TestLoad_overrides(t *testing.T) {
	t.Setenv("PLEXBRIDGE_BASE_URL", "http://192.168.1.10:5004/")
	t.Setenv("PLEXBRIDGE_IDLE_TIMEOUT", "60")
	t.Setenv("PLEXBRIDGE_INIT_DEADLINE", "10s")
	t.Setenv("PLEXBRIDGE_PLEX_OPTIMIZE", "off")
	t.Setenv("PLEXBRIDGE_TUNER_COUNT", "0")

	c := Load()
	if c.TunerCount != 1 {
		t.Errorf("TunerCount = %d, want clamp to 1", c.TunerCount)
	}
	if c.BaseURL != "http://192.168.1.10:5004" {
		t.Errorf("BaseURL = %q", c.BaseURL)
	}
	if c.Tuning.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %v", c.Tuning.IdleTimeout)
	}
	if c.Tuning.InitDeadline != 10*time.Second {
		t.Errorf("InitDeadline = %v", c.Tuning.InitDeadline)
	}
	if c.PlexOptimize {
		t.Error("PlexOptimize should be false")
	}
}

func TestDeriveDeviceID_stable(t *testing.T) {
	a := DeriveDeviceID("/var/lib/plexbridge")
	b := DeriveDeviceID("/var/lib/plexbridge")
	if a != b {
		t.Fatalf("not stable: %q vs %q", a, b)
	}
	if len(a) != 8 || strings.ToUpper(a) != a {
		t.Errorf("device id = %q", a)
	}
	if a == DeriveDeviceID("/srv/other") {
		t.Error("different dirs produced same id")
	}
}
