package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Display.VSyncSpacing != 2 {
		t.Errorf("default VSyncSpacing = %d, want 2", cfg.Display.VSyncSpacing)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file perms = %o, want 600", perm)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Display.Rotation = 1
	cfg.Display.SPISpeedHz = 48_000_000
	cfg.Touch = &TouchConfig{SPIPort: "SPI0.1", IRQPin: "GPIO17", MinX: 335, MaxX: 3820, MinY: 436, MaxY: 3890}
	cfg.StatsCron = "*/5 * * * *"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Display.Rotation != 1 || got.Display.SPISpeedHz != 48_000_000 {
		t.Errorf("display config lost in round trip: %+v", got.Display)
	}
	if got.Touch == nil || got.Touch.MaxX != 3820 {
		t.Errorf("touch config lost in round trip: %+v", got.Touch)
	}
	if got.StatsCron != "*/5 * * * *" {
		t.Errorf("StatsCron = %q", got.StatsCron)
	}
}

func TestNormalizeFixesBadValues(t *testing.T) {
	cfg := &Config{}
	cfg.Display.VSyncSpacing = 99
	cfg.Display.Rotation = 7
	cfg.Display.LateStartRatio = 3
	cfg.TargetFPS = -1
	cfg.Normalize()

	if cfg.Display.VSyncSpacing != 10 {
		t.Errorf("VSyncSpacing = %d, want 10", cfg.Display.VSyncSpacing)
	}
	if cfg.Display.Rotation != 0 {
		t.Errorf("Rotation = %d, want 0", cfg.Display.Rotation)
	}
	if cfg.Display.LateStartRatio != 0.3 {
		t.Errorf("LateStartRatio = %v, want 0.3", cfg.Display.LateStartRatio)
	}
	if cfg.Display.SPISpeedHz != 30_000_000 {
		t.Errorf("SPISpeedHz = %d, want default", cfg.Display.SPISpeedHz)
	}
	if cfg.TargetFPS != 0 {
		t.Errorf("TargetFPS = %v, want 0", cfg.TargetFPS)
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("empty path accepted")
	}
}
