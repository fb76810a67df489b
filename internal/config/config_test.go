package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(mapLookup(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.TickInterval != 30*time.Second || cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("intervals = %s, %s", cfg.TickInterval, cfg.PollInterval)
	}
	if cfg.SchedulesFile != filepath.Join("data", "schedules.json") {
		t.Errorf("SchedulesFile = %q", cfg.SchedulesFile)
	}
	if cfg.Clustered() {
		t.Error("default config should be standalone")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "STREAMREC_DATA_DIR=/srv/rec\nSTREAMREC_TICK_INTERVAL=10s\nSTREAMREC_RAFT_PEERS=a:1, b:2 ,\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(mapLookup(map[string]string{
		"STREAMREC_TICK_INTERVAL":   "15s",
		"STREAMREC_CHROME_HEADLESS": "false",
	}), envFile, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/rec" {
		t.Errorf("DataDir = %q, want value from file", cfg.DataDir)
	}
	if cfg.TickInterval != 15*time.Second {
		t.Errorf("TickInterval = %s, want process value", cfg.TickInterval)
	}
	if cfg.Headless {
		t.Error("Headless should be false")
	}
	if len(cfg.RaftPeers) != 2 || cfg.RaftPeers[1] != "b:2" {
		t.Errorf("RaftPeers = %q", cfg.RaftPeers)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	_, err := Load(mapLookup(map[string]string{
		"STREAMREC_POLL_INTERVAL":   "fast",
		"STREAMREC_CHROME_HEADLESS": "maybe",
	}))
	if err == nil {
		t.Fatal("Load accepted invalid values")
	}
	for _, key := range []string{"STREAMREC_POLL_INTERVAL", "STREAMREC_CHROME_HEADLESS"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data dir"},
		{"bad listen", func(c *Config) { c.ListenAddr = "5000" }, "listen address"},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, "tick interval"},
		{"wait range", func(c *Config) { c.WorkerWaitMax = time.Second }, "worker wait"},
		{"jitter range", func(c *Config) { c.CheckJitterMax = c.CheckJitterMin }, "check jitter"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	if l, err := cfg.Level(); err != nil || l != slog.LevelDebug {
		t.Errorf("Level = %v, %v", l, err)
	}
}
