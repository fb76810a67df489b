// Package config assembles runtime settings from defaults, .env files and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment key.
const EnvPrefix = "STREAMREC_"

// Config holds every tunable of the service.
type Config struct {
	DataDir       string
	SchedulesFile string
	DownloadDir   string

	ChromeBinary      string
	ChromeUserDataDir string
	Headless          bool
	FFmpegPath        string
	FFprobePath       string

	ListenAddr string

	// TickInterval is the schedule runner period.
	TickInterval time.Duration
	// PollInterval is the performance-buffer poll period.
	PollInterval time.Duration
	// WorkerWaitMin and WorkerWaitMax bound how long a scheduled check
	// waits for a download to start.
	WorkerWaitMin time.Duration
	WorkerWaitMax time.Duration
	// CheckJitterMin and CheckJitterMax bound the gap between checks
	// inside an open window.
	CheckJitterMin time.Duration
	CheckJitterMax time.Duration

	LogLevel  string
	LogFormat string

	RaftID    string
	RaftBind  string
	RaftPeers []string
	RaftDir   string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:        "data",
		ChromeBinary:   "google-chrome",
		Headless:       true,
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
		ListenAddr:     ":5000",
		TickInterval:   30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		WorkerWaitMin:  20 * time.Second,
		WorkerWaitMax:  60 * time.Second,
		CheckJitterMin: 5 * time.Minute,
		CheckJitterMax: 8 * time.Minute,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load returns the defaults overlaid by the given .env files and then by
// lookup, which is normally os.LookupEnv. Missing env files are skipped.
// Process values win over file values.
func Load(lookup func(string) (string, bool), envFiles ...string) (Config, error) {
	fileVars := make(map[string]string)
	for _, file := range envFiles {
		vars, err := godotenv.Read(file)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("read env file %s: %w", file, err)
		}
		for k, v := range vars {
			fileVars[k] = v
		}
	}

	get := func(key string) (string, bool) {
		key = EnvPrefix + key
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok && v != ""
	}

	cfg := Default()
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("DATA_DIR", &cfg.DataDir)
	str("SCHEDULES_FILE", &cfg.SchedulesFile)
	str("DOWNLOAD_DIR", &cfg.DownloadDir)
	str("CHROME_BIN", &cfg.ChromeBinary)
	str("CHROME_USER_DATA_DIR", &cfg.ChromeUserDataDir)
	boolean("CHROME_HEADLESS", &cfg.Headless)
	str("FFMPEG_PATH", &cfg.FFmpegPath)
	str("FFPROBE_PATH", &cfg.FFprobePath)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	dur("TICK_INTERVAL", &cfg.TickInterval)
	dur("POLL_INTERVAL", &cfg.PollInterval)
	dur("WORKER_WAIT_MIN", &cfg.WorkerWaitMin)
	dur("WORKER_WAIT_MAX", &cfg.WorkerWaitMax)
	dur("CHECK_JITTER_MIN", &cfg.CheckJitterMin)
	dur("CHECK_JITTER_MAX", &cfg.CheckJitterMax)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("RAFT_ID", &cfg.RaftID)
	str("RAFT_BIND", &cfg.RaftBind)
	str("RAFT_DIR", &cfg.RaftDir)
	if v, ok := get("RAFT_PEERS"); ok {
		cfg.RaftPeers = SplitList(v)
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration and fills paths derived from DataDir.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = filepath.Join(c.DataDir, "schedules.json")
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.ChromeUserDataDir == "" {
		c.ChromeUserDataDir = filepath.Join(c.DataDir, "chrome-profile")
	}
	if c.RaftDir == "" {
		c.RaftDir = filepath.Join(c.DataDir, "raft")
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}

	for name, d := range map[string]time.Duration{
		"tick interval":    c.TickInterval,
		"poll interval":    c.PollInterval,
		"worker wait min":  c.WorkerWaitMin,
		"check jitter min": c.CheckJitterMin,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.WorkerWaitMax < c.WorkerWaitMin {
		return fmt.Errorf("worker wait max %s is below min %s", c.WorkerWaitMax, c.WorkerWaitMin)
	}
	if c.CheckJitterMax <= c.CheckJitterMin {
		return fmt.Errorf("check jitter max %s must exceed min %s", c.CheckJitterMax, c.CheckJitterMin)
	}

	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Clustered reports whether raft peers are configured.
func (c *Config) Clustered() bool {
	return len(c.RaftPeers) > 0
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return l, nil
}
