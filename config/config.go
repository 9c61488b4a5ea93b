// Package config reads process configuration from the environment after loading
// local_override.properties or .env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/iidesho/bragi"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/webserver/health"
	"github.com/joho/godotenv"
)

type Config struct {
	Backend string
	DSN     string
	Dir     string
	// GapReloadDelay overrides the sql dialect default when not negative.
	GapReloadDelay time.Duration

	Port uint16

	PollInterval        time.Duration
	CacheExpiry         time.Duration
	CacheMaxSize        int
	AppendRetryAttempts int
	ScavengeMode        string

	CheckpointDir  string
	MetricsPushURL string
	LogDir         string
}

// LoadEnv loads the first of files that exists into the environment without overriding
// variables that are already set. The default is local_override.properties then .env.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{"local_override.properties", ".env"}
	}
	for _, file := range files {
		err := godotenv.Load(file)
		if err == nil {
			return
		}
		sbragi.WithoutEscalation().WithError(err).Debug("Error loading env file", "file", file)
	}
}

// Load reads the configuration. Unset keys get their defaults, malformed ones are an error.
func Load() (c Config, err error) {
	c = Config{
		Backend:        getString("store.backend", "inmemory"),
		DSN:            os.Getenv("store.dsn"),
		Dir:            getString("store.dir", "./streamstore"),
		ScavengeMode:   getString("scavenge.mode", "async"),
		CheckpointDir:  os.Getenv("checkpoint.dir"),
		MetricsPushURL: os.Getenv("metrics.push_url"),
		LogDir:         os.Getenv("log.dir"),
	}
	port, err := getInt("webserver.port", 3030)
	if err != nil {
		return
	}
	if port <= 0 || port > 65535 {
		return c, fmt.Errorf("webserver.port out of range: %d", port)
	}
	c.Port = uint16(port)
	if c.PollInterval, err = getDuration("notifier.poll_interval", time.Second); err != nil {
		return
	}
	if c.CacheExpiry, err = getDuration("metadata_cache.expiry", time.Minute); err != nil {
		return
	}
	if c.CacheMaxSize, err = getInt("metadata_cache.max_size", 10000); err != nil {
		return
	}
	if c.AppendRetryAttempts, err = getInt("append.retry_attempts", 3); err != nil {
		return
	}
	if c.GapReloadDelay, err = getDuration("store.gap_reload_delay", -1); err != nil {
		return
	}
	switch c.Backend {
	case "inmemory", "ondisk", "postgres", "mysql", "sqlite":
	default:
		return c, fmt.Errorf("unknown store.backend %q", c.Backend)
	}
	return c, nil
}

// SetupLogging makes a folder handler the default logger when a log dir is configured.
func (c Config) SetupLogging() error {
	if c.LogDir == "" {
		return nil
	}
	bragi.SetPrefix(health.Name)
	handler, err := sbragi.NewHandlerInFolder(c.LogDir)
	if err != nil {
		return fmt.Errorf("setting log dir %q: %w", c.LogDir, err)
	}
	handler.MakeDefault()
	logger, err := sbragi.NewLogger(&handler)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	logger.SetDefault()
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return i, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
