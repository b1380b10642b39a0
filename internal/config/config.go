// Package config loads runtime configuration for the Recall core.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetentionConfig bounds how many snapshots survive pruning.
type RetentionConfig struct {
	MaxCount   int `mapstructure:"max_count"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// SyncConfig holds the backup sync policy.
type SyncConfig struct {
	Interval        time.Duration   `mapstructure:"interval"`
	ReviewThreshold int             `mapstructure:"review_threshold"`
	MaxRetries      int             `mapstructure:"max_retries"`
	DrainBatch      int             `mapstructure:"drain_batch"`
	UploadTimeout   time.Duration   `mapstructure:"upload_timeout"`
	QuietStart      string          `mapstructure:"quiet_start"` // HH:MM, empty disables
	QuietEnd        string          `mapstructure:"quiet_end"`
	Retention       RetentionConfig `mapstructure:"retention"`
}

// RemoteConfig holds the remote backup store connection settings.
type RemoteConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	BucketName     string `mapstructure:"bucket_name"`
	Region         string `mapstructure:"region"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Config is the root configuration.
type Config struct {
	DataDir  string       `mapstructure:"data_dir"`
	LogLevel string       `mapstructure:"log_level"`
	Sync     SyncConfig   `mapstructure:"sync"`
	Remote   RemoteConfig `mapstructure:"remote"`
}

// Load reads recall.yaml from the given directory (or defaults when the
// file is missing) with RECALL_* environment overrides. Zero values fall
// back to defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("recall")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; anything else is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if _, err := cfg.QuietWindow(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.review_threshold", 20)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.drain_batch", 500)
	v.SetDefault("sync.upload_timeout", 30*time.Second)
	v.SetDefault("sync.retention.max_count", 10)
	v.SetDefault("sync.retention.max_age_days", 90)
	v.SetDefault("remote.region", "us-east-1")
}

// QuietWindow parses the configured quiet hours. Returns nil when quiet
// hours are not configured.
func (c *Config) QuietWindow() (*QuietWindow, error) {
	return ParseQuietWindow(c.Sync.QuietStart, c.Sync.QuietEnd)
}

// QuietWindow is a daily time window during which automatic sync must not
// run. A window whose start is after its end wraps past midnight
// (e.g. 22:00-06:00).
type QuietWindow struct {
	startMin int
	endMin   int
}

// ParseQuietWindow parses "HH:MM" bounds. Both empty means no window; one
// empty is an error.
func ParseQuietWindow(start, end string) (*QuietWindow, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("quiet hours need both start and end (got %q, %q)", start, end)
	}
	s, err := parseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, err
	}
	return &QuietWindow{startMin: s, endMin: e}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid quiet hours time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether the given time falls inside the window.
func (w *QuietWindow) Contains(t time.Time) bool {
	if w == nil {
		return false
	}
	min := t.Hour()*60 + t.Minute()
	if w.startMin <= w.endMin {
		return min >= w.startMin && min < w.endMin
	}
	// Wrapping window, e.g. 22:00-06:00.
	return min >= w.startMin || min < w.endMin
}
