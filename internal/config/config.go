// Package config loads the optional per-mesh config.yaml. Every knob has a
// compiled-in default; a missing or malformed file never blocks an agent
// from joining.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging   LoggingConfig
	Feed      FeedConfig
	Status    StatusConfig
	Messaging MessagingConfig
	Registry  RegistryConfig
	Activity  ActivityConfig
}

type LoggingConfig struct {
	Level string
}

type FeedConfig struct {
	Retention int
}

type StatusConfig struct {
	StuckThreshold time.Duration
}

type MessagingConfig struct {
	Debounce time.Duration
}

type RegistryConfig struct {
	CacheTTL      time.Duration
	FlushInterval time.Duration
}

type ActivityConfig struct {
	EditDebounce time.Duration
	Window       time.Duration
}

func Default() Config {
	return Config{
		Logging:   LoggingConfig{Level: "info"},
		Feed:      FeedConfig{Retention: 500},
		Status:    StatusConfig{StuckThreshold: 15 * time.Minute},
		Messaging: MessagingConfig{Debounce: 50 * time.Millisecond},
		Registry: RegistryConfig{
			CacheTTL:      time.Second,
			FlushInterval: 10 * time.Second,
		},
		Activity: ActivityConfig{
			EditDebounce: 5 * time.Second,
			Window:       time.Minute,
		},
	}
}

// fileConfig mirrors Config with raw string durations so a bad value
// degrades that one field instead of failing the whole decode.
type fileConfig struct {
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Feed struct {
		Retention *int `yaml:"retention"`
	} `yaml:"feed"`
	Status struct {
		StuckThreshold string `yaml:"stuck_threshold"`
	} `yaml:"status"`
	Messaging struct {
		Debounce string `yaml:"debounce"`
	} `yaml:"messaging"`
	Registry struct {
		CacheTTL      string `yaml:"cache_ttl"`
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"registry"`
	Activity struct {
		EditDebounce string `yaml:"edit_debounce"`
		Window       string `yaml:"window"`
	} `yaml:"activity"`
}

// Load reads path into a Config. The returned Config is always usable: a
// missing file yields defaults with a nil error, and any unreadable value
// keeps its default while the error reports what degraded.
func Load(path string) (Config, error) {
	cfg := Default()

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	var file fileConfig
	if err := yaml.Unmarshal(payload, &file); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	var degraded []error

	if level := strings.TrimSpace(file.Logging.Level); level != "" {
		cfg.Logging.Level = level
	}
	if file.Feed.Retention != nil {
		if *file.Feed.Retention > 0 {
			cfg.Feed.Retention = *file.Feed.Retention
		} else {
			degraded = append(degraded, fmt.Errorf("feed.retention: must be positive, got %d", *file.Feed.Retention))
		}
	}

	applyDuration(&cfg.Status.StuckThreshold, "status.stuck_threshold", file.Status.StuckThreshold, &degraded)
	applyDuration(&cfg.Messaging.Debounce, "messaging.debounce", file.Messaging.Debounce, &degraded)
	applyDuration(&cfg.Registry.CacheTTL, "registry.cache_ttl", file.Registry.CacheTTL, &degraded)
	applyDuration(&cfg.Registry.FlushInterval, "registry.flush_interval", file.Registry.FlushInterval, &degraded)
	applyDuration(&cfg.Activity.EditDebounce, "activity.edit_debounce", file.Activity.EditDebounce, &degraded)
	applyDuration(&cfg.Activity.Window, "activity.window", file.Activity.Window, &degraded)

	return cfg, errors.Join(degraded...)
}

func applyDuration(target *time.Duration, key, raw string, degraded *[]error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		*degraded = append(*degraded, fmt.Errorf("%s: %w", key, err))
		return
	}
	if parsed <= 0 {
		*degraded = append(*degraded, fmt.Errorf("%s: must be positive, got %s", key, parsed))
		return
	}
	*target = parsed
}
