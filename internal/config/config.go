// Package config loads the YAML settings file. A missing file yields the
// defaults; any key present in the file replaces the default for that key.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"fleetsync/internal/channel"
	"fleetsync/internal/priority"
	"fleetsync/internal/scheduler"
)

type Config struct {
	Service  Service  `yaml:"service"`
	Channel  Channel  `yaml:"channel"`
	Priority Priority `yaml:"priority"`
	Refresh  Refresh  `yaml:"refresh"`
	Audit    Audit    `yaml:"audit"`
	HTTP     HTTP     `yaml:"http"`
	Dispatch Dispatch `yaml:"dispatch"`
	Log      Log      `yaml:"log"`
}

type Service struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
}

type Channel struct {
	URL                  string        `yaml:"url"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type Priority struct {
	AgeStep     time.Duration `yaml:"age_step"`
	MaxAgeBonus int           `yaml:"max_age_bonus"`
}

type Refresh struct {
	Schedule string `yaml:"schedule"`
}

type Audit struct {
	MaxEntries int    `yaml:"max_entries"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisKey   string `yaml:"redis_key"`
	RedisKeep  int    `yaml:"redis_keep"`
}

type HTTP struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

type Dispatch struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Workers    int           `yaml:"workers"`
	MinBattery int           `yaml:"min_battery"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Default() Config {
	return Config{
		Service: Service{
			BaseURL:    "http://localhost:8000",
			Timeout:    10 * time.Second,
			RatePerSec: 20,
			Burst:      5,
		},
		Channel: Channel{
			URL:                  "ws://localhost:8000/ws",
			ReconnectInterval:    channel.DefaultReconnectInterval,
			MaxReconnectAttempts: channel.DefaultMaxReconnectAttempts,
		},
		Priority: Priority{
			AgeStep:     priority.DefaultAgeStep,
			MaxAgeBonus: priority.DefaultMaxAgeBonus,
		},
		Refresh:  Refresh{Schedule: scheduler.DefaultSchedule},
		Audit:    Audit{MaxEntries: 100000, RedisKey: "fleetsync:assignment_log", RedisKeep: 1000},
		HTTP:     HTTP{Addr: ":8080"},
		Dispatch: Dispatch{Interval: 5 * time.Second, Workers: 2, MinBattery: 20},
		Log:      Log{Level: "info", Console: true},
	}
}

// Load reads path over the defaults. An empty path or a missing file is not
// an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Service.BaseURL == "" {
		return errors.New("service.base_url is required")
	}
	if c.Channel.URL == "" {
		return errors.New("channel.url is required")
	}
	if c.Priority.AgeStep < 0 || c.Priority.MaxAgeBonus < 0 {
		return errors.New("priority settings must not be negative")
	}
	if c.Priority.MaxAgeBonus > priority.Max {
		return fmt.Errorf("priority.max_age_bonus must be at most %d", priority.Max)
	}
	if err := scheduler.ValidateCronExpression(c.Refresh.Schedule); err != nil {
		return fmt.Errorf("refresh.schedule: %w", err)
	}
	if c.Dispatch.MinBattery < 0 || c.Dispatch.MinBattery > 100 {
		return errors.New("dispatch.min_battery must be within 0-100")
	}
	return nil
}

// Model is the priority tuning described by the file.
func (c Config) Model() priority.Model {
	return priority.Model{AgeStep: c.Priority.AgeStep, MaxAgeBonus: c.Priority.MaxAgeBonus}
}
