package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides: HOTKEYS_RANKING_REPORT_SIZE sets
// ranking.report_size. Only the first underscore after the prefix separates
// the section from the key.
const EnvPrefix = "HOTKEYS_"

type LogCfg struct {
	Level     string  `koanf:"level"`
	Console   bool    `koanf:"console"`
	SampleN   int     `koanf:"sample_n"`
	KeySample float64 `koanf:"key_sample"`
}

type RankingCfg struct {
	ReportSize int `koanf:"report_size"`
	WindowSize int `koanf:"window_size"`
}

type SnapshotCfg struct {
	Dir            string        `koanf:"dir"`
	KeyBase        string        `koanf:"key_base"`
	RankBase       string        `koanf:"rank_base"`
	Ext            string        `koanf:"ext"`
	Interval       time.Duration `koanf:"interval"`
	RestoreOnStart bool          `koanf:"restore_on_start"`
}

type KafkaCfg struct {
	Enabled    bool     `koanf:"enabled"`
	Brokers    []string `koanf:"brokers"`
	Topic      string   `koanf:"topic"`
	GroupID    string   `koanf:"group_id"`
	DedupeSize int      `koanf:"dedupe_size"`
}

type RedisCfg struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr"`
	Key      string        `koanf:"key"`
	Interval time.Duration `koanf:"interval"`
	TTL      time.Duration `koanf:"ttl"`
}

type MetricsCfg struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	Path    string `koanf:"path"`
}

type Config struct {
	Addr     string      `koanf:"addr"`
	Log      LogCfg      `koanf:"log"`
	Ranking  RankingCfg  `koanf:"ranking"`
	Snapshot SnapshotCfg `koanf:"snapshot"`
	Kafka    KafkaCfg    `koanf:"kafka"`
	Redis    RedisCfg    `koanf:"redis"`
	Metrics  MetricsCfg  `koanf:"metrics"`
}

func Default() Config {
	return Config{
		Addr: ":8080",
		Log: LogCfg{
			Level:     "info",
			KeySample: 0.01,
		},
		Ranking: RankingCfg{
			ReportSize: 10,
			WindowSize: 20,
		},
		Snapshot: SnapshotCfg{
			Dir:      ".",
			KeyBase:  "keys",
			RankBase: "frequencies",
			Ext:      "csv",
			Interval: time.Hour,
		},
		Kafka: KafkaCfg{
			Brokers:    []string{"localhost:9092"},
			Topic:      "hotkeys-observe",
			GroupID:    "hotkey-tracker",
			DedupeSize: 100_000,
		},
		Redis: RedisCfg{
			Addr:     "localhost:6379",
			Key:      "hotkeys:top",
			Interval: 10 * time.Second,
			TTL:      time.Minute,
		},
		Metrics: MetricsCfg{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Load layers the defaults, the YAML file at path (skipped when empty) and
// HOTKEYS_ environment variables, then validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HOTKEYS_SNAPSHOT_RESTORE_ON_START -> snapshot.restore_on_start
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

var ErrInvalid = errors.New("config: invalid")

// Validate rejects zero values the service cannot run with. A report size
// above the window is not an error; the ranking store clamps it.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, fmt.Errorf("%w: addr is empty", ErrInvalid))
	}
	if c.Ranking.ReportSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: ranking.report_size must be positive", ErrInvalid))
	}
	if c.Ranking.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: ranking.window_size must be positive", ErrInvalid))
	}
	if c.Snapshot.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%w: snapshot.interval must be positive", ErrInvalid))
	}
	if c.Snapshot.KeyBase == "" || c.Snapshot.RankBase == "" || c.Snapshot.Ext == "" {
		errs = append(errs, fmt.Errorf("%w: snapshot filenames are incomplete", ErrInvalid))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
		errs = append(errs, fmt.Errorf("%w: kafka needs brokers, topic and group_id", ErrInvalid))
	}
	if c.Redis.Enabled && (c.Redis.Addr == "" || c.Redis.Key == "" || c.Redis.Interval <= 0) {
		errs = append(errs, fmt.Errorf("%w: redis needs addr, key and a positive interval", ErrInvalid))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: metrics.addr is empty", ErrInvalid))
	}
	return errors.Join(errs...)
}
