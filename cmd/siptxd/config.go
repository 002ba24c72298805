package main

//go:generate errtrace -w .

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"

	"github.com/openvoip/siptx/sip"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the UDP address SIP messages are received on.
	Listen string `yaml:"listen"`
	// SentBy is written to the Via of outbound requests.
	// If empty, the local address of the listener is used.
	SentBy string `yaml:"sent_by"`
	// Busy makes the daemon reject INVITEs with 486 Busy Here instead of answering them.
	Busy bool `yaml:"busy"`
	// StaleTimeout is the stale transaction timeout of the transaction manager.
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	Timings TimingsConfig `yaml:"timings"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Ping    PingConfig    `yaml:"ping"`
}

// TimingsConfig holds the SIP base timers, zero values fall back to RFC 3261 defaults.
type TimingsConfig struct {
	T1    time.Duration `yaml:"t1"`
	T2    time.Duration `yaml:"t2"`
	T4    time.Duration `yaml:"t4"`
	TimeD time.Duration `yaml:"time_d"`
}

func (c TimingsConfig) timings() sip.TimingConfig {
	return sip.NewTimings(c.T1, c.T2, c.T4, c.TimeD)
}

type LogConfig struct {
	// Format is "console" or "dev".
	Format string `yaml:"format"`
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

func (c LogConfig) level() slog.Level {
	var lvl slog.Level
	lvl.UnmarshalText([]byte(c.Level)) //nolint:errcheck
	return lvl
}

type MetricsConfig struct {
	// Listen is the HTTP address of the metrics endpoint, empty disables it.
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// PingConfig configures periodic OPTIONS requests.
type PingConfig struct {
	// Target is "host[:port]" of the pinged peer, empty disables pinging.
	Target   string        `yaml:"target"`
	Interval time.Duration `yaml:"interval"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:       "0.0.0.0:5060",
		StaleTimeout: 5 * time.Minute,
		Log: LogConfig{
			Format: "console",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Ping: PingConfig{
			Interval: 30 * time.Second,
		},
	}
}

// loadConfig reads the YAML file over the defaults.
// Empty path returns the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("read config file %s: %w", path, err))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("parse config file %s: %w", path, err))
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return errtrace.Wrap(fmt.Errorf("invalid listen address %q: %w", c.Listen, err))
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return errtrace.Wrap(fmt.Errorf("invalid metrics address %q: %w", c.Metrics.Listen, err))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errtrace.Wrap(fmt.Errorf("invalid metrics path %q", c.Metrics.Path))
		}
	}
	if c.Ping.Target != "" && c.Ping.Interval <= 0 {
		return errtrace.Wrap(fmt.Errorf("invalid ping interval %s", c.Ping.Interval))
	}
	for name, d := range map[string]time.Duration{
		"t1": c.Timings.T1, "t2": c.Timings.T2, "t4": c.Timings.T4, "time_d": c.Timings.TimeD,
	} {
		if d < 0 {
			return errtrace.Wrap(fmt.Errorf("negative timer %s", name))
		}
	}
	if t := c.Timings.timings(); t.T2() < t.T1() {
		return errtrace.Wrap(fmt.Errorf("timer t2 %s is less than t1 %s", t.T2(), t.T1()))
	}
	switch c.Log.Format {
	case "console", "dev":
	default:
		return errtrace.Wrap(fmt.Errorf("invalid log format %q", c.Log.Format))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return errtrace.Wrap(fmt.Errorf("invalid log level %q: %w", c.Log.Level, err))
	}
	return nil
}
