// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Stack configuration loaded from TOML or YAML with defaults.

package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("250ms", "5s") in
// configuration files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("control: invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every tunable of a stack.
type Config struct {
	Packetizer PacketizerConfig `toml:"packetizer" yaml:"packetizer"`
	Upcall     UpcallConfig     `toml:"upcall" yaml:"upcall"`
	Poller     PollerConfig     `toml:"poller" yaml:"poller"`
	TCP        TCPConfig        `toml:"tcp" yaml:"tcp"`
	Loop       LoopConfig       `toml:"loop" yaml:"loop"`
	RDMA       RDMAConfig       `toml:"rdma" yaml:"rdma"`
	NameServer NameServerConfig `toml:"nameserver" yaml:"nameserver"`
	Log        LogConfig        `toml:"log" yaml:"log"`

	// Drivers maps a driver context to its properties, e.g.
	// {"ping": {"driver": "gen"}, "ping/gen": {"driver": "tcp"}}.
	Drivers map[string]map[string]string `toml:"drivers" yaml:"drivers"`
}

// PacketizerConfig tunes the split-vs-flush heuristic.
type PacketizerConfig struct {
	// MaxMTU caps the mtu a sub-driver reports. A sub-driver without a
	// limit (mtu 0) stays unbounded and its values are delegated.
	MaxMTU int `toml:"max_mtu" yaml:"max_mtu"`
	// SplitThreshold is the largest overflow (bytes) a value may have past
	// the free space of the live buffer before it is split instead of
	// flushed to a fresh buffer.
	SplitThreshold int `toml:"split_threshold" yaml:"split_threshold"`
	// SpillThreshold is the largest array encoded in a pooled spill block
	// on unbounded chains.
	SpillThreshold int `toml:"spill_threshold" yaml:"spill_threshold"`
}

// UpcallConfig tunes the upcall dispatch pools.
type UpcallConfig struct {
	MaxIdle int `toml:"max_idle" yaml:"max_idle"`
}

// PollerConfig tunes the fan-in wait on sub-inputs that cannot signal
// readiness.
type PollerConfig struct {
	Backoff    Duration `toml:"backoff" yaml:"backoff"`
	MaxBackoff Duration `toml:"max_backoff" yaml:"max_backoff"`
}

// TCPConfig tunes the stream transport.
type TCPConfig struct {
	ListenAddr  string   `toml:"listen_addr" yaml:"listen_addr"`
	DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	NoDelay     bool     `toml:"no_delay" yaml:"no_delay"`
	BufferSize  int      `toml:"buffer_size" yaml:"buffer_size"`
	PollBackoff Duration `toml:"poll_backoff" yaml:"poll_backoff"`
}

// LoopConfig tunes the in-process transport.
type LoopConfig struct {
	MTU        int `toml:"mtu" yaml:"mtu"`
	Headers    int `toml:"headers" yaml:"headers"`
	QueueDepth int `toml:"queue_depth" yaml:"queue_depth"`
}

// RDMAConfig tunes the RDMA-class transport.
type RDMAConfig struct {
	MTU          int `toml:"mtu" yaml:"mtu"`
	Headers      int `toml:"headers" yaml:"headers"`
	ReceiveDepth int `toml:"receive_depth" yaml:"receive_depth"`
}

// NameServerConfig configures the name-resolution client and server.
type NameServerConfig struct {
	Addr         string   `toml:"addr" yaml:"addr"`
	Timeout      Duration `toml:"timeout" yaml:"timeout"`
	Multicore    bool     `toml:"multicore" yaml:"multicore"`
	TickInterval Duration `toml:"tick_interval" yaml:"tick_interval"`
}

// LogConfig selects the logger. An empty File logs to stderr.
type LogConfig struct {
	Level       string `toml:"level" yaml:"level"`
	Development bool   `toml:"development" yaml:"development"`
	File        string `toml:"file" yaml:"file"`
	MaxSizeMB   int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `toml:"max_age_days" yaml:"max_age_days"`
	Compress    bool   `toml:"compress" yaml:"compress"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Packetizer: PacketizerConfig{
			MaxMTU:         32 * 1024,
			SplitThreshold: 8,
			SpillThreshold: 2048,
		},
		Upcall: UpcallConfig{MaxIdle: 256},
		Poller: PollerConfig{
			Backoff:    Duration(time.Millisecond),
			MaxBackoff: Duration(50 * time.Millisecond),
		},
		TCP: TCPConfig{
			ListenAddr:  "127.0.0.1:0",
			DialTimeout: Duration(5 * time.Second),
			NoDelay:     true,
			BufferSize:  64 * 1024,
			PollBackoff: Duration(time.Millisecond),
		},
		Loop: LoopConfig{
			MTU:        1500,
			Headers:    4,
			QueueDepth: 256,
		},
		RDMA: RDMAConfig{
			MTU:          4096,
			ReceiveDepth: 64,
		},
		NameServer: NameServerConfig{
			Addr:         "127.0.0.1:9826",
			Timeout:      Duration(10 * time.Second),
			TickInterval: Duration(50 * time.Millisecond),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Drivers: map[string]map[string]string{},
	}
}

// LoadConfig reads path on top of DefaultConfig. The format follows the
// file extension: .toml, .yaml or .yml.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("control: read config: %w", err)
	}
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("control: unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("control: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch {
	case c.Packetizer.MaxMTU <= 0:
		return fmt.Errorf("control: packetizer.max_mtu must be positive")
	case c.Packetizer.SplitThreshold < 0:
		return fmt.Errorf("control: packetizer.split_threshold must not be negative")
	case c.Packetizer.SpillThreshold <= 0:
		return fmt.Errorf("control: packetizer.spill_threshold must be positive")
	case c.Upcall.MaxIdle < 0:
		return fmt.Errorf("control: upcall.max_idle must not be negative")
	case c.Poller.Backoff <= 0 || c.Poller.MaxBackoff < c.Poller.Backoff:
		return fmt.Errorf("control: poller backoff must be positive and below max_backoff")
	case c.Loop.MTU < 0 || c.Loop.Headers < 0:
		return fmt.Errorf("control: loop mtu and headers must not be negative")
	case c.Loop.MTU != 0 && c.Loop.Headers >= c.Loop.MTU:
		return fmt.Errorf("control: loop.headers %d leaves no payload in mtu %d", c.Loop.Headers, c.Loop.MTU)
	case c.RDMA.MTU != 0 && c.RDMA.Headers >= c.RDMA.MTU:
		return fmt.Errorf("control: rdma.headers %d leaves no payload in mtu %d", c.RDMA.Headers, c.RDMA.MTU)
	}
	return nil
}
