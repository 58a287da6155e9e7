// Package config loads the relay's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/adbrelay/internal/protocol/frame"
	"github.com/danmuck/adbrelay/internal/protocol/smartsocket"
	"github.com/danmuck/adbrelay/internal/relay"
)

var ErrInvalid = errors.New("config: invalid")

// DeviceConfig is one device registered at startup.
type DeviceConfig struct {
	Serial string `toml:"serial"`
	Name   string `toml:"name"`
}

// Config is the effective relay configuration.
type Config struct {
	ListenAddr      string
	AdvertiseHost   string
	BasePort        int
	MaxPort         int
	UpstreamAddr    string
	AdminAddr       string
	ProtocolVersion uint32
	MaxPayload      uint32
	FlowControl     bool
	ReadyTimeout    time.Duration
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	ReadBuffer      int
	CorsOrigins     []string
	Devices         []DeviceConfig
}

func Default() Config {
	return Config{
		ListenAddr:      "",
		AdvertiseHost:   "127.0.0.1",
		BasePort:        6520,
		MaxPort:         6620,
		UpstreamAddr:    "127.0.0.1:5037",
		AdminAddr:       "127.0.0.1:9380",
		ProtocolVersion: frame.VersionSkipChecksum,
		MaxPayload:      frame.MaxPayload,
		FlowControl:     false,
		ReadyTimeout:    2 * time.Second,
		ConnectTimeout:  5 * time.Second,
		WriteTimeout:    15 * time.Second,
		ReadBuffer:      64 * 1024,
		CorsOrigins:     []string{},
		Devices:         []DeviceConfig{},
	}
}

// fileConfig mirrors the on-disk keys; durations stay strings until parsed.
type fileConfig struct {
	ListenAddr      string         `toml:"listen_addr"`
	AdvertiseHost   string         `toml:"advertise_host"`
	BasePort        int            `toml:"base_port"`
	MaxPort         int            `toml:"max_port"`
	UpstreamAddr    string         `toml:"upstream_addr"`
	AdminAddr       string         `toml:"admin_addr"`
	ProtocolVersion int64          `toml:"protocol_version"`
	MaxPayload      int64          `toml:"max_payload"`
	FlowControl     bool           `toml:"flow_control"`
	ReadyTimeout    string         `toml:"ready_timeout"`
	ConnectTimeout  string         `toml:"connect_timeout"`
	WriteTimeout    string         `toml:"write_timeout"`
	ReadBuffer      int            `toml:"read_buffer"`
	CorsOrigins     []string       `toml:"cors_origins"`
	Devices         []DeviceConfig `toml:"devices"`
}

// Load decodes path and overlays the keys it defines onto Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	cfg, err := overlay(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg, err := overlay(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlay(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("advertise_host") {
		cfg.AdvertiseHost = strings.TrimSpace(raw.AdvertiseHost)
	}
	if meta.IsDefined("base_port") {
		cfg.BasePort = raw.BasePort
	}
	if meta.IsDefined("max_port") {
		cfg.MaxPort = raw.MaxPort
	}
	if meta.IsDefined("upstream_addr") {
		cfg.UpstreamAddr = strings.TrimSpace(raw.UpstreamAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("protocol_version") {
		v, err := toUint32("protocol_version", raw.ProtocolVersion)
		if err != nil {
			return Config{}, err
		}
		cfg.ProtocolVersion = v
	}
	if meta.IsDefined("max_payload") {
		v, err := toUint32("max_payload", raw.MaxPayload)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxPayload = v
	}
	if meta.IsDefined("flow_control") {
		cfg.FlowControl = raw.FlowControl
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"ready_timeout", raw.ReadyTimeout, &cfg.ReadyTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("read_buffer") {
		cfg.ReadBuffer = raw.ReadBuffer
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("devices") {
		cfg.Devices = make([]DeviceConfig, 0, len(raw.Devices))
		for _, d := range raw.Devices {
			cfg.Devices = append(cfg.Devices, DeviceConfig{
				Serial: strings.TrimSpace(d.Serial),
				Name:   strings.TrimSpace(d.Name),
			})
		}
	}
	return cfg, nil
}

func toUint32(key string, v int64) (uint32, error) {
	if v < 0 || v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrInvalid, key, v)
	}
	return uint32(v), nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.UpstreamAddr) == "" {
		return fmt.Errorf("%w: upstream_addr is required", ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(cfg.UpstreamAddr); err != nil {
		return fmt.Errorf("%w: upstream_addr: %v", ErrInvalid, err)
	}
	if cfg.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.AdminAddr); err != nil {
			return fmt.Errorf("%w: admin_addr: %v", ErrInvalid, err)
		}
	}
	if cfg.BasePort < 1 || cfg.BasePort > 65535 {
		return fmt.Errorf("%w: base_port %d outside 1-65535", ErrInvalid, cfg.BasePort)
	}
	if cfg.MaxPort < 1 || cfg.MaxPort > 65535 {
		return fmt.Errorf("%w: max_port %d outside 1-65535", ErrInvalid, cfg.MaxPort)
	}
	if cfg.BasePort > cfg.MaxPort {
		return fmt.Errorf("%w: base_port %d above max_port %d", ErrInvalid, cfg.BasePort, cfg.MaxPort)
	}
	if cfg.ProtocolVersion == 0 {
		return fmt.Errorf("%w: protocol_version must be non-zero", ErrInvalid)
	}
	if cfg.MaxPayload == 0 {
		return fmt.Errorf("%w: max_payload must be non-zero", ErrInvalid)
	}
	if cfg.ReadyTimeout < 0 || cfg.ConnectTimeout < 0 || cfg.WriteTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	if cfg.ReadBuffer < 0 {
		return fmt.Errorf("%w: read_buffer must not be negative", ErrInvalid)
	}

	seen := make(map[string]struct{}, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if err := (relay.Device{Serial: d.Serial, Name: d.Name}).Validate(); err != nil {
			return fmt.Errorf("%w: devices[%d]: %v", ErrInvalid, i, err)
		}
		if _, dup := seen[d.Serial]; dup {
			return fmt.Errorf("%w: devices[%d]: duplicate serial %q", ErrInvalid, i, d.Serial)
		}
		seen[d.Serial] = struct{}{}
	}
	return nil
}

// ConnConfig is the per-connection slice of cfg.
func (c Config) ConnConfig() relay.ConnConfig {
	return relay.ConnConfig{
		Version:        c.ProtocolVersion,
		MaxPayload:     c.MaxPayload,
		FlowControl:    c.FlowControl,
		ReadyTimeout:   c.ReadyTimeout,
		WriteTimeout:   c.WriteTimeout,
		ReadBufferSize: c.ReadBuffer,
	}
}

func (c Config) ManagerConfig() relay.ManagerConfig {
	return relay.ManagerConfig{
		ListenHost:    c.ListenAddr,
		AdvertiseHost: c.AdvertiseHost,
		BasePort:      c.BasePort,
		MaxPort:       c.MaxPort,
		Conn:          c.ConnConfig(),
	}
}

func (c Config) UpstreamConfig() smartsocket.Config {
	return smartsocket.Config{
		Address:          c.UpstreamAddr,
		ConnectTimeout:   c.ConnectTimeout,
		HandshakeTimeout: c.ConnectTimeout,
		WriteTimeout:     c.WriteTimeout,
		ReadBufferSize:   c.ReadBuffer,
	}
}

func (c Config) RelayDevices() []relay.Device {
	out := make([]relay.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, relay.Device{Serial: d.Serial, Name: d.Name})
	}
	return out
}
