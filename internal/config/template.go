package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template returns a commented starter configuration.
func Template() string {
	return starterTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(starterTemplate), 0o600)
}

// renderedConfig is the shape written by Render; durations as strings so
// the output loads back through Load.
type renderedConfig struct {
	ListenAddr      string         `toml:"listen_addr"`
	AdvertiseHost   string         `toml:"advertise_host"`
	BasePort        int            `toml:"base_port"`
	MaxPort         int            `toml:"max_port"`
	UpstreamAddr    string         `toml:"upstream_addr"`
	AdminAddr       string         `toml:"admin_addr"`
	ProtocolVersion uint32         `toml:"protocol_version"`
	MaxPayload      uint32         `toml:"max_payload"`
	FlowControl     bool           `toml:"flow_control"`
	ReadyTimeout    string         `toml:"ready_timeout"`
	ConnectTimeout  string         `toml:"connect_timeout"`
	WriteTimeout    string         `toml:"write_timeout"`
	ReadBuffer      int            `toml:"read_buffer"`
	CorsOrigins     []string       `toml:"cors_origins"`
	Devices         []DeviceConfig `toml:"devices"`
}

// Render marshals the effective configuration.
func Render(cfg Config) ([]byte, error) {
	out := renderedConfig{
		ListenAddr:      cfg.ListenAddr,
		AdvertiseHost:   cfg.AdvertiseHost,
		BasePort:        cfg.BasePort,
		MaxPort:         cfg.MaxPort,
		UpstreamAddr:    cfg.UpstreamAddr,
		AdminAddr:       cfg.AdminAddr,
		ProtocolVersion: cfg.ProtocolVersion,
		MaxPayload:      cfg.MaxPayload,
		FlowControl:     cfg.FlowControl,
		ReadyTimeout:    cfg.ReadyTimeout.String(),
		ConnectTimeout:  cfg.ConnectTimeout.String(),
		WriteTimeout:    cfg.WriteTimeout.String(),
		ReadBuffer:      cfg.ReadBuffer,
		CorsOrigins:     cfg.CorsOrigins,
		Devices:         cfg.Devices,
	}
	if out.CorsOrigins == nil {
		out.CorsOrigins = []string{}
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return data, nil
}

const starterTemplate = `# adbrelay configuration

# Host the device listeners bind to; empty binds every interface.
listen_addr = ""
# Host written into each device's advertised address.
advertise_host = "127.0.0.1"
# Inclusive port range handed out to registered devices.
base_port = 6520
max_port = 6620

# ADB server smart-socket endpoint.
upstream_addr = "127.0.0.1:5037"
# Admin HTTP API; empty disables it.
admin_addr = "127.0.0.1:9380"
cors_origins = ["http://localhost:3000"]

protocol_version = 0x01000001
max_payload = 262144
flow_control = false
ready_timeout = "2s"
connect_timeout = "5s"
write_timeout = "15s"
read_buffer = 65536

[[devices]]
serial = "emulator-5554"
name = "Pixel_7"
`
