package node

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"uavcan/uavcan-go/pkg/transfer"
	"uavcan/uavcan-go/pkg/types"
)

// Config describes a node loaded from a YAML file
type Config struct {
	NodeID     uint8             `yaml:"node_id"`
	LogLevel   string            `yaml:"log_level"`
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	Transfer   TransferConfig    `yaml:"transfer"`
}

// InterfaceConfig describes one redundant bus attachment
type InterfaceConfig struct {
	Type     string `yaml:"type"`      // "udp", "quic" or "slcan"
	Address  string `yaml:"address"`   // host:port for udp/quic
	Server   bool   `yaml:"server"`    // listen instead of connect
	Device   string `yaml:"device"`    // serial device for slcan
	BaudRate int    `yaml:"baud_rate"` // serial baud rate for slcan
}

// TransferConfig tunes the receive pipeline
type TransferConfig struct {
	MinInterval     Duration `yaml:"min_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	DefaultInterval Duration `yaml:"default_interval"`
	BufferCount     int      `yaml:"buffer_count"`
	BufferSize      int      `yaml:"buffer_size"`
}

// Duration accepts YAML durations in "250ms" form as well as plain
// nanosecond integers
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("bad duration node: %w", err)
	}
	*d = Duration(n)
	return nil
}

// DefaultNodeConfig returns a config with sensible defaults and no
// interfaces. NodeID must still be set before use.
func DefaultNodeConfig() Config {
	tc := transfer.DefaultConfig()
	return Config{
		LogLevel: "info",
		Transfer: TransferConfig{
			MinInterval:     Duration(tc.MinInterval),
			MaxInterval:     Duration(tc.MaxInterval),
			DefaultInterval: Duration(tc.DefaultInterval),
			BufferCount:     tc.BufferCount,
			BufferSize:      tc.BufferSize,
		},
	}
}

// LoadConfig reads and validates a node config from a YAML file. Fields
// left out of the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultNodeConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config for inconsistencies
func (c *Config) Validate() error {
	if !types.NodeID(c.NodeID).IsValid() {
		return fmt.Errorf("node_id %d out of range 1..%d", c.NodeID, types.NodeIDMax)
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("at least one interface is required")
	}
	for i, iface := range c.Interfaces {
		switch iface.Type {
		case "udp", "quic":
			if iface.Address == "" {
				return fmt.Errorf("interface %d: address is required for %s", i, iface.Type)
			}
		case "slcan":
			if iface.Device == "" {
				return fmt.Errorf("interface %d: device is required for slcan", i)
			}
		default:
			return fmt.Errorf("interface %d: unknown type %q", i, iface.Type)
		}
	}
	return c.transferConfig().Validate()
}

func (c *Config) transferConfig() transfer.Config {
	return transfer.Config{
		MinInterval:     time.Duration(c.Transfer.MinInterval),
		MaxInterval:     time.Duration(c.Transfer.MaxInterval),
		DefaultInterval: time.Duration(c.Transfer.DefaultInterval),
		BufferCount:     c.Transfer.BufferCount,
		BufferSize:      c.Transfer.BufferSize,
	}
}
