// Package config loads the YAML configuration shared by the gojotx
// binaries. One document carries all sections; each binary reads the ones
// it needs, so a small deployment can ship a single file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

// Duration wraps time.Duration so YAML values read as "5s" or "250ms".
type Duration time.Duration

// UnmarshalYAML parses the value with time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NodeConfig configures a participant node binary.
type NodeConfig struct {
	ID         string `yaml:"id"`
	ListenAddr string `yaml:"listen_addr"`
}

// ParticipantConfig names one node the coordinator drives.
type ParticipantConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// CoordinatorConfig configures the coordinator binary and its HTTP API.
type CoordinatorConfig struct {
	ID                  string              `yaml:"id"`
	ListenAddr          string              `yaml:"listen_addr"`
	PhaseTimeout        Duration            `yaml:"phase_timeout"`
	MaxParallel         int                 `yaml:"max_parallel"`
	PoolSize            int                 `yaml:"pool_size"`
	DialTimeout         Duration            `yaml:"dial_timeout"`
	HealthCheckInterval Duration            `yaml:"health_check_interval"`
	Participants        []ParticipantConfig `yaml:"participants"`
}

// JournalConfig configures the optional decision journal shipment.
type JournalConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Addr              string   `yaml:"addr"`
	URLPath           string   `yaml:"url_path"`
	NumConnections    int      `yaml:"num_connections"`
	FlushInterval     Duration `yaml:"flush_interval"`
	MaxWriteRetries   int      `yaml:"max_write_retries"`
	MaxBytesPerSecond int      `yaml:"max_bytes_per_second"`

	// CAFile is a PEM bundle used to verify the receiver. When empty,
	// InsecureSkipVerify must be set since HTTP/3 always runs TLS.
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Config is the root document.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Journal     JournalConfig     `yaml:"journal"`
	Log         logger.Config     `yaml:"log"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// Default returns the configuration used when a field is absent.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:         "node-1",
			ListenAddr: "127.0.0.1:7450",
		},
		Coordinator: CoordinatorConfig{
			ID:                  "coordinator-1",
			ListenAddr:          "127.0.0.1:7460",
			PhaseTimeout:        Duration(5 * time.Second),
			PoolSize:            4,
			DialTimeout:         Duration(2 * time.Second),
			HealthCheckInterval: Duration(5 * time.Second),
		},
		Journal: JournalConfig{
			URLPath:         "/journal",
			NumConnections:  2,
			FlushInterval:   Duration(50 * time.Millisecond),
			MaxWriteRetries: 3,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "gojotx",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads, parses and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations no binary could run with.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if c.Node.ListenAddr == "" {
		return errors.New("node.listen_addr must not be empty")
	}
	if c.Coordinator.ID == "" {
		return errors.New("coordinator.id must not be empty")
	}
	if c.Coordinator.PhaseTimeout <= 0 {
		return errors.New("coordinator.phase_timeout must be positive")
	}
	if c.Coordinator.PoolSize <= 0 {
		return errors.New("coordinator.pool_size must be positive")
	}

	seen := make(map[string]struct{}, len(c.Coordinator.Participants))
	for _, p := range c.Coordinator.Participants {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("participant entries need both id and addr, got id=%q addr=%q", p.ID, p.Addr)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate participant id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	if c.Journal.Enabled {
		if c.Journal.Addr == "" {
			return errors.New("journal.addr must be set when journal.enabled is true")
		}
		if c.Journal.CAFile == "" && !c.Journal.InsecureSkipVerify {
			return errors.New("journal needs either ca_file or insecure_skip_verify")
		}
	}
	return nil
}
