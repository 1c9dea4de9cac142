// Package config loads the daemon configuration from YAML with sane
// defaults, so a node starts with an empty file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node struct {
		// ID is this node's stable cluster identity. Empty means a random
		// ID is generated at startup.
		ID string `yaml:"id"`
		// RequestTimeout bounds synchronous cluster calls.
		RequestTimeout time.Duration `yaml:"request_timeout"`
		// SyncTimeout bounds state pulls during reconciliation.
		SyncTimeout time.Duration `yaml:"sync_timeout"`
	} `yaml:"node"`

	NATS struct {
		URL string `yaml:"url"`
		// SubjectPrefix namespaces one cluster on a shared NATS deployment.
		SubjectPrefix     string        `yaml:"subject_prefix"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PeerTTL           time.Duration `yaml:"peer_ttl"`
	} `yaml:"nats"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		// Level is one of debug, info, warn, error.
		Level string `yaml:"level"`
		// Format is text or json.
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration a node runs with when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Node.RequestTimeout <= 0 {
		c.Node.RequestTimeout = 5 * time.Second
	}
	if c.Node.SyncTimeout <= 0 {
		c.Node.SyncTimeout = 10 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "xtalk"
	}
	if c.NATS.HeartbeatInterval <= 0 {
		c.NATS.HeartbeatInterval = time.Second
	}
	if c.NATS.PeerTTL <= 0 {
		c.NATS.PeerTTL = 3 * c.NATS.HeartbeatInterval
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9091"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Log.Format)
	}
	if c.NATS.PeerTTL < c.NATS.HeartbeatInterval {
		return fmt.Errorf("config: peer_ttl %s shorter than heartbeat_interval %s",
			c.NATS.PeerTTL, c.NATS.HeartbeatInterval)
	}
	return nil
}
