package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration, loadable from YAML and
// overridable by CLI flags.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	RaftAddr string `yaml:"raft_addr"`
	DataDir  string `yaml:"data_dir"`
	Zone     uint32 `yaml:"zone"`

	// Capacity this node advertises for placement weighting.
	Capacity uint64 `yaml:"capacity"`

	// ClusterDriver selects the group-communication driver: "local" for a
	// single-process cluster, "raft" for a real one.
	ClusterDriver string `yaml:"cluster_driver"`

	// StoreDriver selects the object store backend.
	StoreDriver string `yaml:"store_driver"`

	// CapacityEpsilon is the relative capacity change below which a
	// reweight does not propagate a new node size.
	CapacityEpsilon float64 `yaml:"capacity_epsilon"`

	LogLevel string `yaml:"log_level"`
	JSONLog  bool   `yaml:"json_log"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		BindAddr:        "127.0.0.1:7000",
		RaftAddr:        "127.0.0.1:7100",
		DataDir:         "/var/lib/collie",
		Capacity:        100 << 30,
		ClusterDriver:   "local",
		StoreDriver:     "plain",
		CapacityEpsilon: 0.01,
		LogLevel:        "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.CapacityEpsilon <= 0 {
		c.CapacityEpsilon = 0.01
	}
	return nil
}
