package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/torvusdb/torvus/core/sharding"
	"github.com/torvusdb/torvus/pkg/executor"
	"github.com/torvusdb/torvus/pkg/logger"
	"github.com/torvusdb/torvus/pkg/telemetry"
	"github.com/torvusdb/torvus/pkg/transport"
)

// Config is the full node configuration, loaded from YAML with a handful of
// environment overrides for container deployments.
type Config struct {
	Node struct {
		// ID is this node's raft server id.
		ID string `yaml:"id"`
		// Role is "shard" or "config".
		Role string `yaml:"role"`
		// ShardID names the shard this node belongs to (shard role only).
		ShardID string `yaml:"shard_id"`
	} `yaml:"node"`

	Listen struct {
		// CommandAddr serves transaction commands from remote coordinators.
		CommandAddr string `yaml:"command_addr"`
		// AdminAddr serves the shard-map admin and status endpoints.
		AdminAddr string `yaml:"admin_addr"`
	} `yaml:"listen"`

	Transport struct {
		// Kind selects the command transport: "tcp" or "http3".
		Kind string `yaml:"kind"`
		// CertFile and KeyFile are required for http3.
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`

		TCP   transport.TCPConfig   `yaml:"tcp"`
		HTTP3 transport.HTTP3Config `yaml:"http3"`
	} `yaml:"transport"`

	Raft struct {
		// Addr is the raft inter-node address.
		Addr string `yaml:"addr"`
		// DataDir holds the raft log, stable store and snapshots.
		DataDir string `yaml:"data_dir"`
		// Bootstrap starts a fresh single-node cluster.
		Bootstrap bool `yaml:"bootstrap"`
	} `yaml:"raft"`

	Storage struct {
		// Driver is "memory" or "mysql".
		Driver string `yaml:"driver"`
		// DSN is the MySQL connection string (mysql driver only).
		DSN string `yaml:"dsn"`
	} `yaml:"storage"`

	TwoPC struct {
		// TargetMaxWait bounds shard host targeting.
		TargetMaxWait time.Duration `yaml:"target_max_wait"`
		// CommitDeadline bounds how long a new coordinator waits for its
		// participant list.
		CommitDeadline time.Duration `yaml:"commit_deadline"`
	} `yaml:"twopc"`

	// Shards seeds the shard map before raft catches up, mainly for tests
	// and single-node runs.
	Shards map[string][]string `yaml:"shards"`

	Pool      executor.Config         `yaml:"pool"`
	Registry  sharding.RegistryConfig `yaml:"registry"`
	Logging   logger.Config           `yaml:"logging"`
	Telemetry telemetry.Config        `yaml:"telemetry"`
}

func (c *Config) setDefaults() {
	if c.Node.Role == "" {
		c.Node.Role = "shard"
	}
	if c.Listen.CommandAddr == "" {
		c.Listen.CommandAddr = ":7000"
	}
	if c.Listen.AdminAddr == "" {
		c.Listen.AdminAddr = ":7080"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "tcp"
	}
	if c.Raft.Addr == "" {
		c.Raft.Addr = "127.0.0.1:7100"
	}
	if c.Raft.DataDir == "" {
		c.Raft.DataDir = "data/raft"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.TwoPC.CommitDeadline <= 0 {
		c.TwoPC.CommitDeadline = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnvOverrides lets container deployments override the fields that vary
// per instance without templating the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TORVUS_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("TORVUS_SHARD_ID"); v != "" {
		c.Node.ShardID = v
	}
	if v := os.Getenv("TORVUS_COMMAND_ADDR"); v != "" {
		c.Listen.CommandAddr = v
	}
	if v := os.Getenv("TORVUS_RAFT_ADDR"); v != "" {
		c.Raft.Addr = v
	}
	if v := os.Getenv("TORVUS_RAFT_BOOTSTRAP"); v != "" {
		c.Raft.Bootstrap = cast.ToBool(v)
	}
	if v := os.Getenv("TORVUS_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("TORVUS_PROMETHEUS_PORT"); v != "" {
		c.Telemetry.PrometheusPort = cast.ToInt(v)
	}
	if v := os.Getenv("TORVUS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch c.Node.Role {
	case "shard":
		if c.Node.ShardID == "" {
			return fmt.Errorf("node.shard_id is required for the shard role")
		}
	case "config":
	default:
		return fmt.Errorf("node.role must be \"shard\" or \"config\", got %q", c.Node.Role)
	}
	switch c.Transport.Kind {
	case "tcp", "http3":
		if (c.Transport.CertFile == "") != (c.Transport.KeyFile == "") {
			return fmt.Errorf("transport.cert_file and transport.key_file must be set together")
		}
	default:
		return fmt.Errorf("transport.kind must be \"tcp\" or \"http3\", got %q", c.Transport.Kind)
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("storage.driver must be \"memory\" or \"mysql\", got %q", c.Storage.Driver)
	}
	return nil
}

// identity maps the configured role onto the cluster identity.
func (c *Config) identity() sharding.Identity {
	if c.Node.Role == "config" {
		return sharding.Identity{Role: sharding.RoleConfigServer}
	}
	return sharding.Identity{
		Role:    sharding.RoleShardServer,
		ShardID: sharding.ShardID(c.Node.ShardID),
	}
}

// LoadConfig reads, defaults, overrides and validates the configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.setDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
