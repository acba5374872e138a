package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type RelationalConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type DocumentConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	PoolSize int    `yaml:"pool_size"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // change-log entry lifetime
}

type SubscriptionConfig struct {
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
}

type BusConfig struct {
	ProjectID     string               `yaml:"project_id"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	AuditTopic    string               `yaml:"audit_topic"`
}

type PipelineConfig struct {
	Producers  int `yaml:"producer_concurrency"`
	Processors int `yaml:"processor_concurrency"`
	MaxDemand  int `yaml:"max_demand"`
}

type ActorConfig struct {
	IdleTimeoutMS int64 `yaml:"idle_timeout_ms"`
	MailboxSize   int   `yaml:"mailbox_size"`
}

type ClusterConfig struct {
	NodeID    string        `yaml:"node_id"`
	Bind      string        `yaml:"bind"`      // host:port for the internal RPC listener
	Advertise string        `yaml:"advertise"` // address peers dial; defaults to bind
	Discovery string        `yaml:"discovery"` // static | dns
	Selector  string        `yaml:"membership_selector"`
	Peers     []string      `yaml:"peers"` // static discovery: node_id=host:port
	Refresh   time.Duration `yaml:"refresh"`
	RPCMS     int64         `yaml:"rpc_timeout_ms"`
}

type OpsConfig struct {
	Port int `yaml:"port"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Relational RelationalConfig `yaml:"relational"`
	Document   DocumentConfig   `yaml:"document"`
	Redis      RedisConfig      `yaml:"redis"`
	Bus        BusConfig        `yaml:"bus"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Actor      ActorConfig      `yaml:"actor"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Ops        OpsConfig        `yaml:"ops"`
	Caps       map[string]int64 `yaml:"caps"` // job type -> millisecond ceiling

	Runtime RuntimeConfig `yaml:"-"`
}

// DefaultJobCap bounds a single job's cost when its type has no explicit cap.
const DefaultJobCap int64 = 300_000

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Actor.IdleTimeoutMS) * time.Millisecond
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.Cluster.RPCMS) * time.Millisecond
}

// JobCap returns the millisecond ceiling for the given job type.
func (c *Config) JobCap(jobType string) int64 {
	if cap, ok := c.Caps[jobType]; ok && cap > 0 {
		return cap
	}
	return DefaultJobCap
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Relational.PoolSize <= 0 {
		cfg.Relational.PoolSize = 10
	}
	if cfg.Document.PoolSize <= 0 {
		cfg.Document.PoolSize = 50
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 14 * 24 * time.Hour
	}
	if cfg.Pipeline.Producers <= 0 {
		cfg.Pipeline.Producers = 1
	}
	if cfg.Pipeline.Producers > 2 {
		cfg.Pipeline.Producers = 2
	}
	if cfg.Pipeline.Processors <= 0 {
		cfg.Pipeline.Processors = 10
	}
	if cfg.Pipeline.Processors > 100 {
		cfg.Pipeline.Processors = 100
	}
	if cfg.Pipeline.MaxDemand <= 0 {
		cfg.Pipeline.MaxDemand = 4 * cfg.Pipeline.Processors
	}
	if cfg.Actor.IdleTimeoutMS <= 0 {
		cfg.Actor.IdleTimeoutMS = 3_600_000
	}
	if cfg.Actor.MailboxSize <= 0 {
		cfg.Actor.MailboxSize = 64
	}
	if cfg.Cluster.Discovery == "" {
		cfg.Cluster.Discovery = "static"
	}
	if cfg.Cluster.Refresh <= 0 {
		cfg.Cluster.Refresh = 10 * time.Second
	}
	if cfg.Cluster.RPCMS <= 0 {
		cfg.Cluster.RPCMS = 5_000
	}
	if cfg.Cluster.Bind == "" {
		cfg.Cluster.Bind = ":7946"
	}
	if cfg.Cluster.Advertise == "" {
		cfg.Cluster.Advertise = cfg.Cluster.Bind
	}
	if cfg.Ops.Port <= 0 {
		cfg.Ops.Port = 8080
	}

	// Minimal validation
	if cfg.Relational.URL == "" {
		return nil, errors.New("relational.url is required")
	}
	if cfg.Document.Enabled && cfg.Document.URL == "" {
		return nil, errors.New("document.url is required when document.enabled is set")
	}
	if cfg.Bus.ProjectID == "" {
		return nil, errors.New("bus.project_id is required")
	}
	if len(cfg.Bus.Subscriptions) == 0 {
		return nil, errors.New("bus.subscriptions must list at least one subscription")
	}
	if cfg.Cluster.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.New("cluster.node_id is required and hostname lookup failed")
		}
		cfg.Cluster.NodeID = host
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
