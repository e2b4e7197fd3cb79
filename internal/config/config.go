// Package config loads the daemon configuration from an optional YAML file
// overridden by RULEFLOW_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const envPrefix = "RULEFLOW_"

type (
	Config struct {
		Log           LogConfig     `yaml:"log"`
		Workers       int           `yaml:"workers"`
		Queue         QueueConfig   `yaml:"queue"`
		Store         StoreConfig   `yaml:"store"`
		Redis         RedisConfig   `yaml:"redis"`
		Elastic       ElasticConfig `yaml:"elastic"`
		NATS          NATSConfig    `yaml:"nats"`
		RulesDir      string        `yaml:"rules_dir"`
		MetricsAddr   string        `yaml:"metrics_addr"`
		Shutdown      time.Duration `yaml:"shutdown_timeout"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		ClaimTTL      time.Duration `yaml:"claim_ttl"`
		// ResubmitInterval paces the timer that re-arms deferred enqueues
		// rejected by a full queue.
		ResubmitInterval time.Duration `yaml:"resubmit_interval"`
		// ApproverRoles maps approver ids to their roles. Approval steps that
		// admit approvers by role deny everyone when it is empty.
		ApproverRoles map[string][]string `yaml:"approver_roles"`
	}

	LogConfig struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	QueueConfig struct {
		Backend  string `yaml:"backend"`
		Capacity int    `yaml:"capacity"`
	}

	StoreConfig struct {
		Backend string `yaml:"backend"`
	}

	RedisConfig struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	}

	ElasticConfig struct {
		URLs  []string `yaml:"urls"`
		Index string   `yaml:"index"`
		Sniff bool     `yaml:"sniff"`
	}

	NATSConfig struct {
		URL                 string `yaml:"url"`
		TriggerSubject      string `yaml:"trigger_subject"`
		NotificationSubject string `yaml:"notification_subject"`
		ApprovalSubject     string `yaml:"approval_subject"`
		CancelSubject       string `yaml:"cancel_subject"`
	}
)

func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		Workers: 4,
		Queue:   QueueConfig{Backend: BackendMemory, Capacity: 256},
		Store:   StoreConfig{Backend: BackendMemory},
		Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "ruleflow"},
		Elastic: ElasticConfig{Index: "ruleflow-executions"},
		NATS: NATSConfig{
			TriggerSubject:      "ruleflow.trigger",
			NotificationSubject: "ruleflow.notifications",
			ApprovalSubject:     "ruleflow.approval",
			CancelSubject:       "ruleflow.cancel",
		},
		MetricsAddr:      ":9090",
		Shutdown:         15 * time.Second,
		SweepInterval:    10 * time.Second,
		ClaimTTL:         5 * time.Minute,
		ResubmitInterval: time.Second,
	}
}

// Load reads path (if not empty) over the defaults, applies the environment
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: decode %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	if c.Queue.Capacity < 1 {
		return errors.Errorf("config: queue.capacity must be at least 1, got %d", c.Queue.Capacity)
	}
	for name, backend := range map[string]string{"queue.backend": c.Queue.Backend, "store.backend": c.Store.Backend} {
		if backend != BackendMemory && backend != BackendRedis {
			return errors.Errorf("config: %s must be %q or %q, got %q", name, BackendMemory, BackendRedis, backend)
		}
	}
	if (c.Queue.Backend == BackendRedis || c.Store.Backend == BackendRedis) && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required for the redis backend")
	}
	if len(c.Elastic.URLs) > 0 && c.Elastic.Index == "" {
		return errors.New("config: elastic.index is required when elastic.urls is set")
	}
	if c.ClaimTTL <= 0 {
		return errors.New("config: claim_ttl must be positive")
	}
	if c.SweepInterval <= 0 || c.ResubmitInterval <= 0 {
		return errors.New("config: sweep_interval and resubmit_interval must be positive")
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "config: %s%s", envPrefix, key)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "config: %s%s", envPrefix, key)
		}
		*dst = d
		return nil
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("QUEUE_BACKEND", &c.Queue.Backend)
	str("STORE_BACKEND", &c.Store.Backend)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)
	str("ELASTIC_INDEX", &c.Elastic.Index)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_TRIGGER_SUBJECT", &c.NATS.TriggerSubject)
	str("NATS_NOTIFICATION_SUBJECT", &c.NATS.NotificationSubject)
	str("NATS_APPROVAL_SUBJECT", &c.NATS.ApprovalSubject)
	str("NATS_CANCEL_SUBJECT", &c.NATS.CancelSubject)
	str("RULES_DIR", &c.RulesDir)
	str("METRICS_ADDR", &c.MetricsAddr)
	if v, ok := lookup(envPrefix + "ELASTIC_URLS"); ok {
		c.Elastic.URLs = splitList(v)
	}
	if v, ok := lookup(envPrefix + "ELASTIC_SNIFF"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "config: %sELASTIC_SNIFF", envPrefix)
		}
		c.Elastic.Sniff = b
	}

	for key, dst := range map[string]*int{
		"WORKERS":        &c.Workers,
		"QUEUE_CAPACITY": &c.Queue.Capacity,
		"REDIS_DB":       &c.Redis.DB,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":  &c.Shutdown,
		"SWEEP_INTERVAL":    &c.SweepInterval,
		"CLAIM_TTL":         &c.ClaimTTL,
		"RESUBMIT_INTERVAL": &c.ResubmitInterval,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
