// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"easy-content-upgrade/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ScheduleConfig is a cron-triggered run of a repository path.
type ScheduleConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	Cron string `mapstructure:"cron" validate:"required"`
	Path string `mapstructure:"path" validate:"required,startswith=/"`
}

// Config holds all configuration for the AECU node.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	NodeID        string        `mapstructure:"node_id"`
	ScriptRoot    string        `mapstructure:"script_root" validate:"required"`
	AllowedRoots  []string      `mapstructure:"allowed_roots" validate:"min=1,dive,startswith=/"`
	RunModes      []string      `mapstructure:"run_modes"`
	ScriptTimeout time.Duration `mapstructure:"script_timeout" validate:"gt=0"`

	HistoryStore    string        `mapstructure:"history_store" validate:"oneof=memory etcd mongo"`
	EtcdEndpoints   []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout     time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	MongoURI        string        `mapstructure:"mongo_uri"`
	MongoDatabase   string        `mapstructure:"mongo_database"`
	MongoCollection string        `mapstructure:"mongo_collection"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`

	HttpListenAddr    string        `mapstructure:"http_listen_addr" validate:"required"`
	HttpTimeout       time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	HttpMaxRetries    uint64        `mapstructure:"http_max_retries"`
	ClusterEnabled    bool          `mapstructure:"cluster_enabled"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl" validate:"gte=1s"`
	TracingEnabled    bool          `mapstructure:"tracing_enabled"`

	Schedules        []ScheduleConfig `mapstructure:"schedules" validate:"dive"`
	HistoryPurgeCron string           `mapstructure:"history_purge_cron"`
	HistoryRetention time.Duration    `mapstructure:"history_retention" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("script_root", "./repository")
	v.SetDefault("allowed_roots", []string{"/apps", "/conf"})
	v.SetDefault("run_modes", []string{})
	v.SetDefault("script_timeout", "5m")
	v.SetDefault("history_store", "memory")
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_database", "aecu")
	v.SetDefault("mongo_collection", "history")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "aecu-history")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("http_timeout", "30s")
	v.SetDefault("http_max_retries", 3)
	v.SetDefault("cluster_enabled", false)
	v.SetDefault("leader_election_ttl", "10s")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("schedules", []map[string]any{})
	v.SetDefault("history_purge_cron", "")
	v.SetDefault("history_retention", "720h")
}

// Load loads configuration from file and environment variables. An empty path
// looks for config.yaml in ./configs and the working directory; a missing
// file is not an error in that case.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// AECU_HISTORY_STORE=etcd, AECU_ETCD_ENDPOINTS=a:2379,b:2379
	v.SetEnvPrefix("aecu")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch {
	case (c.HistoryStore == "etcd" || c.ClusterEnabled) && len(c.EtcdEndpoints) == 0:
		return fmt.Errorf("invalid config: etcd_endpoints is required for the etcd history store and cluster mode")
	case c.HistoryStore == "mongo" && c.MongoURI == "":
		return fmt.Errorf("invalid config: mongo_uri is required for the mongo history store")
	case len(c.KafkaBrokers) > 0 && c.KafkaTopic == "":
		return fmt.Errorf("invalid config: kafka_topic is required with kafka_brokers")
	case c.HistoryPurgeCron != "" && c.HistoryRetention <= 0:
		return fmt.Errorf("invalid config: history_purge_cron requires a positive history_retention")
	}
	return nil
}

// DomainSchedules converts the configured schedules, including the history
// purge, into domain schedules.
func (c *Config) DomainSchedules() []*domain.Schedule {
	schedules := make([]*domain.Schedule, 0, len(c.Schedules)+1)
	for _, s := range c.Schedules {
		schedules = append(schedules, &domain.Schedule{
			Name:     s.Name,
			CronExpr: s.Cron,
			Action:   domain.ScheduleActionRun,
			Path:     s.Path,
		})
	}
	if c.HistoryPurgeCron != "" {
		schedules = append(schedules, &domain.Schedule{
			Name:      "history-purge",
			CronExpr:  c.HistoryPurgeCron,
			Action:    domain.ScheduleActionPurge,
			Retention: c.HistoryRetention,
		})
	}
	return schedules
}
