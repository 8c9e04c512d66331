package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig      `mapstructure:"http"`
	Log        LogConfig       `mapstructure:"log"`
	Store      StoreConfig     `mapstructure:"store"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Worker     WorkerConfig    `mapstructure:"worker"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Cache      CacheConfig     `mapstructure:"cache"`
	Authority  AuthorityConfig `mapstructure:"authority"`
	Policy     PolicyConfig    `mapstructure:"policy"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects the persistence backend: "mysql" or "memory" (dev only).
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string    `mapstructure:"brokers"`
	GroupID        string      `mapstructure:"group_id"`
	MinBytes       int         `mapstructure:"min_bytes"`
	MaxBytes       int         `mapstructure:"max_bytes"`
	CommitInterval int         `mapstructure:"commit_interval_ms"`
	Topics         KafkaTopics `mapstructure:"topics"`
}

type KafkaTopics struct {
	UsageReports    string `mapstructure:"usage_reports"`
	BillingPayments string `mapstructure:"billing_payments"`
}

type WorkerConfig struct {
	Count int `mapstructure:"count"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

// CacheConfig drives the cache tier. TTL keys are namespace names.
type CacheConfig struct {
	Backend      string                   `mapstructure:"backend"` // redis | memory
	MemorySize   int                      `mapstructure:"memory_size"`
	WriteTimeout time.Duration            `mapstructure:"write_timeout"`
	TTL          map[string]time.Duration `mapstructure:"ttl"`
	Breaker      BreakerConfig            `mapstructure:"breaker"`
}

type AuthorityConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	PrewarmConcurrency int           `mapstructure:"prewarm_concurrency"`
}

type PolicyConfig struct {
	AllowPastDue bool `mapstructure:"allow_past_due"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (ENTL_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (ENTL_*), nested keys use "_" (ENTL_MYSQL_DSN)
	v.SetEnvPrefix("ENTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
