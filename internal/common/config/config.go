package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Engine        EngineConfig       `mapstructure:"engine"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Monitor       MonitorConfig      `mapstructure:"monitor"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Server        ServerConfig       `mapstructure:"server"`
}

// --- Core App/Infrastructure Config ---

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// EngineConfig holds the orchestration tunables: pool sizing, compute
// fan-out, retry policy and the per-run deadline. Pool capacity and
// MaxConcurrency are independent bounds (store-side vs compute-side).
type EngineConfig struct {
	PoolSize            int `mapstructure:"pool_size"`
	MaxConcurrency      int `mapstructure:"max_concurrency"`
	RetryLimit          int `mapstructure:"retry_limit"`
	RetryBaseDelayMs    int `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMs     int `mapstructure:"retry_max_delay_ms"`
	RunTimeoutMs        int `mapstructure:"run_timeout_ms"`
	AcquireTimeoutMs    int `mapstructure:"acquire_timeout_ms"`
	HealthIntervalMs    int `mapstructure:"health_interval_ms"`
	HealthFailureLimit  int `mapstructure:"health_failure_limit"`
	StaleCacheTTLMinute int `mapstructure:"stale_cache_ttl_minutes"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// MonitorConfig holds performance monitor window sizing and the thresholds
// at which the monitor reports the pipeline degraded.
type MonitorConfig struct {
	WindowSeconds        int     `mapstructure:"window_seconds"`
	MaxRecords           int     `mapstructure:"max_records"`
	MinSamples           int     `mapstructure:"min_samples"`
	DegradedErrorRate    float64 `mapstructure:"degraded_error_rate"`
	DegradedLatencyP95Ms int     `mapstructure:"degraded_latency_p95_ms"`
}

// NotificationConfig holds settings for assessment decision notifications.
type NotificationConfig struct {
	Email struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
		ToEmail   string `mapstructure:"to_email"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled       bool   `mapstructure:"enabled"`
		TopicARN      string `mapstructure:"topic_arn"`
		RiskThreshold string `mapstructure:"risk_threshold"`
	} `mapstructure:"sms"`
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ServerConfig holds the admin/API HTTP listener settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}
