package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like DATABASE_POSTGRES_PASSWORD
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, e.g. config.production.yaml.
	envConfigFile := fmt.Sprintf("config.%s", env)
	viper.SetConfigName(envConfigFile)
	_ = viper.MergeInConfig() // ignore error if not found

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the working directory or the project root.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string config values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "risk-engine"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}

	if cfg.Engine.PoolSize <= 0 {
		cfg.Engine.PoolSize = 5
	}
	if cfg.Engine.MaxConcurrency <= 0 {
		cfg.Engine.MaxConcurrency = 4
	}
	if cfg.Engine.RetryLimit <= 0 {
		cfg.Engine.RetryLimit = 3
	}
	if cfg.Engine.RetryBaseDelayMs <= 0 {
		cfg.Engine.RetryBaseDelayMs = 200
	}
	if cfg.Engine.RetryMaxDelayMs <= 0 {
		cfg.Engine.RetryMaxDelayMs = 5000
	}
	if cfg.Engine.RunTimeoutMs <= 0 {
		cfg.Engine.RunTimeoutMs = 60000
	}
	if cfg.Engine.AcquireTimeoutMs <= 0 {
		cfg.Engine.AcquireTimeoutMs = 3000
	}
	if cfg.Engine.HealthIntervalMs <= 0 {
		cfg.Engine.HealthIntervalMs = 15000
	}
	if cfg.Engine.HealthFailureLimit <= 0 {
		cfg.Engine.HealthFailureLimit = 3
	}
	if cfg.Engine.StaleCacheTTLMinute <= 0 {
		cfg.Engine.StaleCacheTTLMinute = 30
	}

	if cfg.Monitor.WindowSeconds <= 0 {
		cfg.Monitor.WindowSeconds = 300
	}
	if cfg.Monitor.MaxRecords <= 0 {
		cfg.Monitor.MaxRecords = 4096
	}
	if cfg.Monitor.MinSamples <= 0 {
		cfg.Monitor.MinSamples = 5
	}
	if cfg.Monitor.DegradedErrorRate <= 0 {
		cfg.Monitor.DegradedErrorRate = 0.15
	}
	if cfg.Monitor.DegradedLatencyP95Ms <= 0 {
		cfg.Monitor.DegradedLatencyP95Ms = 2000
	}

	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "credit-assessments"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Engine.RetryBaseDelayMs > cfg.Engine.RetryMaxDelayMs {
		return fmt.Errorf("engine.retry_base_delay_ms must not exceed engine.retry_max_delay_ms")
	}
	if cfg.Monitor.DegradedErrorRate > 1.0 {
		return fmt.Errorf("monitor.degraded_error_rate must be in (0, 1]")
	}
	return nil
}
