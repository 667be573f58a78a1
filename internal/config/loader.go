package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration with priority order:
// 1. Environment variables
// 2. Configuration file (config.yaml)
// 3. Default values
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/fleetcore/")
	v.AddConfigPath("./configs/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("FLEETCORE")

	setDefaults(v)

	// Config file is optional; env vars and defaults carry a full setup.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	overrideWithEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults supplies a runnable default for every knob.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	// Bus defaults (redis pub/sub)
	v.SetDefault("bus.url", "localhost:6379")
	v.SetDefault("bus.db", 0)

	// Columnar store defaults (MySQL wire protocol)
	v.SetDefault("store.host", "127.0.0.1")
	v.SetDefault("store.port", 9004)
	v.SetDefault("store.user", "fleetcore")
	v.SetDefault("store.database", "fleetcore")

	// LLM runtime defaults
	v.SetDefault("llm.url", "http://localhost:11434/api/generate")
	v.SetDefault("llm.model", "mistral")
	v.SetDefault("llm.timeout_ms", 10000)

	// Vector store defaults
	v.SetDefault("vector.scheme", "http")
	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 8080)
	v.SetDefault("vector.timeout_ms", 5000)
	v.SetDefault("vector.class", "FleetIncident")

	// Policy document
	v.SetDefault("policy.path", "/etc/fleetcore/policy.yaml")
	v.SetDefault("policy.hot_reload", true)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	// Worker pool defaults; pool_size 0 means min(32, CPU*4)
	v.SetDefault("workers.pool_size", 0)
	v.SetDefault("workers.queue_size", 1024)

	// Stage tuning
	v.SetDefault("detector.rolling_window_size", 128)
	v.SetDefault("detector.rolling_window_ttl_sec", 600)

	v.SetDefault("enricher.query_timeout_ms", 150)
	v.SetDefault("enricher.query_budget_ms", 400)
	v.SetDefault("enricher.slo_budget_ms", 500)

	v.SetDefault("correlator.lock_stripes", 64)
	v.SetDefault("correlator.sweep_interval_sec", 10)
	v.SetDefault("correlator.sweep_budget_ms", 100)
	v.SetDefault("correlator.dedup_backend", "memory")

	v.SetDefault("insight.slo_budget_ms", 5000)
	v.SetDefault("insight.vector_timeout_ms", 5000)
	v.SetDefault("insight.enrichment_version", 1)
}

// overrideWithEnvVars handles the short-form deployment variables that
// operators set without the FLEETCORE_ prefix.
func overrideWithEnvVars(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("port", p)
		}
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		v.Set("environment", env)
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		v.Set("log_level", logLevel)
	}

	if busURL := os.Getenv("BUS_URL"); busURL != "" {
		v.Set("bus.url", busURL)
	}

	if storeHost := os.Getenv("STORE_HOST"); storeHost != "" {
		v.Set("store.host", storeHost)
	}
	if storeUser := os.Getenv("STORE_USER"); storeUser != "" {
		v.Set("store.user", storeUser)
	}
	if storePass := os.Getenv("STORE_PASSWORD"); storePass != "" {
		v.Set("store.password", storePass)
	}

	if llmURL := os.Getenv("LLM_URL"); llmURL != "" {
		v.Set("llm.url", llmURL)
	}
	if llmModel := os.Getenv("LLM_MODEL"); llmModel != "" {
		v.Set("llm.model", llmModel)
	}
	if llmTimeout := os.Getenv("LLM_TIMEOUT_MS"); llmTimeout != "" {
		if t, err := strconv.Atoi(llmTimeout); err == nil {
			v.Set("llm.timeout_ms", t)
		}
	}

	if vectorURL := os.Getenv("VECTOR_HOST"); vectorURL != "" {
		v.Set("vector.host", vectorURL)
	}

	if policyPath := os.Getenv("POLICY_PATH"); policyPath != "" {
		v.Set("policy.path", policyPath)
	}
}

// validateConfig validates the loaded configuration.
func validateConfig(config *Config) error {
	if config.Bus.URL == "" {
		return fmt.Errorf("bus URL is required")
	}

	if config.Store.Host == "" {
		return fmt.Errorf("columnar store host is required")
	}

	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", config.Port)
	}

	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLogLevels, config.LogLevel) {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	validEnvironments := []string{"development", "staging", "production", "test"}
	if !contains(validEnvironments, config.Environment) {
		return fmt.Errorf("invalid environment: %s", config.Environment)
	}

	switch config.Correlator.DedupBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid dedup backend: %s", config.Correlator.DedupBackend)
	}

	if config.Enricher.QueryTimeoutMs < 1 {
		return fmt.Errorf("enricher query timeout must be at least 1ms")
	}
	if config.Enricher.QueryBudgetMs < config.Enricher.QueryTimeoutMs {
		return fmt.Errorf("enricher query budget (%dms) must cover at least one query timeout (%dms)",
			config.Enricher.QueryBudgetMs, config.Enricher.QueryTimeoutMs)
	}

	if config.Correlator.LockStripes < 1 {
		return fmt.Errorf("correlator lock stripes must be at least 1")
	}

	if config.Insight.EnrichmentVersion < 1 {
		return fmt.Errorf("insight enrichment version must be at least 1")
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
