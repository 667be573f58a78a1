package config

// Config is the deployment-level configuration shared by every pipeline
// stage binary. Operational thresholds (detector scores, correlation
// windows, LLM budgets) live in the operator policy document instead; see
// internal/policy.
type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	Port        int    `mapstructure:"port" yaml:"port"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	Bus        BusConfig        `mapstructure:"bus" yaml:"bus"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Vector     VectorConfig     `mapstructure:"vector" yaml:"vector"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	Workers    WorkersConfig    `mapstructure:"workers" yaml:"workers"`

	Detector   DetectorConfig   `mapstructure:"detector" yaml:"detector"`
	Enricher   EnricherConfig   `mapstructure:"enricher" yaml:"enricher"`
	Correlator CorrelatorConfig `mapstructure:"correlator" yaml:"correlator"`
	Insight    InsightConfig    `mapstructure:"insight" yaml:"insight"`
}

// BusConfig points at the pub/sub bus carrying the pipeline subjects.
type BusConfig struct {
	URL      string `mapstructure:"url" yaml:"url"` // host:port of the redis bus
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// StoreConfig holds columnar store connection details (MySQL wire
// protocol).
type StoreConfig struct {
	Host     string            `mapstructure:"host" yaml:"host"`
	Port     int               `mapstructure:"port" yaml:"port"`
	User     string            `mapstructure:"user" yaml:"user"`
	Password string            `mapstructure:"password" yaml:"password"`
	Database string            `mapstructure:"database" yaml:"database"`
	TLS      bool              `mapstructure:"tls" yaml:"tls"`
	Params   map[string]string `mapstructure:"params" yaml:"params"`
}

// LLMConfig holds the LLM runtime endpoint. Model and timeout defaults
// live here; the operator policy may override them at runtime.
type LLMConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Model     string `mapstructure:"model" yaml:"model"`
	TimeoutMs int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// VectorConfig holds connection details for the vector store HTTP API.
type VectorConfig struct {
	Scheme    string `mapstructure:"scheme" yaml:"scheme"`
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	TimeoutMs int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	Class     string `mapstructure:"class" yaml:"class"`
}

// PolicyConfig locates the operator policy document.
type PolicyConfig struct {
	Path      string `mapstructure:"path" yaml:"path"`
	HotReload bool   `mapstructure:"hot_reload" yaml:"hot_reload"`
}

// MonitoringConfig handles self-monitoring configuration.
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// TracingConfig enables OTLP trace export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// WorkersConfig tunes the per-stage worker pool.
type WorkersConfig struct {
	// PoolSize of 0 means min(32, CPU*4).
	PoolSize  int `mapstructure:"pool_size" yaml:"pool_size"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// DetectorConfig tunes detector-local state.
type DetectorConfig struct {
	RollingWindowSize   int `mapstructure:"rolling_window_size" yaml:"rolling_window_size"`
	RollingWindowTTLSec int `mapstructure:"rolling_window_ttl_sec" yaml:"rolling_window_ttl_sec"`
}

// EnricherConfig tunes the fast-path enrichment budgets.
type EnricherConfig struct {
	QueryTimeoutMs int `mapstructure:"query_timeout_ms" yaml:"query_timeout_ms"`
	QueryBudgetMs  int `mapstructure:"query_budget_ms" yaml:"query_budget_ms"`
	SLOBudgetMs    int `mapstructure:"slo_budget_ms" yaml:"slo_budget_ms"`
}

// CorrelatorConfig tunes window bookkeeping. Correlation thresholds and
// window durations come from policy.
type CorrelatorConfig struct {
	LockStripes      int    `mapstructure:"lock_stripes" yaml:"lock_stripes"`
	SweepIntervalSec int    `mapstructure:"sweep_interval_sec" yaml:"sweep_interval_sec"`
	SweepBudgetMs    int    `mapstructure:"sweep_budget_ms" yaml:"sweep_budget_ms"`
	DedupBackend     string `mapstructure:"dedup_backend" yaml:"dedup_backend"` // "memory" or "redis"
}

// InsightConfig tunes the insight path.
type InsightConfig struct {
	SLOBudgetMs       int `mapstructure:"slo_budget_ms" yaml:"slo_budget_ms"`
	VectorTimeoutMs   int `mapstructure:"vector_timeout_ms" yaml:"vector_timeout_ms"`
	EnrichmentVersion int `mapstructure:"enrichment_version" yaml:"enrichment_version"`
}
