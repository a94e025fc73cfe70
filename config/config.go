package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	ManifestSecret    string        `mapstructure:"manifest_secret"` // HMAC secret for run manifests
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, anthropic, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model handles each pipeline phase
type LLMRoutingConfig struct {
	Analysis     string `mapstructure:"analysis"`
	Evidence     string `mapstructure:"evidence"`
	Verification string `mapstructure:"verification"`
	Synthesis    string `mapstructure:"synthesis"`
	Embedding    string `mapstructure:"embedding"`
	Fallback     string `mapstructure:"fallback"`
}

// TelemetryConfig contains telemetry and monitoring settings. OTLPEndpoint
// is optional; when empty, traces and metrics stay local (Prometheus only).
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// PipelineConfig contains phase execution settings
type PipelineConfig struct {
	MaxConcurrentDocuments int           `mapstructure:"max_concurrent_documents"`
	PhaseTimeout           time.Duration `mapstructure:"phase_timeout"`
	MaxRetries             int           `mapstructure:"max_retries"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
	MinSalience            float64       `mapstructure:"min_salience"`
}

// Normalize applies defaults for unset pipeline values
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.MaxConcurrentDocuments <= 0 {
		p.MaxConcurrentDocuments = 4
	}
	if p.PhaseTimeout <= 0 {
		p.PhaseTimeout = 5 * time.Minute
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Artifacts ArtifactConfig `mapstructure:"artifacts"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
}

// ArtifactConfig locates the content-addressable artifact root
type ArtifactConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

func (a ArtifactConfig) Validate() error {
	if strings.TrimSpace(a.RootDir) == "" {
		return fmt.Errorf("storage.artifacts.root_dir required")
	}
	return nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns the host:port address for the Redis client
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a Postgres connection string from the configured fields
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// EvidenceConfig controls the hybrid evidence index
type EvidenceConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	EmbeddingModel      string  `mapstructure:"embedding_model"`
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions"`
	SearchTopK          int     `mapstructure:"search_top_k"`
	SearchThreshold     float64 `mapstructure:"search_threshold"`
}

// Normalize applies defaults for unset evidence values
func (e EvidenceConfig) Normalize() EvidenceConfig {
	if e.SearchTopK <= 0 {
		e.SearchTopK = 10
	}
	if e.EmbeddingDimensions <= 0 {
		e.EmbeddingDimensions = 1536
	}
	return e
}

// BudgetConfig declares default run guardrails
type BudgetConfig struct {
	MaxCost           float64 `mapstructure:"max_cost"`
	MaxTokens         int64   `mapstructure:"max_tokens"`
	MaxTimeSeconds    int64   `mapstructure:"max_time_seconds"`
	ApprovalThreshold float64 `mapstructure:"approval_threshold"`
	RequireApproval   bool    `mapstructure:"require_approval"`
}

// IngestConfig controls corpus document fetching
type IngestConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxChars  int           `mapstructure:"max_chars"`
	UserAgent string        `mapstructure:"user_agent"`
}

// Normalize applies defaults for unset ingest values
func (i IngestConfig) Normalize() IngestConfig {
	if i.Timeout <= 0 {
		i.Timeout = 30 * time.Second
	}
	if i.MaxChars <= 0 {
		i.MaxChars = 200_000
	}
	if strings.TrimSpace(i.UserAgent) == "" {
		i.UserAgent = "DiscernusResearchBot/1.0 (+https://discernus.org)"
	}
	return i
}

// LoadConfig loads configuration from a file path, or from the usual
// search paths when path is empty. DISCERNUS_* env vars override file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.max_processing_time", "2h")
	v.SetDefault("general.default_timeout", "60s")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.cost_tracking", true)
	v.SetDefault("pipeline.max_retries", 2)
	v.SetDefault("storage.artifacts.root_dir", "./runs")
	v.SetDefault("evidence.enabled", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, err := os.Executable()
		if err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, ".."))
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DISCERNUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	config.Pipeline = config.Pipeline.Normalize()
	config.Evidence = config.Evidence.Normalize()
	config.Ingest = config.Ingest.Normalize()

	if err := config.Telemetry.Validate(); err != nil {
		return nil, err
	}
	if err := config.Storage.Artifacts.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(fmt.Sprintf("configuration error: %v", err))
	}
	return cfg
}
