package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"storage": {"artifacts": {"root_dir": "./runs"}}
	}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("default log level: %q", cfg.General.LogLevel)
	}
	if cfg.Telemetry.MetricsPort != 9090 {
		t.Errorf("default metrics port: %d", cfg.Telemetry.MetricsPort)
	}
	if cfg.Pipeline.MaxConcurrentDocuments != 4 {
		t.Errorf("pipeline concurrency default: %d", cfg.Pipeline.MaxConcurrentDocuments)
	}
	if cfg.Pipeline.PhaseTimeout != 5*time.Minute {
		t.Errorf("phase timeout default: %s", cfg.Pipeline.PhaseTimeout)
	}
	if cfg.Evidence.SearchTopK != 10 || cfg.Evidence.EmbeddingDimensions != 1536 {
		t.Errorf("evidence defaults: %+v", cfg.Evidence)
	}
	if cfg.Ingest.Timeout != 30*time.Second || cfg.Ingest.MaxChars != 200_000 {
		t.Errorf("ingest defaults: %+v", cfg.Ingest)
	}
	if cfg.Ingest.UserAgent == "" {
		t.Errorf("ingest user agent unset")
	}
}

func TestLoadConfigFileValues(t *testing.T) {
	path := writeConfig(t, `{
		"general": {"log_level": "debug", "manifest_secret": "s3cret"},
		"llm": {"routing": {"analysis": "gpt-4o", "fallback": "gpt-4o-mini"}},
		"pipeline": {"max_concurrent_documents": 8, "min_salience": 0.25},
		"storage": {
			"artifacts": {"root_dir": "/var/lib/discernus"},
			"redis": {"host": "localhost", "port": "6379"},
			"postgres": {"host": "localhost", "port": "5432", "user": "u", "password": "p", "dbname": "discernus"}
		}
	}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.General.ManifestSecret != "s3cret" {
		t.Errorf("manifest secret: %q", cfg.General.ManifestSecret)
	}
	if cfg.LLM.Routing.Analysis != "gpt-4o" {
		t.Errorf("routing: %+v", cfg.LLM.Routing)
	}
	if cfg.Pipeline.MaxConcurrentDocuments != 8 {
		t.Errorf("concurrency: %d", cfg.Pipeline.MaxConcurrentDocuments)
	}
	if got := cfg.Storage.Redis.Addr(); got != "localhost:6379" {
		t.Errorf("redis addr: %q", got)
	}
	want := "postgres://u:p@localhost:5432/discernus?sslmode=disable"
	if got := cfg.Storage.Postgres.DSN(); got != want {
		t.Errorf("postgres dsn: %q", got)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, `{
		"general": {"log_level": "info"},
		"storage": {"artifacts": {"root_dir": "./runs"}}
	}`)
	t.Setenv("DISCERNUS_GENERAL_LOG_LEVEL", "debug")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Errorf("env override ignored: %q", cfg.General.LogLevel)
	}
}

func TestLoadConfigRejectsMissingArtifactRoot(t *testing.T) {
	path := writeConfig(t, `{
		"storage": {"artifacts": {"root_dir": "  "}}
	}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for empty artifact root")
	}
}

func TestLoadConfigRejectsBadMetricsPort(t *testing.T) {
	path := writeConfig(t, `{
		"telemetry": {"enabled": true, "metrics_port": -1},
		"storage": {"artifacts": {"root_dir": "./runs"}}
	}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for invalid metrics port")
	}
}

func TestPostgresURLWins(t *testing.T) {
	p := PostgresConfig{URL: "postgres://x", Host: "ignored"}
	if p.DSN() != "postgres://x" {
		t.Errorf("url should take precedence: %q", p.DSN())
	}
	if err := p.Validate(); err != nil {
		t.Errorf("url-only config should validate: %v", err)
	}
}
