package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test App defaults
	if cfg.App.Name != "doppeld" {
		t.Errorf("expected app name 'doppeld', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}

	// Test Server defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}

	// Test Log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %s", cfg.Log.Format)
	}

	// Test Retrieval defaults: fusion weights should sum to 1
	sum := cfg.Retrieval.SemanticWeight + cfg.Retrieval.LexicalWeight + cfg.Retrieval.RecencyWeight
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("expected fusion weights to sum to 1.0, got %f", sum)
	}

	// Test Pipeline defaults: thresholds must be ordered
	p := cfg.Pipeline
	if !(p.RepairThresholdLow < p.RepairThresholdMid && p.RepairThresholdMid < p.RepairThresholdHigh) {
		t.Errorf("expected ordered repair thresholds, got %f %f %f",
			p.RepairThresholdLow, p.RepairThresholdMid, p.RepairThresholdHigh)
	}

	// Test Provider defaults
	if cfg.Provider.EmbeddingDim != 3072 {
		t.Errorf("expected embedding dim 3072, got %d", cfg.Provider.EmbeddingDim)
	}
	if cfg.Provider.EmbeddingModel != "gemini-embedding-001" {
		t.Errorf("unexpected embedding model %s", cfg.Provider.EmbeddingModel)
	}

	// Test Temporal defaults
	if cfg.Temporal.AckCooldown != 24*time.Hour {
		t.Errorf("expected ack cooldown 24h, got %v", cfg.Temporal.AckCooldown)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.App.Name = "test"
				cfg.App.Environment = "development"
				cfg.Server.Port = 8080
				cfg.Log.Level = "info"
				cfg.Log.Format = "json"
				return cfg
			}(),
			wantErr: false,
		},
		{
			name: "missing app name",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.App.Name = ""
				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "invalid port",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.Server.Port = 99999
				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.Log.Level = "trace"
				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "invalid environment",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.App.Environment = "invalid"
				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "zero embedding dim",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.Provider.EmbeddingDim = 0
				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "fusion weight above one",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.Retrieval.SemanticWeight = 1.5
				return cfg
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "server.port", Message: "must be between 1 and 65535", Value: 99999},
		{Field: "log.level", Message: "must be one of [debug info warn error]", Value: "trace"},
	}

	errMsg := errs.Error()
	if errMsg == "" {
		t.Error("expected error message")
	}

	if errMsg == "no validation errors" {
		t.Error("expected error details")
	}
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		App: AppConfig{
			Name:        "test",
			Environment: "development",
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}

	s := cfg.String()
	if s == "" {
		t.Error("expected non-empty string representation")
	}
}

func TestDurationParsing(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTP.ReadTimeout != 30*time.Second {
		t.Errorf("expected read timeout 30s, got %v", cfg.Server.HTTP.ReadTimeout)
	}

	if cfg.Provider.Retry.InitialBackoff != 500*time.Millisecond {
		t.Errorf("expected initial backoff 500ms, got %v", cfg.Provider.Retry.InitialBackoff)
	}
}

func TestLoader_Get(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil) // Load defaults

	// Test Get
	val := loader.Get("app.name")
	if val == nil {
		t.Error("expected non-nil value for app.name")
	}

	// Test GetString
	str := loader.GetString("app.name")
	if str != "doppeld" {
		t.Errorf("expected 'doppeld', got '%s'", str)
	}

	// Test GetInt
	port := loader.GetInt("server.port")
	if port != 8080 {
		t.Errorf("expected 8080, got %d", port)
	}

	// Test GetBool
	enabled := loader.GetBool("metrics.enabled")
	if !enabled {
		t.Error("expected metrics.enabled to be true")
	}
}

func TestLoader_Set(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	err := loader.Set("app.name", "custom-app")
	if err != nil {
		t.Errorf("unexpected error setting value: %v", err)
	}

	if loader.GetString("app.name") != "custom-app" {
		t.Errorf("expected 'custom-app', got '%s'", loader.GetString("app.name"))
	}
}

func TestLoader_Print(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	output := loader.Print()
	if output == "" {
		t.Error("expected non-empty print output")
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadOrDie(t *testing.T) {
	cfg := LoadOrDie("", nil)
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for invalid config file")
		}
	}()

	LoadOrDie("/nonexistent/path/config.yaml", nil)
}

func TestLoader_LoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
app:
  name: yaml-test
  environment: production
server:
  port: 9999
log:
  level: debug
  format: text
retrieval:
  semantic_weight: 0.6
  lexical_weight: 0.3
  recency_weight: 0.1
  top_k: 10
pipeline:
  candidates: 16
  repair_threshold_low: 0.3
  repair_threshold_mid: 0.5
  repair_threshold_high: 0.7
persona:
  strict_nickname: "宝贝"
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "yaml-test" {
		t.Errorf("expected 'yaml-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected 9999, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected 'debug', got '%s'", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected 'text', got '%s'", cfg.Log.Format)
	}
	if cfg.Retrieval.SemanticWeight != 0.6 {
		t.Errorf("expected semantic weight 0.6, got %f", cfg.Retrieval.SemanticWeight)
	}
	if cfg.Retrieval.TopK != 10 {
		t.Errorf("expected top_k 10, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Pipeline.Candidates != 16 {
		t.Errorf("expected candidates 16, got %d", cfg.Pipeline.Candidates)
	}
	if cfg.Persona.StrictNickname != "宝贝" {
		t.Errorf("unexpected strict nickname %s", cfg.Persona.StrictNickname)
	}

	// Defaults should survive partial overrides
	if cfg.Pipeline.RerankTopK != 6 {
		t.Errorf("expected default rerank_top_k 6, got %d", cfg.Pipeline.RerankTopK)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	jsonContent := `{
		"app": {
			"name": "json-test",
			"environment": "staging"
		},
		"server": {
			"port": 8888
		},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`
	if err := os.WriteFile(configPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "json-test" {
		t.Errorf("expected 'json-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected 8888, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected 'warn', got '%s'", cfg.Log.Level)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	loader := NewLoader()

	_, err := loader.Load("/nonexistent/config.yaml", nil)
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	if err := os.WriteFile(configPath, []byte("app = 'test'"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	_, err := loader.Load(configPath, nil)
	if err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_EnvVars(t *testing.T) {
	if err := os.Setenv("DOPPELD_APP_NAME", "env-test"); err != nil {
		t.Skipf("cannot set environment variable: %v", err)
	}
	if err := os.Setenv("DOPPELD_SERVER_PORT", "7777"); err != nil {
		t.Skipf("cannot set environment variable: %v", err)
	}
	if err := os.Setenv("DOPPELD_LOG_LEVEL", "error"); err != nil {
		t.Skipf("cannot set environment variable: %v", err)
	}
	defer func() {
		os.Unsetenv("DOPPELD_APP_NAME")
		os.Unsetenv("DOPPELD_SERVER_PORT")
		os.Unsetenv("DOPPELD_LOG_LEVEL")
	}()

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	// Verify defaults are loaded
	if cfg.App.Name == "" {
		t.Error("expected non-empty app name")
	}
}

func TestLoader_Overrides(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load("", map[string]interface{}{
		"server.port": 9090,
		"log.level":   "debug",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected overridden port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected overridden level debug, got %s", cfg.Log.Level)
	}
}

func TestValidation_InvalidPort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"valid port 80", 80, false},
		{"valid port 8080", 8080, false},
		{"valid port 65535", 65535, false},
		{"invalid port 0", 0, true},
		{"invalid port -1", -1, true},
		{"invalid port 65536", 65536, true},
		{"invalid port 99999", 99999, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("port %d: expected error=%v, got error=%v", tt.port, tt.wantErr, err)
			}
		})
	}
}

func TestCustomValidators(t *testing.T) {
	t.Run("validateEnvironment", func(t *testing.T) {
		validEnvs := []string{"development", "staging", "production"}
		for _, env := range validEnvs {
			cfg := DefaultConfig()
			cfg.App.Environment = env
			if err := cfg.Validate(); err != nil {
				t.Errorf("environment '%s' should be valid, got error: %v", env, err)
			}
		}

		cfg := DefaultConfig()
		cfg.App.Environment = "invalid-env"
		if err := cfg.Validate(); err == nil {
			t.Error("invalid environment should fail validation")
		}
	})
}
