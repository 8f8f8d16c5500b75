// Package config provides configuration management for doppeld.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for doppeld.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Provider is the generation/embedding provider configuration.
	Provider ProviderConfig `mapstructure:"provider"`

	// Retrieval is the hybrid retrieval configuration.
	Retrieval RetrievalConfig `mapstructure:"retrieval"`

	// Temporal is the conversation time-awareness configuration.
	Temporal TemporalConfig `mapstructure:"temporal"`

	// Persona is the persona profile configuration.
	Persona PersonaConfig `mapstructure:"persona"`

	// Pipeline is the reply generation pipeline configuration.
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server tuning configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// WebSocket is the streaming endpoint configuration.
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds the handling of a single request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// ExposedHeaders is the list of headers exposed to the client.
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// WebSocketConfig holds the bubble streaming endpoint settings.
type WebSocketConfig struct {
	// Enabled enables the /ws/chat endpoint.
	Enabled bool `mapstructure:"enabled"`

	// MaxConnections caps concurrent streaming clients.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// PingInterval is the interval between keepalive pings.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// PongTimeout is how long to wait for a pong before dropping.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// IndexDir is the directory for vector index snapshots.
	IndexDir string `mapstructure:"index_dir"`

	// CacheSize is the in-process hot cache capacity (entries).
	CacheSize int `mapstructure:"cache_size" validate:"min=0"`

	// ChatDataPath is the bootstrap chat export to ingest on first start.
	ChatDataPath string `mapstructure:"chat_data_path"`

	// AllowBootstrapIngest permits ingesting the chat export when
	// the segment store is empty.
	AllowBootstrapIngest bool `mapstructure:"allow_bootstrap_ingest"`

	// BootstrapTargetSender is the sender name in the chat export whose
	// messages become the assistant role during bootstrap ingestion.
	BootstrapTargetSender string `mapstructure:"bootstrap_target_sender"`

	// BootstrapUserAliases are additional sender names folded into the
	// user role during bootstrap ingestion.
	BootstrapUserAliases []string `mapstructure:"bootstrap_user_aliases"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// InMemory runs Badger without disk persistence (tests).
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`
}

// ProviderConfig holds generation and embedding provider settings.
type ProviderConfig struct {
	// APIKey is the Gemini API key.
	APIKey string `mapstructure:"api_key"`

	// Model is the preferred generation model.
	Model string `mapstructure:"model"`

	// FallbackModels are tried in order when the preferred model
	// is unavailable.
	FallbackModels []string `mapstructure:"fallback_models"`

	// EmbeddingModel is the embedding model name.
	EmbeddingModel string `mapstructure:"embedding_model"`

	// EmbeddingDim is the expected embedding dimensionality.
	EmbeddingDim int `mapstructure:"embedding_dim" validate:"min=1"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Retry is the retry/backoff configuration.
	Retry RetryConfig `mapstructure:"retry"`

	// RateLimit caps outbound provider requests per second.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`

	// RateBurst is the rate limiter burst size.
	RateBurst int `mapstructure:"rate_burst" validate:"min=0"`
}

// RetryConfig holds retry/backoff settings for provider calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first).
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// RetrievalConfig holds hybrid retrieval fusion settings.
type RetrievalConfig struct {
	// SemanticWeight is the fused score weight for cosine similarity.
	SemanticWeight float64 `mapstructure:"semantic_weight" validate:"min=0,max=1"`

	// LexicalWeight is the fused score weight for BM25 rank.
	LexicalWeight float64 `mapstructure:"lexical_weight" validate:"min=0,max=1"`

	// RecencyWeight is the fused score weight for anchor recency.
	RecencyWeight float64 `mapstructure:"recency_weight" validate:"min=0,max=1"`

	// SemanticPool is how many nearest neighbours feed the fusion pool.
	SemanticPool int `mapstructure:"semantic_pool" validate:"min=1"`

	// LexicalPool is how many BM25 hits feed the fusion pool.
	LexicalPool int `mapstructure:"lexical_pool" validate:"min=1"`

	// TopK is how many fused segments are returned.
	TopK int `mapstructure:"top_k" validate:"min=1"`

	// MaxSegmentChars is the character budget when rendering a segment.
	MaxSegmentChars int `mapstructure:"max_segment_chars" validate:"min=1"`

	// DynamicWindow widens the line window around the anchor for
	// short segments.
	DynamicWindow bool `mapstructure:"dynamic_window"`

	// DynamicWindowExtra is how many extra lines a widened window adds.
	DynamicWindowExtra int `mapstructure:"dynamic_window_extra" validate:"min=0"`
}

// TemporalConfig holds conversation time-awareness settings.
type TemporalConfig struct {
	// Timezone is the IANA timezone for part-of-day phrasing.
	Timezone string `mapstructure:"timezone"`

	// AckCooldown is the minimum interval between time acknowledgements.
	AckCooldown time.Duration `mapstructure:"ack_cooldown"`

	// GapRecent is the upper bound of the immediate gap bucket.
	GapRecent time.Duration `mapstructure:"gap_recent" validate:"min=0"`

	// GapSameDay is the upper bound of the same-day gap bucket.
	GapSameDay time.Duration `mapstructure:"gap_same_day" validate:"min=0"`

	// GapTwoDays is the upper bound of the within-two-days gap bucket
	// and the floor for time acknowledgements.
	GapTwoDays time.Duration `mapstructure:"gap_two_days" validate:"min=0"`

	// GapWeek is the upper bound of the within-week gap bucket.
	GapWeek time.Duration `mapstructure:"gap_week" validate:"min=0"`
}

// PersonaConfig holds persona profile settings.
type PersonaConfig struct {
	// DefaultKey is the persona served when a request names none.
	DefaultKey string `mapstructure:"default_key"`

	// StrictNickname is the only nickname the persona may use.
	StrictNickname string `mapstructure:"strict_nickname"`

	// ForbiddenNicknames are scrubbed from generated bubbles.
	ForbiddenNicknames []string `mapstructure:"forbidden_nicknames"`

	// CacheTTL bounds how long a flattened profile is served from cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// CandidateMinSamples is how many feedback samples a phrase bucket
	// needs before promotion is considered.
	CandidateMinSamples int `mapstructure:"candidate_min_samples" validate:"min=1"`

	// CandidateMinPhraseFreq is the minimum phrase frequency for promotion.
	CandidateMinPhraseFreq int `mapstructure:"candidate_min_phrase_freq" validate:"min=1"`

	// AdaptiveTopPhrasesLimit caps the adaptive phrase list.
	AdaptiveTopPhrasesLimit int `mapstructure:"adaptive_top_phrases_limit" validate:"min=1"`
}

// PipelineConfig holds reply generation pipeline settings.
type PipelineConfig struct {
	// Candidates is the default number of candidates requested from
	// the planner.
	Candidates int `mapstructure:"candidates" validate:"min=1"`

	// RerankTopK is how many scored candidates the critic sees.
	RerankTopK int `mapstructure:"rerank_top_k" validate:"min=1"`

	// RecentMessages is how many log messages the context frame keeps.
	RecentMessages int `mapstructure:"recent_messages" validate:"min=1"`

	// AnchorChars truncates the anchor message in the context frame.
	AnchorChars int `mapstructure:"anchor_chars" validate:"min=1"`

	// OnlineMemoryDays bounds the online memory lookback.
	OnlineMemoryDays int `mapstructure:"online_memory_days" validate:"min=1"`

	// EnableOfftopicPenalty toggles the off-topic score penalty.
	EnableOfftopicPenalty bool `mapstructure:"enable_offtopic_penalty"`

	// EnableRepairPass toggles the single repair attempt.
	EnableRepairPass bool `mapstructure:"enable_repair_pass"`

	// EnablePersonaGuard toggles the persona drift penalty.
	EnablePersonaGuard bool `mapstructure:"enable_persona_guard"`

	// OfftopicPenaltyWeight scales the off-topic penalty.
	OfftopicPenaltyWeight float64 `mapstructure:"offtopic_penalty_weight" validate:"min=0,max=1"`

	// RepairThresholdLow: below it the pipeline falls back.
	RepairThresholdLow float64 `mapstructure:"repair_threshold_low" validate:"min=0,max=1"`

	// RepairThresholdMid: below it a repair attempt runs.
	RepairThresholdMid float64 `mapstructure:"repair_threshold_mid" validate:"min=0,max=1"`

	// RepairThresholdHigh: at or above it the draft ships as-is.
	RepairThresholdHigh float64 `mapstructure:"repair_threshold_high" validate:"min=0,max=1"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter kind (otlp).
	Exporter string `mapstructure:"exporter"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds a single export batch.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are extra headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (ratio, always_on, always_off).
	Sampler string `mapstructure:"sampler"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s}",
		c.App.Name, c.Server.Port, c.App.Environment)
}
