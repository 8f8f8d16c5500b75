package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "doppeld",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    120 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  90 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
			WebSocket: WebSocketConfig{
				Enabled:        true,
				MaxConnections: 100,
				PingInterval:   30 * time.Second,
				PongTimeout:    10 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
			},
			IndexDir:             "./data/index",
			CacheSize:            1000,
			ChatDataPath:         "./data/chat_data.json",
			AllowBootstrapIngest: false,
			BootstrapUserAliases: []string{"我"},
		},
		Provider: ProviderConfig{
			Model:          "gemini-3-pro-preview",
			FallbackModels: []string{"gemini-3-pro-preview", "gemini-2.5-flash"},
			EmbeddingModel: "gemini-embedding-001",
			EmbeddingDim:   3072,
			Timeout:        60 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     8 * time.Second,
			},
			RateLimit: 4,
			RateBurst: 8,
		},
		Retrieval: RetrievalConfig{
			SemanticWeight:     0.72,
			LexicalWeight:      0.18,
			RecencyWeight:      0.10,
			SemanticPool:       120,
			LexicalPool:        100,
			TopK:               30,
			MaxSegmentChars:    1200,
			DynamicWindow:      true,
			DynamicWindowExtra: 4,
		},
		Temporal: TemporalConfig{
			Timezone:    "Asia/Shanghai",
			AckCooldown: 24 * time.Hour,
			GapRecent:   10 * time.Minute,
			GapSameDay:  6 * time.Hour,
			GapTwoDays:  48 * time.Hour,
			GapWeek:     7 * 24 * time.Hour,
		},
		Persona: PersonaConfig{
			DefaultKey:              "dxa",
			StrictNickname:          "宝贝",
			ForbiddenNicknames:      []string{"亲亲", "宝宝", "老婆", "老公", "宝子", "乖乖"},
			CacheTTL:                10 * time.Minute,
			CandidateMinSamples:     12,
			CandidateMinPhraseFreq:  2,
			AdaptiveTopPhrasesLimit: 80,
		},
		Pipeline: PipelineConfig{
			Candidates:            12,
			RerankTopK:            6,
			RecentMessages:        8,
			AnchorChars:           180,
			OnlineMemoryDays:      14,
			EnableOfftopicPenalty: true,
			EnableRepairPass:      true,
			EnablePersonaGuard:    true,
			OfftopicPenaltyWeight: 0.22,
			RepairThresholdLow:    0.32,
			RepairThresholdMid:    0.55,
			RepairThresholdHigh:   0.76,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
