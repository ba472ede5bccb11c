// Package config provides configuration loading for phased.
//
// Configuration is assembled from built-in defaults, an optional YAML file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete phased configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Queue         QueueConfig         `koanf:"queue"`
	Worker        WorkerConfig        `koanf:"worker"`
	Memory        MemoryConfig        `koanf:"memory"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Qdrant        QdrantConfig        `koanf:"qdrant"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Completion    CompletionConfig    `koanf:"completion"`
	Phases        PhasesConfig        `koanf:"phases"`
	NATS          NATSConfig          `koanf:"nats"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	Host            string   `koanf:"http_host"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds the structured store (SQLite) configuration.
type StoreConfig struct {
	Path         string   `koanf:"path"`
	BusyTimeout  Duration `koanf:"busy_timeout"`
	MaxOpenConns int      `koanf:"max_open_conns"`
}

// QueueConfig holds task queue, liveness and retry settings.
type QueueConfig struct {
	LeaseTimeout     Duration `koanf:"lease_timeout"`
	PollInterval     Duration `koanf:"poll_interval"`
	MaxAttempts      int      `koanf:"max_attempts"`
	RetryBaseDelay   Duration `koanf:"retry_base_delay"`
	RetryMaxDelay    Duration `koanf:"retry_max_delay"`
	Retention        Duration `koanf:"retention"`
	MaxContinuations int      `koanf:"max_continuations"`
}

// WorkerConfig holds worker runtime settings.
type WorkerConfig struct {
	Concurrency  int      `koanf:"concurrency"`
	Timeout      Duration `koanf:"timeout"`
	PollInterval Duration `koanf:"poll_interval"`
	Agents       []string `koanf:"agents"`
}

// MemoryConfig holds memory subsystem settings.
type MemoryConfig struct {
	TTL             Duration `koanf:"ttl"`
	PruneQuality    float64  `koanf:"prune_quality"`
	SearchLimit     int      `koanf:"search_limit"`
	InsightLimit    int      `koanf:"insight_limit"`
	RecencyHalfLife Duration `koanf:"recency_half_life"`
	DisableScrub    bool     `koanf:"disable_scrub"`
	// ScrubEngine selects the secret detector: "regex" or "gitleaks".
	ScrubEngine string `koanf:"scrub_engine"`
	// ScrubAllowList is a gitleaks-style TOML file whose [allowlist]
	// patterns are never redacted. A missing file is ignored.
	ScrubAllowList string `koanf:"scrub_allow_list"`
}

// VectorStoreConfig selects and configures the vector index backend.
type VectorStoreConfig struct {
	Provider    string `koanf:"provider"`
	ChromemPath string `koanf:"chromem_path"`
	Compress    bool   `koanf:"compress"`
	VectorSize  int    `koanf:"vector_size"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// CompletionConfig holds the completion provider settings.
type CompletionConfig struct {
	Provider          string   `koanf:"provider"`
	Command           string   `koanf:"command"`
	Args              []string `koanf:"args"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
}

// PhasesConfig overrides the built-in phase definition. An empty Order keeps
// the built-in sequence.
type PhasesConfig struct {
	Order             []string            `koanf:"order"`
	RequiredArtifacts map[string][]string `koanf:"required_artifacts"`
	ApprovalRequired  []string            `koanf:"approval_required"`
	Roles             map[string][]string `koanf:"roles"`
}

// NATSConfig holds event bus settings.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// RedactFields adds field names to the built-in redaction list.
	RedactFields    []string `koanf:"redact_fields"`
	DisableSampling bool     `koanf:"disable_sampling"`
}

// Load loads configuration from environment variables on top of defaults.
func Load() (*Config, error) {
	return load(nil)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store path required"))
	}
	if c.Queue.LeaseTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("queue lease_timeout must be positive"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue max_attempts must be >= 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.RetryMaxDelay < c.Queue.RetryBaseDelay {
		errs = append(errs, errors.New("queue retry_max_delay must be >= retry_base_delay"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker concurrency must be >= 1, got %d", c.Worker.Concurrency))
	}
	if c.Worker.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("worker timeout must be positive"))
	}
	if c.Memory.PruneQuality < 0 || c.Memory.PruneQuality > 1 {
		errs = append(errs, fmt.Errorf("memory prune_quality must be in [0,1], got %v", c.Memory.PruneQuality))
	}
	switch c.Memory.ScrubEngine {
	case "regex", "gitleaks":
	default:
		errs = append(errs, fmt.Errorf("unknown memory scrub_engine %q", c.Memory.ScrubEngine))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider))
	}
	switch c.Embeddings.Provider {
	case "fastembed", "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}
	switch c.Completion.Provider {
	case "exec":
		if c.Completion.Command == "" {
			errs = append(errs, errors.New("completion command required for exec provider"))
		}
	case "openai", "anthropic":
		if c.Completion.Model == "" {
			errs = append(errs, errors.New("completion model required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown completion provider %q", c.Completion.Provider))
	}

	if len(c.Phases.Order) > 0 {
		seen := make(map[string]bool, len(c.Phases.Order))
		for _, p := range c.Phases.Order {
			if seen[p] {
				errs = append(errs, fmt.Errorf("duplicate phase %q", p))
			}
			seen[p] = true
		}
		for _, p := range c.Phases.ApprovalRequired {
			if !seen[p] {
				errs = append(errs, fmt.Errorf("approval_required names unknown phase %q", p))
			}
		}
		for p := range c.Phases.RequiredArtifacts {
			if !seen[p] {
				errs = append(errs, fmt.Errorf("required_artifacts names unknown phase %q", p))
			}
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats url required when nats is enabled"))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability sample_rate must be in [0,1], got %v", c.Observability.SampleRate))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.local/share/phased/phased.db"
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = Duration(5 * time.Second)
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 4
	}

	if cfg.Queue.LeaseTimeout == 0 {
		cfg.Queue.LeaseTimeout = Duration(30 * time.Minute)
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = Duration(5 * time.Second)
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.RetryBaseDelay == 0 {
		cfg.Queue.RetryBaseDelay = Duration(30 * time.Second)
	}
	if cfg.Queue.RetryMaxDelay == 0 {
		cfg.Queue.RetryMaxDelay = Duration(15 * time.Minute)
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = Duration(30 * 24 * time.Hour)
	}
	if cfg.Queue.MaxContinuations == 0 {
		cfg.Queue.MaxContinuations = 3
	}

	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 2
	}
	if cfg.Worker.Timeout == 0 {
		cfg.Worker.Timeout = Duration(20 * time.Minute)
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = Duration(2 * time.Second)
	}

	if cfg.Memory.TTL == 0 {
		cfg.Memory.TTL = Duration(90 * 24 * time.Hour)
	}
	if cfg.Memory.PruneQuality == 0 {
		cfg.Memory.PruneQuality = 0.2
	}
	if cfg.Memory.SearchLimit == 0 {
		cfg.Memory.SearchLimit = 10
	}
	if cfg.Memory.InsightLimit == 0 {
		cfg.Memory.InsightLimit = 5
	}
	if cfg.Memory.RecencyHalfLife == 0 {
		cfg.Memory.RecencyHalfLife = Duration(7 * 24 * time.Hour)
	}
	if cfg.Memory.ScrubEngine == "" {
		cfg.Memory.ScrubEngine = "regex"
	}
	if cfg.Memory.ScrubAllowList == "" {
		cfg.Memory.ScrubAllowList = "~/.config/phased/allowlist.toml"
	}

	// chromem is the default: embedded, no external services
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.ChromemPath == "" {
		cfg.VectorStore.ChromemPath = "~/.local/share/phased/vectorstore"
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}
	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Completion.Provider == "" {
		cfg.Completion.Provider = "exec"
	}
	if cfg.Completion.Provider == "exec" && cfg.Completion.Command == "" {
		cfg.Completion.Command = "claude"
		if len(cfg.Completion.Args) == 0 {
			cfg.Completion.Args = []string{"-p", "--output-format", "json"}
		}
	}
	if cfg.Completion.RequestsPerSecond == 0 {
		cfg.Completion.RequestsPerSecond = 1
	}
	if cfg.Completion.Burst == 0 {
		cfg.Completion.Burst = 2
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "phased"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "phased"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
