package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Queue.LeaseTimeout.Duration() != 30*time.Minute {
		t.Errorf("Queue.LeaseTimeout = %v, want 30m", cfg.Queue.LeaseTimeout.Duration())
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.VectorStore.Provider != "chromem" {
		t.Errorf("VectorStore.Provider = %q, want chromem", cfg.VectorStore.Provider)
	}
	if cfg.Completion.Provider != "exec" || cfg.Completion.Command != "claude" {
		t.Errorf("Completion = %+v, want exec/claude", cfg.Completion)
	}
	if strings.HasPrefix(cfg.Store.Path, "~") {
		t.Errorf("Store.Path = %q, want home expanded", cfg.Store.Path)
	}
	if !strings.HasSuffix(cfg.Memory.ScrubAllowList, "allowlist.toml") || strings.HasPrefix(cfg.Memory.ScrubAllowList, "~") {
		t.Errorf("Memory.ScrubAllowList = %q, want expanded allowlist.toml", cfg.Memory.ScrubAllowList)
	}
	if len(cfg.Phases.Order) != 0 {
		t.Errorf("Phases.Order = %v, want empty (built-in sequence)", cfg.Phases.Order)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SERVER_HTTP_PORT", "8088")
	t.Setenv("QUEUE_LEASE_TIMEOUT", "90s")
	t.Setenv("WORKER_CONCURRENCY", "6")
	t.Setenv("STORE_PATH", "/tmp/phased-test.db")
	t.Setenv("NATS_ENABLED", "true")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %d, want 8088", cfg.Server.Port)
	}
	if cfg.Queue.LeaseTimeout.Duration() != 90*time.Second {
		t.Errorf("Queue.LeaseTimeout = %v, want 90s", cfg.Queue.LeaseTimeout.Duration())
	}
	if cfg.Worker.Concurrency != 6 {
		t.Errorf("Worker.Concurrency = %d, want 6", cfg.Worker.Concurrency)
	}
	if cfg.Store.Path != "/tmp/phased-test.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if !cfg.NATS.Enabled {
		t.Error("NATS.Enabled = false, want true")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "unknown vectorstore",
			mutate:  func(c *Config) { c.VectorStore.Provider = "pinecone" },
			wantErr: "unknown vectorstore provider",
		},
		{
			name:    "unknown scrub engine",
			mutate:  func(c *Config) { c.Memory.ScrubEngine = "trufflehog" },
			wantErr: "unknown memory scrub_engine",
		},
		{
			name:   "hash embeddings are valid",
			mutate: func(c *Config) { c.Embeddings.Provider = "hash" },
		},
		{
			name:    "retry delays inverted",
			mutate:  func(c *Config) { c.Queue.RetryMaxDelay = Duration(time.Second) },
			wantErr: "retry_max_delay",
		},
		{
			name: "duplicate phase",
			mutate: func(c *Config) {
				c.Phases.Order = []string{"a", "b", "a"}
			},
			wantErr: "duplicate phase",
		},
		{
			name: "approval names unknown phase",
			mutate: func(c *Config) {
				c.Phases.Order = []string{"a", "b"}
				c.Phases.ApprovalRequired = []string{"c"}
			},
			wantErr: "unknown phase",
		},
		{
			name: "llm provider needs model",
			mutate: func(c *Config) {
				c.Completion.Provider = "openai"
				c.Completion.Model = ""
			},
			wantErr: "completion model required",
		},
		{
			name: "nats enabled without url",
			mutate: func(c *Config) {
				c.NATS.Enabled = true
			},
			wantErr: "nats url required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-live-123")
	if s.String() != "[REDACTED]" {
		t.Errorf("String() = %q", s.String())
	}
	if s.Value() != "sk-live-123" {
		t.Errorf("Value() = %q", s.Value())
	}
	b, err := s.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"[REDACTED]"` {
		t.Errorf("MarshalJSON() = %s", b)
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v", d.Duration())
	}
	if err := d.UnmarshalText([]byte("-5s")); err == nil {
		t.Error("negative duration accepted")
	}
}
