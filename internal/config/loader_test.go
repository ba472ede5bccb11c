package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path := writeConfig(t, `
server:
  http_port: 9300
queue:
  lease_timeout: 10m
  max_attempts: 5
phases:
  order: [discovery, build]
  approval_required: [discovery]
  required_artifacts:
    discovery: ["docs/discovery/"]
    build: ["src/"]
memory:
  prune_quality: 0.35
`, 0o600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}

	if cfg.Server.Port != 9300 {
		t.Errorf("Server.Port = %d, want 9300", cfg.Server.Port)
	}
	if cfg.Queue.LeaseTimeout.Duration() != 10*time.Minute {
		t.Errorf("Queue.LeaseTimeout = %v", cfg.Queue.LeaseTimeout.Duration())
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("Queue.MaxAttempts = %d", cfg.Queue.MaxAttempts)
	}
	if len(cfg.Phases.Order) != 2 || cfg.Phases.Order[0] != "discovery" {
		t.Errorf("Phases.Order = %v", cfg.Phases.Order)
	}
	if got := cfg.Phases.RequiredArtifacts["build"]; len(got) != 1 || got[0] != "src/" {
		t.Errorf("RequiredArtifacts[build] = %v", got)
	}
	if cfg.Memory.PruneQuality != 0.35 {
		t.Errorf("Memory.PruneQuality = %v", cfg.Memory.PruneQuality)
	}
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SERVER_HTTP_PORT", "9400")

	path := writeConfig(t, "server:\n  http_port: 9300\n", 0o600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Server.Port != 9400 {
		t.Errorf("Server.Port = %d, want env value 9400", cfg.Server.Port)
	}
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestLoadWithFile_RejectsWorldWritable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	t.Setenv("HOME", t.TempDir())

	path := writeConfig(t, "server:\n  http_port: 9300\n", 0o600)
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "insecure config file permissions") {
		t.Fatalf("LoadWithFile() error = %v, want permission error", err)
	}
}

func TestLoadWithFile_RejectsInvalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path := writeConfig(t, "vectorstore:\n  provider: nope\n", 0o600)
	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "config validation failed") {
		t.Fatalf("LoadWithFile() error = %v, want validation error", err)
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"SERVER_HTTP_PORT":    "server.http_port",
		"QUEUE_LEASE_TIMEOUT": "queue.lease_timeout",
		"HOME":                "",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
