package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"TASKCRON_NAME", "TASKCRON_VERSION", "TASKCRON_ADDRESS", "TASKCRON_PORT",
		"TASKCRON_TRANSPORT", "TASKCRON_DB_PATH", "TASKCRON_LOG_LEVEL",
		"TASKCRON_LOG_FILE", "TASKCRON_CHECK_INTERVAL", "TASKCRON_EXECUTION_TIMEOUT",
		"TASKCRON_AI_MODEL", "OPENAI_API_KEY", "TASKCRON_DISCOVERY",
	}
	for _, key := range keys {
		// t.Setenv registers the restore; unset for a clean read.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg := FromEnv()
	if cfg.ServerName != "taskcron" {
		t.Fatalf("name = %q", cfg.ServerName)
	}
	if cfg.ServerPort != 8080 {
		t.Fatalf("port = %d", cfg.ServerPort)
	}
	if cfg.Transport != "stdio" {
		t.Fatalf("transport = %q", cfg.Transport)
	}
	if cfg.DBPath != "scheduler.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.CheckInterval != 5*time.Second {
		t.Fatalf("check interval = %v", cfg.CheckInterval)
	}
	if cfg.ExecutionTimeout != 300*time.Second {
		t.Fatalf("execution timeout = %v", cfg.ExecutionTimeout)
	}
	if cfg.AIModel != "gpt-4o" {
		t.Fatalf("ai model = %q", cfg.AIModel)
	}
	if cfg.DiscoveryPort() != 8081 {
		t.Fatalf("discovery port = %d", cfg.DiscoveryPort())
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)

	t.Setenv("TASKCRON_NAME", "cron-prod")
	t.Setenv("TASKCRON_PORT", "9000")
	t.Setenv("TASKCRON_TRANSPORT", "sse")
	t.Setenv("TASKCRON_DB_PATH", "/var/lib/taskcron/tasks.db")
	t.Setenv("TASKCRON_CHECK_INTERVAL", "30")
	t.Setenv("TASKCRON_EXECUTION_TIMEOUT", "60")
	t.Setenv("TASKCRON_AI_MODEL", "gpt-4o-mini")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TASKCRON_DISCOVERY", "false")

	cfg := FromEnv()
	if cfg.ServerName != "cron-prod" {
		t.Fatalf("name = %q", cfg.ServerName)
	}
	if cfg.ServerPort != 9000 || cfg.DiscoveryPort() != 9001 {
		t.Fatalf("ports = %d/%d", cfg.ServerPort, cfg.DiscoveryPort())
	}
	if cfg.Transport != "sse" {
		t.Fatalf("transport = %q", cfg.Transport)
	}
	if cfg.DBPath != "/var/lib/taskcron/tasks.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.CheckInterval != 30*time.Second {
		t.Fatalf("check interval = %v", cfg.CheckInterval)
	}
	if cfg.ExecutionTimeout != time.Minute {
		t.Fatalf("execution timeout = %v", cfg.ExecutionTimeout)
	}
	if cfg.AIModel != "gpt-4o-mini" {
		t.Fatalf("ai model = %q", cfg.AIModel)
	}
	if cfg.OpenAIAPIKey != "sk-test" {
		t.Fatal("api key not read")
	}
	if cfg.DiscoveryEnabled {
		t.Fatal("discovery should be disabled")
	}
}

func TestFromEnvBadIntFallsBack(t *testing.T) {
	clearEnv(t)

	t.Setenv("TASKCRON_PORT", "not-a-number")
	t.Setenv("TASKCRON_CHECK_INTERVAL", "soon")

	cfg := FromEnv()
	if cfg.ServerPort != 8080 {
		t.Fatalf("port = %d, want default on bad value", cfg.ServerPort)
	}
	if cfg.CheckInterval != 5*time.Second {
		t.Fatalf("check interval = %v, want default on bad value", cfg.CheckInterval)
	}
}

func TestDiscoveryToggleValues(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"yes", true},
		{"false", false},
		{"0", false},
		{"anything-else", false},
	}
	for _, tt := range tests {
		t.Setenv("TASKCRON_DISCOVERY", tt.value)
		if got := FromEnv().DiscoveryEnabled; got != tt.want {
			t.Fatalf("TASKCRON_DISCOVERY=%q -> %v, want %v", tt.value, got, tt.want)
		}
	}
}
