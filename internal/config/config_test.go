package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test in an empty directory so a developer's .env or
// config.yaml cannot leak in.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoad_SQLiteDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_DRIVER", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Store.DSN() != "gateway.db" {
		t.Errorf("DSN = %q, want gateway.db", cfg.Store.DSN())
	}
	if cfg.Upstream.URL != "https://api.atlassian.com/ai/chat/completions" {
		t.Errorf("Upstream.URL = %q", cfg.Upstream.URL)
	}
	if cfg.Upstream.AttemptTimeout != 30*time.Second {
		t.Errorf("AttemptTimeout = %s", cfg.Upstream.AttemptTimeout)
	}
	if cfg.Credentials.Ordering != "store" || cfg.Credentials.FailureCooldown != time.Minute {
		t.Errorf("unexpected credential config %+v", cfg.Credentials)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.Upstream.ModelAliases != nil {
		t.Errorf("expected no aliases, got %v", cfg.Upstream.ModelAliases)
	}
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}

	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/gw?sslmode=disable")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.DSN() != "postgres://u:p@localhost:5432/gw?sslmode=disable" {
		t.Errorf("DSN = %q", cfg.Store.DSN())
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"driver", map[string]string{"STORE_DRIVER": "mysql"}, "STORE_DRIVER"},
		{"log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"ordering", map[string]string{"CREDENTIAL_ORDERING": "random"}, "CREDENTIAL_ORDERING"},
		{"timeout", map[string]string{"ATTEMPT_TIMEOUT": "0s"}, "ATTEMPT_TIMEOUT"},
		{"rpm without redis", map[string]string{"RPM_LIMIT": "10"}, "REDIS_URL"},
		{"aliases", map[string]string{"MODEL_ALIASES": "gpt-4"}, "MODEL_ALIASES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			isolate(t)
			t.Setenv("STORE_DRIVER", "sqlite")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_HealthOrderingZeroCooldown(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("CREDENTIAL_ORDERING", "health")
	t.Setenv("CREDENTIAL_FAILURE_COOLDOWN", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Credentials.Ordering != "health" || cfg.Credentials.FailureCooldown != 0 {
		t.Errorf("credential config = %+v, want health with 0 cooldown", cfg.Credentials)
	}
}

func TestLoad_ModelAliasesFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("MODEL_ALIASES", "gpt-4o = gpt-4o-2024-08-06, fast=gpt-4o-mini,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := map[string]string{"gpt-4o": "gpt-4o-2024-08-06", "fast": "gpt-4o-mini"}
	if len(cfg.Upstream.ModelAliases) != len(want) {
		t.Fatalf("aliases = %v, want %v", cfg.Upstream.ModelAliases, want)
	}
	for k, v := range want {
		if cfg.Upstream.ModelAliases[k] != v {
			t.Errorf("alias %q = %q, want %q", k, cfg.Upstream.ModelAliases[k], v)
		}
	}
}

func TestLoad_DotEnv(t *testing.T) {
	isolate(t)
	// gotenv does not override variables that are already set, so make sure
	// these are unset for the duration of the test.
	for _, k := range []string{"STORE_DRIVER", "SQLITE_PATH", "PORT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range []string{"STORE_DRIVER", "SQLITE_PATH", "PORT"} {
			os.Unsetenv(k)
		}
	})

	env := "STORE_DRIVER=sqlite\nSQLITE_PATH=/tmp/relay.db\nPORT=9090\n"
	if err := os.WriteFile(filepath.Join(".", ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || cfg.Store.SQLitePath != "/tmp/relay.db" {
		t.Errorf("dotenv values not applied: port=%d path=%q", cfg.Port, cfg.Store.SQLitePath)
	}
}

func TestLoadDotEnv_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := loadDotEnv(dir); err == nil {
		t.Fatal("expected error when .env is a directory")
	}
}
