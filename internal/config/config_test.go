package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 18080 {
		t.Errorf("port = %d, want default 18080", cfg.Server.Port)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Janitor.Cron != "* * * * *" {
		t.Errorf("janitor cron = %q", cfg.Janitor.Cron)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// JSON5: comments and trailing commas are legal.
	content := `{
		// local tuning
		server: {port: 9999},
		buffer: {window_seconds: 5,},
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999 from file", cfg.Server.Port)
	}
	if cfg.Buffer.WindowSeconds != 5 {
		t.Errorf("window = %d, want 5 from file", cfg.Buffer.WindowSeconds)
	}
	if cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want default preserved", cfg.AI.Model)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{server: {port: 9999}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEADPULSE_PORT", "7777")
	t.Setenv("LEADPULSE_POSTGRES_DSN", "postgres://env-only")
	t.Setenv("LEADPULSE_REACTIVATION_KEYWORDS", "hola,volver")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want env value 7777", cfg.Server.Port)
	}
	if cfg.Database.PostgresDSN != "postgres://env-only" {
		t.Errorf("dsn = %q, want env value", cfg.Database.PostgresDSN)
	}
	got := cfg.Orchestrator.ReactivationKeywords
	if len(got) != 2 || got[0] != "hola" || got[1] != "volver" {
		t.Errorf("keywords = %v, want split env list", got)
	}
}

func TestSecretsNeverComeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{database: {PostgresDSN: "postgres://file"}, ai: {APIKey: "sk-file"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.PostgresDSN != "" {
		t.Errorf("dsn = %q, want empty (file values ignored)", cfg.Database.PostgresDSN)
	}
	if cfg.AI.APIKey != "" {
		t.Errorf("api key = %q, want empty (file values ignored)", cfg.AI.APIKey)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	if got := cfg.ListenAddr(); got != "0.0.0.0:18080" {
		t.Errorf("ListenAddr() = %q", got)
	}
}
