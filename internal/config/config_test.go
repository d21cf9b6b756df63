package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.HorizonDays != DefaultHorizonDays {
		t.Errorf("horizon_days = %d, want %d", cfg.HorizonDays, DefaultHorizonDays)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Error("default config file was not written")
	}
}

func TestLoadReadsExisting(t *testing.T) {
	dir := t.TempDir()
	content := "api_addr: 127.0.0.1:9999\nlog_level: debug\nhorizon_days: 30\n"
	if err := os.WriteFile(Path(dir), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:9999" {
		t.Errorf("api_addr = %q", cfg.APIAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.HorizonDays != 30 {
		t.Errorf("horizon_days = %d", cfg.HorizonDays)
	}
}

func TestLoadRejectsBadYaml(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(Path(dir), []byte(":\n bad"), 0600)

	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("KEY_SECRET_FILE_NAME", "/keys/oracle.sec")
	t.Setenv("KEY_SECRET_PWD", "hunter2")
	t.Setenv("DB_DIR", "/data/oracle")
	t.Setenv("HORIZON_DAYS", "45")
	t.Setenv("DEMO_MODE", "1")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.KeySecretFile != "/keys/oracle.sec" {
		t.Errorf("key_secret_file = %q", cfg.KeySecretFile)
	}
	if cfg.KeySecretPwd != "hunter2" {
		t.Errorf("key_secret_pwd = %q", cfg.KeySecretPwd)
	}
	if cfg.DataDir != "/data/oracle" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.HorizonDays != 45 {
		t.Errorf("horizon_days = %d", cfg.HorizonDays)
	}
	if !cfg.DemoMode {
		t.Error("demo_mode not enabled")
	}
}

func TestApplyEnvIgnoresInvalidHorizon(t *testing.T) {
	t.Setenv("HORIZON_DAYS", "not-a-number")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.HorizonDays != DefaultHorizonDays {
		t.Errorf("horizon_days = %d, want default", cfg.HorizonDays)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty api addr", func(c *Config) { c.APIAddr = "" }},
		{"zero horizon", func(c *Config) { c.HorizonDays = 0 }},
		{"empty secret file", func(c *Config) { c.KeySecretFile = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestSecretFilePath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"

	cfg.KeySecretFile = "secret.sec"
	if got := cfg.SecretFilePath(); got != filepath.Join("/data", "secret.sec") {
		t.Errorf("relative path = %q", got)
	}

	cfg.KeySecretFile = "/keys/s.sec"
	if got := cfg.SecretFilePath(); got != "/keys/s.sec" {
		t.Errorf("absolute path = %q", got)
	}
}
