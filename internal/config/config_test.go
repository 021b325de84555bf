package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.TerraformPath != defaultTerraformPath {
		t.Errorf("TerraformPath = %q, want %q", cfg.TerraformPath, defaultTerraformPath)
	}
	if cfg.StatePrefix != defaultStatePrefix {
		t.Errorf("StatePrefix = %q, want %q", cfg.StatePrefix, defaultStatePrefix)
	}
	if cfg.LogFlushInterval != 30*time.Second {
		t.Errorf("LogFlushInterval = %v, want 30s", cfg.LogFlushInterval)
	}
	if cfg.MaxConcurrentRuns != defaultMaxConcurrentRuns {
		t.Errorf("MaxConcurrentRuns = %d, want %d", cfg.MaxConcurrentRuns, defaultMaxConcurrentRuns)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("SweepInterval = %v, want 5m", cfg.SweepInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(envListenAddr, ":9999")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envStateBucket, "labforge-state")
	t.Setenv(envMaxConcurrentRuns, "8")
	t.Setenv(envSweepInterval, "1m")

	cfg := Load()

	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want /tmp/test.db", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.StateBucket != "labforge-state" {
		t.Errorf("StateBucket = %q, want labforge-state", cfg.StateBucket)
	}
	if cfg.MaxConcurrentRuns != 8 {
		t.Errorf("MaxConcurrentRuns = %d, want 8", cfg.MaxConcurrentRuns)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := parseLogLevel(c.in); got != c.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestForProviderAWS(t *testing.T) {
	creds := Credentials{
		AWSAccessKeyID:     "AKIA",
		AWSSecretAccessKey: "secret",
		AWSRegion:          "eu-west-1",
	}

	env, err := creds.ForProvider("aws")
	if err != nil {
		t.Fatalf("ForProvider(aws): %v", err)
	}
	if env["AWS_ACCESS_KEY_ID"] != "AKIA" || env["AWS_DEFAULT_REGION"] != "eu-west-1" {
		t.Errorf("env = %v", env)
	}
}

func TestForProviderMissingCredentials(t *testing.T) {
	var creds Credentials

	for _, p := range []string{"AWS", "GCP", "AZURE", "MONGODB", "SNOWFLAKE"} {
		if _, err := creds.ForProvider(p); err == nil {
			t.Errorf("ForProvider(%s) with empty credentials: want error", p)
		}
	}
}

func TestForProviderUnknown(t *testing.T) {
	creds := Credentials{AWSAccessKeyID: "k", AWSSecretAccessKey: "s", AWSRegion: "r"}
	if _, err := creds.ForProvider("DIGITALOCEAN"); err == nil {
		t.Error("ForProvider(DIGITALOCEAN): want error for unknown provider")
	}
}

func TestForProviderAzure(t *testing.T) {
	creds := Credentials{
		AzureSubscriptionID: "sub",
		AzureClientID:       "client",
		AzureClientSecret:   "secret",
		AzureTenantID:       "tenant",
	}
	env, err := creds.ForProvider("Azure")
	if err != nil {
		t.Fatalf("ForProvider(Azure): %v", err)
	}
	if env["ARM_TENANT_ID"] != "tenant" {
		t.Errorf("env = %v", env)
	}
}
