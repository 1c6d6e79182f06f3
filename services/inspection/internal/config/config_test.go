package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndYAML(t *testing.T) {
	path := writeConfig(t, `
port: "8080"
databaseDriver: postgres
databaseURL: postgres://lemma@localhost/lemma
trustedProxies: ["10.0.0.0/8"]
streamTimeout: 10m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DatabaseDriver != "postgres" || len(cfg.TrustedProxies) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SubscriberBuffer != 32 || cfg.ReportFont != "Microsoft JhengHei" {
		t.Fatalf("expected defaults to survive: %+v", cfg)
	}
	d, err := ParseDurations(cfg)
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if d.StreamTimeout != 10*time.Minute || d.HeartbeatInterval != 25*time.Second {
		t.Fatalf("unexpected durations: %+v", d)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "databaseURL: from-file.db\n")
	t.Setenv("DATABASE_URL", "from-env.db")
	t.Setenv("PORT", "9999")
	t.Setenv("ADMIN_PASSWORD", "Sup3r#Secret!!")
	t.Setenv("LEMMA_JWT_SECRET", "jwt-secret")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("LEMMA_TRUSTED_PROXIES", "10.0.0.1, 10.0.0.2")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "from-env.db" || cfg.Port != "9999" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.AdminPassword != "Sup3r#Secret!!" || cfg.JWTSecret != "jwt-secret" || cfg.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("secret overrides not applied: %+v", cfg)
	}
	if strings.Join(cfg.TrustedProxies, "|") != "10.0.0.1|10.0.0.2" {
		t.Fatalf("unexpected proxies: %v", cfg.TrustedProxies)
	}
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	prev := ConfigPath
	ConfigPath = filepath.Join(t.TempDir(), "absent.yaml")
	t.Cleanup(func() { ConfigPath = prev })
	t.Setenv("LEMMA_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("expected sqlite default, got %q", cfg.DatabaseDriver)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "explicit.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]string{
		"bad driver":         "databaseDriver: mysql\n",
		"bad duration":       "streamTimeout: soon\n",
		"heartbeat too long": "streamTimeout: 10s\nheartbeatInterval: 20s\n",
		"partial minio":      "minioEndpoint: localhost:9000\n",
		"negative limit":     "chatRateLimitPerMinute: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
