package config

import (
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"
)

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	// Helper sets the minimum required env vars for a valid config
	setRequired := func(t *testing.T) {
		t.Helper()
		t.Setenv("DATABASE_URL", "postgres://localhost/eduinvite")
		t.Setenv("OIDC_CLIENT_ID", "eduinvite")
		t.Setenv("OIDC_REDIRECT_URI", "https://invite.example.org/oidc_callback")
	}

	t.Run("returns valid config with all required vars", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/eduinvite" {
			t.Errorf("DatabaseURL: expected %q, got %q", "postgres://localhost/eduinvite", cfg.DatabaseURL)
		}
		if cfg.OIDC.ClientID != "eduinvite" {
			t.Errorf("OIDC.ClientID: expected %q, got %q", "eduinvite", cfg.OIDC.ClientID)
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Port != "7865" {
			t.Errorf("Port: expected %q, got %q", "7865", cfg.Port)
		}
		if cfg.StoreBackend != BackendPostgres {
			t.Errorf("StoreBackend: expected %q, got %q", BackendPostgres, cfg.StoreBackend)
		}
		if cfg.LogLevel != slog.LevelInfo {
			t.Errorf("LogLevel: expected info, got %v", cfg.LogLevel)
		}
		if cfg.PKCETTL != 10*time.Minute || cfg.SessionTTL != time.Hour {
			t.Errorf("TTLs: got pkce=%v session=%v", cfg.PKCETTL, cfg.SessionTTL)
		}
		if cfg.OIDC.Timeout != 10*time.Second || cfg.OIDC.Scope != "openid" {
			t.Errorf("OIDC defaults: got timeout=%v scope=%q", cfg.OIDC.Timeout, cfg.OIDC.Scope)
		}
		if !slices.Equal(cfg.MFAACRValues, []string{"https://refeds.org/profile/mfa"}) {
			t.Errorf("MFAACRValues: got %v", cfg.MFAACRValues)
		}
		if cfg.RateCodeMax != 10 || cfg.RateCodeWindow != 10*time.Minute || cfg.RateCodeLockout != 15*time.Minute {
			t.Errorf("rate limit defaults: got %d/%v/%v", cfg.RateCodeMax, cfg.RateCodeWindow, cfg.RateCodeLockout)
		}
		if cfg.RateAdminMax != 30 || cfg.RateAdminWindow != time.Minute || cfg.RateAdminLockout != 15*time.Minute {
			t.Errorf("admin rate limit defaults: got %d/%v/%v", cfg.RateAdminMax, cfg.RateAdminWindow, cfg.RateAdminLockout)
		}
		if cfg.RedisURL != "" {
			t.Errorf("RedisURL: expected empty, got %q", cfg.RedisURL)
		}
	})

	t.Run("errors when DATABASE_URL is missing", func(t *testing.T) {
		setRequired(t)
		t.Setenv("DATABASE_URL", "")

		_, err := LoadConfig()
		if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
			t.Fatalf("expected DATABASE_URL error, got %v", err)
		}
	})

	t.Run("memory backend needs no DATABASE_URL", func(t *testing.T) {
		setRequired(t)
		t.Setenv("DATABASE_URL", "")
		t.Setenv("STORE_BACKEND", "memory")

		if _, err := LoadConfig(); err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		setRequired(t)
		t.Setenv("STORE_BACKEND", "sqlite")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for unknown STORE_BACKEND, got nil")
		}
	})

	t.Run("errors when OIDC_CLIENT_ID is missing", func(t *testing.T) {
		setRequired(t)
		t.Setenv("OIDC_CLIENT_ID", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing OIDC_CLIENT_ID, got nil")
		}
	})

	t.Run("redirect URI must be https outside loopback", func(t *testing.T) {
		cases := map[string]bool{
			"https://invite.example.org/oidc_callback": true,
			"http://localhost:7865/oidc_callback":      true,
			"http://127.0.0.1:7865/oidc_callback":      true,
			"http://invite.example.org/oidc_callback":  false,
			"/oidc_callback":                           false,
		}
		for uri, ok := range cases {
			setRequired(t)
			t.Setenv("OIDC_REDIRECT_URI", uri)

			_, err := LoadConfig()
			if ok && err != nil {
				t.Errorf("%s: expected ok, got %v", uri, err)
			}
			if !ok && err == nil {
				t.Errorf("%s: expected error, got nil", uri)
			}
		}
	})

	t.Run("parses MFA_ACR_VALUES list", func(t *testing.T) {
		setRequired(t)
		t.Setenv("MFA_ACR_VALUES", "https://refeds.org/profile/mfa, urn:custom:mfa ,")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		want := []string{"https://refeds.org/profile/mfa", "urn:custom:mfa"}
		if !slices.Equal(cfg.MFAACRValues, want) {
			t.Errorf("MFAACRValues: expected %v, got %v", want, cfg.MFAACRValues)
		}
	})

	t.Run("parses LOG_LEVEL", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.LogLevel != slog.LevelDebug {
			t.Errorf("LogLevel: expected debug, got %v", cfg.LogLevel)
		}
	})

	t.Run("rejects non-positive durations", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PKCE_TTL", "0s")

		if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "PKCE_TTL") {
			t.Fatalf("expected PKCE_TTL error, got %v", err)
		}
	})

	t.Run("rejects unparseable values", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RATE_CODE_MAX", "ten")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected parse error, got nil")
		}
	})

	t.Run("ADMIN_TOKEN_HASH must be argon2id", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ADMIN_TOKEN_HASH", "$2a$10$bcrypt")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for non-argon2id hash, got nil")
		}
	})

	t.Run("reports every problem at once", func(t *testing.T) {
		setRequired(t)
		t.Setenv("DATABASE_URL", "")
		t.Setenv("OIDC_REDIRECT_URI", "http://invite.example.org/cb")

		_, err := LoadConfig()
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		for _, want := range []string{"DATABASE_URL", "OIDC_REDIRECT_URI"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not mention %s", err, want)
			}
		}
	})
}
