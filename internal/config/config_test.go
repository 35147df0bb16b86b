package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func clearEnvAccount(t *testing.T) {
	t.Helper()
	t.Setenv("QQ_BOT_APP_ID", "")
	t.Setenv("QQ_BOT_SECRET", "")
}

func TestLoadJSON(t *testing.T) {
	clearEnvAccount(t)
	path := writeConfig(t, "daraja.json", `{
		"log_level": "debug",
		"accounts": [
			{"name": "main", "app_id": "10001", "app_secret": "s3cret", "sandbox": true}
		],
		"storage": {"driver": "sqlite"},
		"ops": {"listen_addr": ":9200"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if len(cfg.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(cfg.Accounts))
	}
	acct := cfg.Accounts[0]
	if acct.Label() != "main" {
		t.Errorf("label = %q, want main", acct.Label())
	}
	if !acct.Sandbox {
		t.Error("sandbox flag not parsed")
	}
	if got := cfg.Storage.StorageDriver(); got != "sqlite" {
		t.Errorf("storage driver = %q, want sqlite", got)
	}
	if got := cfg.Ops.OpsAddr(); got != ":9200" {
		t.Errorf("ops addr = %q, want :9200", got)
	}
	if got := cfg.SlogLevel(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnvAccount(t)
	path := writeConfig(t, "daraja.yaml", `
log_level: warn
accounts:
  - app_id: "10001"
    app_secret: s3cret
    mode: webhook
    webhook:
      listen_addr: ":8443"
      path: /callback
      allow_unsigned: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	acct := cfg.Accounts[0]
	if acct.TransportMode() != "webhook" {
		t.Errorf("mode = %q, want webhook", acct.TransportMode())
	}
	if got := acct.Webhook.WebhookPath(); got != "/callback" {
		t.Errorf("webhook path = %q, want /callback", got)
	}
	if got := acct.Label(); got != "10001" {
		t.Errorf("label = %q, want app id fallback", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	clearEnvAccount(t)
	path := writeConfig(t, "daraja.json", `{"accounts": []}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for empty accounts")
	}
	if !strings.Contains(err.Error(), "at least one account") {
		t.Errorf("error = %v, want account requirement", err)
	}
}

func TestEnvAccountFallback(t *testing.T) {
	t.Setenv("QQ_BOT_APP_ID", "20002")
	t.Setenv("QQ_BOT_SECRET", "env-secret")
	t.Setenv("QQ_BOT_SANDBOX", "true")

	path := writeConfig(t, "daraja.json", `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if len(cfg.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1 from env", len(cfg.Accounts))
	}
	acct := cfg.Accounts[0]
	if acct.AppID != "20002" || acct.AppSecret != "env-secret" {
		t.Errorf("env account = %s/%s, want 20002/env-secret", acct.AppID, acct.AppSecret)
	}
	if !acct.Sandbox {
		t.Error("sandbox flag not taken from env")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnvAccount(t)
	t.Setenv("DARAJA_DATA_DIR", "/var/lib/daraja")
	t.Setenv("DARAJA_LOG_LEVEL", "error")

	path := writeConfig(t, "daraja.json", `{
		"data_dir": "/tmp/ignored",
		"log_level": "debug",
		"accounts": [{"app_id": "10001", "app_secret": "s"}]
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.DataDir != "/var/lib/daraja" {
		t.Errorf("data_dir = %q, want env override", cfg.DataDir)
	}
	if cfg.SlogLevel() != slog.LevelError {
		t.Errorf("log level = %v, want error from env", cfg.SlogLevel())
	}
}

func TestValidate(t *testing.T) {
	account := func(mutate func(*AccountConfig)) []AccountConfig {
		a := AccountConfig{AppID: "10001", AppSecret: "s3cret"}
		if mutate != nil {
			mutate(&a)
		}
		return []AccountConfig{a}
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid socket account",
			cfg:  Config{Accounts: account(nil)},
		},
		{
			name:    "bad log level",
			cfg:     Config{LogLevel: "verbose", Accounts: account(nil)},
			wantErr: "log_level",
		},
		{
			name:    "no accounts",
			cfg:     Config{},
			wantErr: "at least one account",
		},
		{
			name: "missing app id",
			cfg: Config{Accounts: account(func(a *AccountConfig) {
				a.AppID = ""
			})},
			wantErr: "app_id is required",
		},
		{
			name: "duplicate app id",
			cfg: Config{Accounts: []AccountConfig{
				{AppID: "10001", AppSecret: "a"},
				{AppID: "10001", AppSecret: "b"},
			}},
			wantErr: "duplicate app_id",
		},
		{
			name: "missing secret",
			cfg: Config{Accounts: account(func(a *AccountConfig) {
				a.AppSecret = ""
			})},
			wantErr: "app_secret is required",
		},
		{
			name: "webhook without listen addr",
			cfg: Config{Accounts: account(func(a *AccountConfig) {
				a.Mode = "webhook"
			})},
			wantErr: "listen_addr is required",
		},
		{
			name: "duplicate listen addr",
			cfg: Config{Accounts: []AccountConfig{
				{AppID: "10001", AppSecret: "a", Mode: "webhook", Webhook: &WebhookConfig{ListenAddr: ":8443"}},
				{AppID: "10002", AppSecret: "b", Mode: "webhook", Webhook: &WebhookConfig{ListenAddr: ":8443"}},
			}},
			wantErr: "already in use",
		},
		{
			name: "webhook path without slash",
			cfg: Config{Accounts: account(func(a *AccountConfig) {
				a.Mode = "webhook"
				a.Webhook = &WebhookConfig{ListenAddr: ":8443", Path: "callback"}
			})},
			wantErr: "must start with /",
		},
		{
			name: "unknown mode",
			cfg: Config{Accounts: account(func(a *AccountConfig) {
				a.Mode = "carrier-pigeon"
			})},
			wantErr: "not supported",
		},
		{
			name: "postgres without dsn",
			cfg: Config{
				Accounts: account(nil),
				Storage:  &StorageConfig{Driver: "postgres"},
			},
			wantErr: "postgres.dsn is required",
		},
		{
			name: "unknown storage driver",
			cfg: Config{
				Accounts: account(nil),
				Storage:  &StorageConfig{Driver: "bolt"},
			},
			wantErr: "not supported",
		},
		{
			name: "unknown secrets provider",
			cfg: Config{
				Accounts: account(nil),
				Secrets:  &SecretsConfig{Providers: []SecretProviderConfig{{Type: "keychain"}}},
			},
			wantErr: "not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAccessorDefaults(t *testing.T) {
	var socket *SocketConfig
	if got := socket.MaxAttempts(); got != 5 {
		t.Errorf("MaxAttempts() = %d, want 5", got)
	}
	if got := socket.HandshakeTimeout(); got != 10*time.Second {
		t.Errorf("HandshakeTimeout() = %v, want 10s", got)
	}

	var webhook *WebhookConfig
	if got := webhook.WebhookPath(); got != "/webhook" {
		t.Errorf("WebhookPath() = %q, want /webhook", got)
	}
	if got := webhook.Queue(); got != 256 {
		t.Errorf("Queue() = %d, want 256", got)
	}
	if got := webhook.WorkerCount(); got != 4 {
		t.Errorf("WorkerCount() = %d, want 4", got)
	}

	var storage *StorageConfig
	if got := storage.StorageDriver(); got != "sqlite" {
		t.Errorf("StorageDriver() = %q, want sqlite", got)
	}
	if got := storage.CleanupSpec(); got != "0 * * * *" {
		t.Errorf("CleanupSpec() = %q, want hourly", got)
	}

	var opsCfg *OpsConfig
	if got := opsCfg.OpsAddr(); got != ":9100" {
		t.Errorf("OpsAddr() = %q, want :9100", got)
	}
	if got := opsCfg.OpsMetricsPath(); got != "/metrics" {
		t.Errorf("OpsMetricsPath() = %q, want /metrics", got)
	}

	acct := AccountConfig{AppID: "10001"}
	if got := acct.Label(); got != "10001" {
		t.Errorf("Label() = %q, want app id", got)
	}
	if got := acct.TransportMode(); got != "socket" {
		t.Errorf("TransportMode() = %q, want socket", got)
	}
}

func TestTokenDBPath(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/daraja"}
	want := filepath.Join("/var/lib/daraja", "daraja.db")
	if got := cfg.TokenDBPath(); got != want {
		t.Errorf("TokenDBPath() = %q, want %q", got, want)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
