// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.json"))

	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Fatalf("unexpected host %s", cfg.Host)
	}
	if cfg.ProxyPort != 5005 {
		t.Fatalf("unexpected port %d", cfg.ProxyPort)
	}
	if cfg.LogDir != "logs" || cfg.DatabasePath != "runs.db" {
		t.Fatalf("unexpected storage defaults %s %s", cfg.LogDir, cfg.DatabasePath)
	}
	if cfg.MaxLogSizeMB != 1024 || cfg.LogCompressDays != 7 {
		t.Fatalf("unexpected log limits %d %d", cfg.MaxLogSizeMB, cfg.LogCompressDays)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := writeConfig(t, `{
		"host": "0.0.0.0",
		"proxy_port": 9900,
		"log_dir": "audit",
		"max_log_size_mb": 10,
		"log_compress_days": 0,
		"database": "ledger.db",
		"admin_token": "secret",
		"webhook_url": "http://localhost:1/hook"
	}`)
	t.Setenv("CONFIG_PATH", path)

	cfg := Load()

	if cfg.Host != "0.0.0.0" || cfg.ProxyPort != 9900 {
		t.Fatalf("listen config not applied: %s:%d", cfg.Host, cfg.ProxyPort)
	}
	if cfg.LogCompressDays != 0 {
		t.Fatalf("explicit zero must disable compression, got %d", cfg.LogCompressDays)
	}
	if cfg.AdminToken != "secret" || cfg.WebhookURL != "http://localhost:1/hook" {
		t.Fatal("admin/webhook config not applied")
	}
	if cfg.Path != path {
		t.Fatalf("expected Path %s, got %s", path, cfg.Path)
	}
}

func TestSnapshotDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))

	snap := loader.Snapshot()

	if snap.Provider != "openai" {
		t.Fatalf("unexpected provider %s", snap.Provider)
	}
	if snap.BaseURL != "https://api.openai.com" {
		t.Fatalf("unexpected base url %s", snap.BaseURL)
	}
	if snap.APIKeyHeader != "Authorization" || snap.APIKeyPrefix != "" {
		t.Fatalf("unexpected auth defaults %q %q", snap.APIKeyHeader, snap.APIKeyPrefix)
	}
	if snap.APIKey != "" || snap.Model != "" {
		t.Fatal("expected empty key and model")
	}
}

func TestSnapshotResolvesProvider(t *testing.T) {
	path := writeConfig(t, `{
		"provider": "other",
		"model": "enforced-model",
		"providers": {
			"other": {
				"base_url": "http://localhost:9",
				"api_key": "k-123",
				"api_key_header": "X-Api-Key",
				"api_key_prefix": "Token "
			}
		}
	}`)
	loader := NewLoader(path)

	snap := loader.Snapshot()

	if snap.Provider != "other" || snap.Model != "enforced-model" {
		t.Fatalf("unexpected routing %s/%s", snap.Provider, snap.Model)
	}
	if snap.BaseURL != "http://localhost:9" {
		t.Fatalf("unexpected base url %s", snap.BaseURL)
	}
	if snap.APIKeyHeader != "X-Api-Key" || snap.APIKeyPrefix != "Token " || snap.APIKey != "k-123" {
		t.Fatalf("unexpected auth %q %q %q", snap.APIKeyHeader, snap.APIKeyPrefix, snap.APIKey)
	}
}

func TestSnapshotSeesFileChanges(t *testing.T) {
	path := writeConfig(t, `{"model": "first"}`)
	loader := NewLoader(path)

	if snap := loader.Snapshot(); snap.Model != "first" {
		t.Fatalf("unexpected model %s", snap.Model)
	}

	if err := os.WriteFile(path, []byte(`{"model": "second"}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if snap := loader.Snapshot(); snap.Model != "second" {
		t.Fatalf("snapshot cached a stale model: %s", snap.Model)
	}
}

func TestSnapshotDecodesEncKey(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("plain-key"))
	path := writeConfig(t, `{
		"providers": {"openai": {"api_key": "ENC:`+encoded+`"}}
	}`)

	snap := NewLoader(path).Snapshot()

	if snap.APIKey != "plain-key" {
		t.Fatalf("expected decoded key, got %q", snap.APIKey)
	}
}

func TestSnapshotBadEncKeyMeansNoKey(t *testing.T) {
	path := writeConfig(t, `{
		"providers": {"openai": {"api_key": "ENC:%%%not-base64%%%"}}
	}`)

	snap := NewLoader(path).Snapshot()

	if snap.APIKey != "" {
		t.Fatalf("undecodable key must yield no key, got %q", snap.APIKey)
	}
}

func TestSnapshotUnknownProviderFallsBack(t *testing.T) {
	path := writeConfig(t, `{
		"provider": "ghost",
		"providers": {"openai": {"base_url": "http://localhost:9"}}
	}`)

	snap := NewLoader(path).Snapshot()

	if snap.Provider != "ghost" {
		t.Fatalf("provider name should pass through, got %s", snap.Provider)
	}
	if snap.BaseURL != "https://api.openai.com" {
		t.Fatalf("unconfigured provider must use the default base url, got %s", snap.BaseURL)
	}
}
