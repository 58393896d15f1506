package config

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
)

// Defaults for the routing snapshot when config.json omits a field. The
// base URL matches the first-party provider so an empty file still proxies.
const (
	DefaultProvider     = "openai"
	DefaultBaseURL      = "https://api.openai.com"
	DefaultAPIKeyHeader = "Authorization"
)

const encPrefix = "ENC:"

// Config is the static part of config.json, read once at boot. Routing
// fields (provider, model, providers) are not here: the gateway re-reads
// them per request through a Loader.
type Config struct {
	Env             string
	Host            string
	ProxyPort       int
	LogDir          string
	MaxLogSizeMB    int
	LogCompressDays int
	DatabasePath    string
	AdminToken      string
	AdminRatePerMin int
	WebhookURL      string
	WebhookSecret   string

	// Path is the config file location, handed to NewLoader.
	Path string
}

// fileConfig mirrors config.json. The file is shared with the operator
// panel, so unknown keys are expected and ignored. Pointer fields
// distinguish "absent" from an explicit zero.
type fileConfig struct {
	Host            string                   `json:"host"`
	ProxyPort       *int                     `json:"proxy_port"`
	LogDir          string                   `json:"log_dir"`
	MaxLogSizeMB    *int                     `json:"max_log_size_mb"`
	LogCompressDays *int                     `json:"log_compress_days"`
	Database        string                   `json:"database"`
	AdminToken      string                   `json:"admin_token"`
	AdminRatePerMin *int                     `json:"admin_rate_per_min"`
	WebhookURL      string                   `json:"webhook_url"`
	WebhookSecret   string                   `json:"webhook_secret"`
	Provider        string                   `json:"provider"`
	Model           string                   `json:"model"`
	Providers       map[string]providerEntry `json:"providers"`
}

type providerEntry struct {
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key"`
	APIKeyHeader string `json:"api_key_header"`
	APIKeyPrefix string `json:"api_key_prefix"`
}

// Load reads the static configuration. A missing or malformed file yields
// defaults; the caller is expected to log the effective values.
func Load() Config {
	path := getenv("CONFIG_PATH", "config.json")

	cfg := Config{
		Env:             getenv("APP_ENV", "dev"),
		Host:            "127.0.0.1",
		ProxyPort:       5005,
		LogDir:          "logs",
		MaxLogSizeMB:    1024,
		LogCompressDays: 7,
		DatabasePath:    "runs.db",
		AdminRatePerMin: 240,
		Path:            path,
	}

	f, ok := readFile(path)
	if !ok {
		return cfg
	}

	if f.Host != "" {
		cfg.Host = f.Host
	}
	if f.ProxyPort != nil {
		cfg.ProxyPort = *f.ProxyPort
	}
	if f.LogDir != "" {
		cfg.LogDir = f.LogDir
	}
	if f.MaxLogSizeMB != nil {
		cfg.MaxLogSizeMB = *f.MaxLogSizeMB
	}
	if f.LogCompressDays != nil {
		cfg.LogCompressDays = *f.LogCompressDays
	}
	if f.Database != "" {
		cfg.DatabasePath = f.Database
	}
	if f.AdminToken != "" {
		cfg.AdminToken = f.AdminToken
	}
	if f.AdminRatePerMin != nil {
		cfg.AdminRatePerMin = *f.AdminRatePerMin
	}
	if f.WebhookURL != "" {
		cfg.WebhookURL = f.WebhookURL
	}
	if f.WebhookSecret != "" {
		cfg.WebhookSecret = f.WebhookSecret
	}

	return cfg
}

// Snapshot is the typed routing view the gateway resolves per request.
// APIKey is already decoded; empty means forward unauthenticated.
type Snapshot struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	APIKeyPrefix string
}

// Loader re-reads routing configuration from disk on every Snapshot call so
// an operator's provider/model switch takes effect on the next request
// without a restart. It holds no cached state.
type Loader struct {
	path string
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Snapshot resolves the current provider routing. An unreadable or invalid
// file degrades to defaults rather than failing the request.
func (l *Loader) Snapshot() Snapshot {
	snap := Snapshot{
		Provider:     DefaultProvider,
		BaseURL:      DefaultBaseURL,
		APIKeyHeader: DefaultAPIKeyHeader,
	}

	f, ok := readFile(l.path)
	if !ok {
		return snap
	}

	if f.Provider != "" {
		snap.Provider = f.Provider
	}
	snap.Model = f.Model

	entry, found := f.Providers[snap.Provider]
	if !found {
		return snap
	}

	if entry.BaseURL != "" {
		snap.BaseURL = entry.BaseURL
	}
	if entry.APIKeyHeader != "" {
		snap.APIKeyHeader = entry.APIKeyHeader
	}
	snap.APIKeyPrefix = entry.APIKeyPrefix
	snap.APIKey = decodeAPIKey(entry.APIKey)

	return snap
}

// decodeAPIKey unwraps keys stored with the panel's ENC: marker. A value
// that fails to decode is treated as no key at all.
func decodeAPIKey(raw string) string {
	if !strings.HasPrefix(raw, encPrefix) {
		return raw
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, encPrefix))
	if err != nil {
		return ""
	}
	return string(decoded)
}

func readFile(path string) (fileConfig, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, false
	}

	var f fileConfig
	if err := json.Unmarshal(raw, &f); err != nil {
		return fileConfig{}, false
	}
	return f, true
}

func getenv(key, defaultValue string) string {
	v := os.Getenv(key)
	if v != "" {
		return v
	}
	return defaultValue
}
