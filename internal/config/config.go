package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all client configuration
type Config struct {
	ServerURL     string                      `json:"serverUrl"`
	DataDir       string                      `json:"dataDir"`
	DatabaseURL   string                      `json:"databaseUrl"`
	StatusAddress string                      `json:"statusAddress"`
	StatusToken   string                      `json:"statusToken"`
	Security      Security                    `json:"security"`
	OAuth2        OAuth2                      `json:"oauth2"`
	Transfer      Transfer                    `json:"transfer"`
	Watch         Watch                       `json:"watch"`
	Sources       map[string]SourceProperties `json:"sources"`
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// OAuth2 client credentials; an empty ClientID disables token auth
type OAuth2 struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	TokenURL     string   `json:"tokenUrl"`
	Scopes       []string `json:"scopes"`
}

// Enabled returns true if OAuth2 tokens should be requested
func (o OAuth2) Enabled() bool {
	return o.ClientID != "" && o.TokenURL != ""
}

// Transfer configures retries, paging and request timeouts
type Transfer struct {
	MaxAttempts           int   `json:"maxAttempts"`
	MinProgressBytes      int64 `json:"minProgressBytes"`
	RetryDelayMS          int   `json:"retryDelayMs"`
	RequestTimeoutSeconds int   `json:"requestTimeoutSeconds"`
	PageSize              int   `json:"pageSize"`
}

// RetryDelay returns the pause between two transfer attempts
func (t Transfer) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelayMS) * time.Millisecond
}

// RequestTimeout returns the per-request timeout of the remote client
func (t Transfer) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutSeconds) * time.Second
}

// Watch configures the filesystem watch mode
type Watch struct {
	DebounceMS int `json:"debounceMs"`
}

// Debounce returns the quiet period before a watched change triggers a sync
func (w Watch) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// UsePostgres returns true if the shared label and sync state stores should
// live in PostgreSQL. Item caches stay in one SQLite file per source.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Source returns the properties of a configured source
func (c *Config) Source(name string) (SourceProperties, error) {
	props, ok := c.Sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return props, nil
}

// ItemStorePath returns the SQLite file holding the items of a source
func (c *Config) ItemStorePath(source string) string {
	return filepath.Join(c.DataDir, "items_"+source+".db")
}

// LabelStorePath returns the SQLite file holding the shared labels
func (c *Config) LabelStorePath() string {
	return filepath.Join(c.DataDir, "labels.db")
}

// StatePath returns the SQLite file holding sync state and pending deletes
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// ThumbnailDir returns the directory for local renditions
func (c *Config) ThumbnailDir() string {
	return filepath.Join(c.DataDir, "thumbs")
}

// SpoolDir returns the directory for partial downloads
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerURL:     "http://localhost:5000",
		DataDir:       "./photosync-data",
		StatusAddress: "127.0.0.1:5080",
		Security: Security{
			APIKeyHeader: "X-API-Key",
		},
		Transfer: Transfer{
			MaxAttempts:           3,
			MinProgressBytes:      64 * 1024,
			RetryDelayMS:          2000,
			RequestTimeoutSeconds: 60,
			PageSize:              100,
		},
		Watch: Watch{
			DebounceMS: 5000,
		},
		Sources: map[string]SourceProperties{},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, which may be missing, then applies
// environment overrides
func LoadFile(configPath string) (*Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	// Override from environment variables
	if v := os.Getenv("PHOTOSYNC_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("PHOTOSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STATUS_ADDRESS"); v != "" {
		cfg.StatusAddress = v
	}
	if v := os.Getenv("STATUS_TOKEN"); v != "" {
		cfg.StatusToken = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("OAUTH2_CLIENT_ID"); v != "" {
		cfg.OAuth2.ClientID = v
	}
	if v := os.Getenv("OAUTH2_CLIENT_SECRET"); v != "" {
		cfg.OAuth2.ClientSecret = v
	}
	if v := os.Getenv("OAUTH2_TOKEN_URL"); v != "" {
		cfg.OAuth2.TokenURL = v
	}

	// Transfer configuration
	if v := os.Getenv("TRANSFER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Transfer.MaxAttempts = n
		}
	}
	if v := os.Getenv("TRANSFER_MIN_PROGRESS_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Transfer.MinProgressBytes = n
		}
	}
	if v := os.Getenv("TRANSFER_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Transfer.PageSize = n
		}
	}

	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceProperties{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}

	// Make data dir absolute
	absPath, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = absPath

	return cfg, nil
}

// Validate checks values that would make a sync session misbehave
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("serverUrl is required")
	}
	if c.Transfer.MaxAttempts <= 0 {
		return fmt.Errorf("transfer.maxAttempts must be positive")
	}
	if c.Transfer.PageSize <= 0 {
		return fmt.Errorf("transfer.pageSize must be positive")
	}
	for name, props := range c.Sources {
		if _, err := props.LocalStorageQuota(); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
		if _, err := props.MaxItemSize(); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
	}
	return nil
}
