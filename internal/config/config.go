package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"bredai/internal/providers"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	CredentialModeSingle = "single"
	CredentialModePool   = "pool"
)

var (
	ErrInvalidDriver         = errors.New("DB_DRIVER must be 'sqlite', 'postgres' or 'redis'")
	ErrMissingDatabaseDSN    = errors.New("DB_DSN is required for sql drivers")
	ErrInvalidCredentialMode = errors.New("CREDENTIAL_MODE must be 'single' or 'pool'")
	ErrMissingPoolKeys       = errors.New("GEMINI_POOL_KEYS is required in pool mode")
	ErrInvalidTimeout        = errors.New("DISPATCH_TIMEOUT must be > 0")
	ErrMissingMasterKey      = errors.New("at least one master key is required")
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Search      SearchConfig      `yaml:"search"`
	Generation  GenerationConfig  `yaml:"generation"`
	Voice       VoiceConfig       `yaml:"voice"`
	HTTP        HTTPConfig        `yaml:"http"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Files       FilesConfig       `yaml:"files"`
	Crypto      CryptoConfig      `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY" env-default:"true"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"DB_DRIVER" env-default:"sqlite"`
	DSN         string `yaml:"dsn" env:"DB_DSN" env-default:"bredai.db"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE" env-default:"true"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"127.0.0.1:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"bredai"`
}

// ProviderConfig seeds one provider. APIKey is only written to the settings
// store when no credential is stored yet.
type ProviderConfig struct {
	APIKey        string `yaml:"api_key" env:"API_KEY"`
	BaseURL       string `yaml:"base_url" env:"BASE_URL"`
	FallbackModel string `yaml:"fallback_model" env:"FALLBACK_MODEL"`
}

type ProvidersConfig struct {
	Gemini   ProviderConfig `yaml:"gemini" env-prefix:"GEMINI_"`
	Groq     ProviderConfig `yaml:"groq" env-prefix:"GROQ_"`
	NVIDIA   ProviderConfig `yaml:"nvidia" env-prefix:"NVIDIA_"`
	Cerebras ProviderConfig `yaml:"cerebras" env-prefix:"CEREBRAS_"`
}

// ByName indexes the per-provider blocks.
func (p ProvidersConfig) ByName() map[providers.Name]ProviderConfig {
	return map[providers.Name]ProviderConfig{
		providers.Gemini:   p.Gemini,
		providers.Groq:     p.Groq,
		providers.NVIDIA:   p.NVIDIA,
		providers.Cerebras: p.Cerebras,
	}
}

type DispatchConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"DISPATCH_TIMEOUT" env-default:"30s"`
	Ring    []string      `yaml:"fallback_ring" env:"FALLBACK_RING" env-separator:"," env-default:"gemini,groq,nvidia,cerebras"`
}

type CredentialsConfig struct {
	Mode     string   `yaml:"mode" env:"CREDENTIAL_MODE" env-default:"single"`
	PoolKeys []string `yaml:"pool_keys" env:"GEMINI_POOL_KEYS" env-separator:","`
}

type SearchConfig struct {
	Endpoint      string  `yaml:"endpoint" env:"SEARCH_ENDPOINT"`
	APIKey        string  `yaml:"api_key" env:"SEARCH_API_KEY"`
	EngineID      string  `yaml:"engine_id" env:"SEARCH_ENGINE_ID"`
	RatePerSecond float64 `yaml:"rate_per_second" env:"SEARCH_RPS" env-default:"1"`
}

type GenerationConfig struct {
	Temperature float64 `yaml:"temperature" env:"GEN_TEMPERATURE" env-default:"0.7"`
	TopP        float64 `yaml:"top_p" env:"GEN_TOP_P" env-default:"0.95"`
}

type VoiceConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay" env:"VOICE_SETTLE_DELAY" env-default:"400ms"`
	RetryDelay  time.Duration `yaml:"retry_delay" env:"VOICE_RETRY_DELAY" env-default:"2s"`
}

type HTTPConfig struct {
	ClientTimeout time.Duration `yaml:"client_timeout" env:"HTTP_TIMEOUT" env-default:"60s"`
	MaxRetries    int           `yaml:"max_retries" env:"HTTP_MAX_RETRIES" env-default:"2"`
	BackoffBase   time.Duration `yaml:"backoff_base" env:"HTTP_BACKOFF_BASE" env-default:"400ms"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR"`
	Path string `yaml:"path" env:"METRICS_PATH" env-default:"/metrics"`
}

type FilesConfig struct {
	Catalog   string `yaml:"catalog" env:"CATALOG_FILE"`
	Knowledge string `yaml:"knowledge" env:"KNOWLEDGE_FILE"`
	History   string `yaml:"history" env:"REPL_HISTORY_FILE" env-default:".bredai_history"`
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// Load reads path (YAML) when given, then the environment, which wins.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Credentials.Mode = strings.ToLower(strings.TrimSpace(cfg.Credentials.Mode))

	switch cfg.Storage.Driver {
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return nil, ErrMissingDatabaseDSN
		}
	case DriverRedis:
	default:
		return nil, ErrInvalidDriver
	}
	switch cfg.Credentials.Mode {
	case CredentialModeSingle:
	case CredentialModePool:
		if len(cfg.Credentials.PoolKeys) == 0 {
			return nil, ErrMissingPoolKeys
		}
	default:
		return nil, ErrInvalidCredentialMode
	}
	if cfg.Dispatch.Timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if _, err := cfg.FallbackRing(); err != nil {
		return nil, err
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return &cfg, nil
}

// FallbackRing parses the configured ring. Every provider may appear once.
func (c *Config) FallbackRing() ([]providers.Name, error) {
	ring := make([]providers.Name, 0, len(c.Dispatch.Ring))
	seen := map[providers.Name]bool{}
	for _, raw := range c.Dispatch.Ring {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, err := providers.ParseName(raw)
		if err != nil {
			return nil, fmt.Errorf("FALLBACK_RING: %w", err)
		}
		if seen[p] {
			return nil, fmt.Errorf("FALLBACK_RING lists %q twice", p)
		}
		seen[p] = true
		ring = append(ring, p)
	}
	if len(ring) == 0 {
		return nil, fmt.Errorf("FALLBACK_RING is empty")
	}
	return ring, nil
}

// PoolKeys returns the legacy pool with blanks removed.
func (c *Config) PoolKeys() []string {
	out := make([]string, 0, len(c.Credentials.PoolKeys))
	for _, k := range c.Credentials.PoolKeys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := envOr("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") || k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := envOr("MASTER_KEY_CURRENT_ID", "")
	if singleton := envOr("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required when several master keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}
