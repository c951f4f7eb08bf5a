package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"bredai/internal/catalog"
	"bredai/internal/metrics"
	"bredai/internal/providers"
)

var ErrExhausted = errors.New("no usable credential")

// ExhaustedError reports that no credential could serve a request. PoolSize
// is zero when the provider has no credential configured at all.
type ExhaustedError struct {
	Provider providers.Name
	PoolSize int
}

func (e *ExhaustedError) Error() string {
	if e.PoolSize == 0 {
		return fmt.Sprintf("no API key configured for %s", e.Provider)
	}
	return fmt.Sprintf("all %d %s API keys have reached their rate limits", e.PoolSize, e.Provider)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Credential is a secret bound to one provider.
type Credential struct {
	Provider providers.Name
	Secret   string
	// Index is the position inside a legacy pool, -1 otherwise.
	Index int
	// NotNeeded marks a provider that is not rate accounted in legacy mode.
	NotNeeded bool
}

type Mode string

const (
	// ModeSingle keeps one credential per provider and does no accounting.
	ModeSingle Mode = "single"
	// ModePool rotates a pool of primary-provider keys with rpm/rpd accounting.
	ModePool Mode = "pool"
)

// KeySource yields the user-configured credential for a provider, read at
// call time so edits apply to the next request.
type KeySource interface {
	APIKey(ctx context.Context, p providers.Name) (string, error)
}

type Registry struct {
	mode    Mode
	keys    KeySource
	pool    *Pool
	primary providers.Name
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type RegistryConfig struct {
	Mode Mode
	Keys KeySource
	// Pool and Primary are required in ModePool.
	Pool    *Pool
	Primary providers.Name
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	if cfg.Primary == "" {
		cfg.Primary = providers.Gemini
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("credential registry needs a key source")
	}
	if cfg.Mode == ModePool && cfg.Pool == nil {
		return nil, fmt.Errorf("pool mode requires a credential pool")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Registry{
		mode:    cfg.Mode,
		keys:    cfg.Keys,
		pool:    cfg.Pool,
		primary: cfg.Primary,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func (r *Registry) Mode() Mode {
	return r.mode
}

// Select returns a credential able to serve model m.
func (r *Registry) Select(ctx context.Context, m catalog.Model) (Credential, error) {
	cred, err := r.selectFor(ctx, m)
	result := "selected"
	if err != nil {
		result = "exhausted"
	}
	r.metrics.CredentialSelections.WithLabelValues(string(m.Provider), result).Inc()
	return cred, err
}

func (r *Registry) selectFor(ctx context.Context, m catalog.Model) (Credential, error) {
	if r.mode == ModePool && m.Provider == r.primary {
		return r.pool.Acquire(ctx, Limits{RPM: m.RPM, RPD: m.RPD})
	}

	key, err := r.keys.APIKey(ctx, m.Provider)
	if err != nil {
		return Credential{}, fmt.Errorf("read %s credential: %w", m.Provider, err)
	}
	cred := Credential{Provider: m.Provider, Secret: key, Index: -1, NotNeeded: r.mode == ModePool}
	if strings.TrimSpace(key) == "" {
		return Credential{}, &ExhaustedError{Provider: m.Provider}
	}
	return cred, nil
}

// Configured reports whether p can be called at all. Fallback uses it to skip
// providers without credentials.
func (r *Registry) Configured(ctx context.Context, p providers.Name) bool {
	if r.mode == ModePool && p == r.primary {
		return r.pool.Size() > 0
	}
	key, err := r.keys.APIKey(ctx, p)
	if err != nil {
		r.logger.Warn().Err(err).Str("provider", string(p)).Msg("credential lookup failed")
		return false
	}
	return strings.TrimSpace(key) != ""
}
