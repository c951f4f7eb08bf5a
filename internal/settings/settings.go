// Package settings persists app-wide preferences and the user's provider
// credentials, sealed at rest.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"bredai/internal/credentials"
	"bredai/internal/providers"
	"bredai/internal/secrets"
	"bredai/internal/storage"
)

const (
	keyLastActiveProfile = "lastActiveProfile"
	keyProviderAPIKeys   = "providerApiKeys"
	keyAutoSearch        = "autoSearch"
	keyVoiceRate         = "voiceRate"
	keyVoicePitch        = "voicePitch"
	keyVoiceName         = "voiceName"
	keyTemperature       = "temperature"
	keyTopP              = "topP"
)

var ErrOutOfRange = errors.New("setting out of range")

type Settings struct {
	LastActiveProfile string
	AutoSearch        bool
	VoiceRate         float64
	VoicePitch        float64
	VoiceName         string
	Temperature       float64
	TopP              float64
}

func Defaults() Settings {
	return Settings{
		AutoSearch:  true,
		VoiceRate:   1.1,
		VoicePitch:  1.0,
		Temperature: 0.7,
		TopP:        0.95,
	}
}

type Repository struct {
	store  storage.Store
	vault  *secrets.Vault
	logger zerolog.Logger
}

var _ credentials.KeySource = (*Repository)(nil)

func NewRepository(store storage.Store, vault *secrets.Vault, logger zerolog.Logger) *Repository {
	return &Repository{store: store, vault: vault, logger: logger}
}

// Load returns the stored settings over the defaults. Unreadable entries
// keep their default.
func (r *Repository) Load(ctx context.Context) (Settings, error) {
	s := Defaults()
	all, err := r.store.GetAll(ctx, storage.BucketSettings)
	if err != nil {
		return s, fmt.Errorf("load settings: %w", err)
	}
	fields := map[string]any{
		keyLastActiveProfile: &s.LastActiveProfile,
		keyAutoSearch:        &s.AutoSearch,
		keyVoiceRate:         &s.VoiceRate,
		keyVoicePitch:        &s.VoicePitch,
		keyVoiceName:         &s.VoiceName,
		keyTemperature:       &s.Temperature,
		keyTopP:              &s.TopP,
	}
	for key, dst := range fields {
		raw, ok := all[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			r.logger.Warn().Err(err).Str("setting", key).Msg("ignoring unreadable setting")
		}
	}
	return s, nil
}

func (r *Repository) SetLastActiveProfile(ctx context.Context, id string) error {
	return r.put(ctx, keyLastActiveProfile, id)
}

func (r *Repository) SetAutoSearch(ctx context.Context, on bool) error {
	return r.put(ctx, keyAutoSearch, on)
}

func (r *Repository) SetVoice(ctx context.Context, rate, pitch float64, name string) error {
	if rate < 0.5 || rate > 2 {
		return fmt.Errorf("%w: voice rate %.2f not in [0.5, 2]", ErrOutOfRange, rate)
	}
	if pitch < 0 || pitch > 2 {
		return fmt.Errorf("%w: voice pitch %.2f not in [0, 2]", ErrOutOfRange, pitch)
	}
	if err := r.put(ctx, keyVoiceRate, rate); err != nil {
		return err
	}
	if err := r.put(ctx, keyVoicePitch, pitch); err != nil {
		return err
	}
	return r.put(ctx, keyVoiceName, name)
}

func (r *Repository) SetGeneration(ctx context.Context, temperature, topP float64) error {
	if temperature < 0 || temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f not in [0, 2]", ErrOutOfRange, temperature)
	}
	if topP <= 0 || topP > 1 {
		return fmt.Errorf("%w: top-p %.2f not in (0, 1]", ErrOutOfRange, topP)
	}
	if err := r.put(ctx, keyTemperature, temperature); err != nil {
		return err
	}
	return r.put(ctx, keyTopP, topP)
}

func (r *Repository) put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}
	if err := r.store.Save(ctx, storage.BucketSettings, key, b); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// APIKey returns the credential configured for p, or "" when none is set.
func (r *Repository) APIKey(ctx context.Context, p providers.Name) (string, error) {
	sealed, err := r.sealedKeys(ctx)
	if err != nil {
		return "", err
	}
	raw, ok := sealed[p]
	if !ok {
		return "", nil
	}
	key, err := r.vault.Open(string(p), raw)
	if err != nil {
		return "", fmt.Errorf("open %s credential: %w", p, err)
	}
	return key, nil
}

// SetAPIKey stores secret for p. An empty secret removes the credential.
func (r *Repository) SetAPIKey(ctx context.Context, p providers.Name, secret string) error {
	if _, err := providers.ParseName(string(p)); err != nil {
		return err
	}
	sealed, err := r.sealedKeys(ctx)
	if err != nil {
		return err
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		delete(sealed, p)
	} else {
		env, err := r.vault.Seal(string(p), secret)
		if err != nil {
			return fmt.Errorf("seal %s credential: %w", p, err)
		}
		sealed[p] = env
	}
	return r.put(ctx, keyProviderAPIKeys, sealed)
}

// ConfiguredProviders lists providers with a stored credential.
func (r *Repository) ConfiguredProviders(ctx context.Context) ([]providers.Name, error) {
	sealed, err := r.sealedKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]providers.Name, 0, len(sealed))
	for _, p := range providers.All {
		if _, ok := sealed[p]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ResealKeys moves every stored credential onto the vault's current key.
func (r *Repository) ResealKeys(ctx context.Context) (int, error) {
	sealed, err := r.sealedKeys(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for p, raw := range sealed {
		next, ok, err := r.vault.Reseal(string(p), raw)
		if err != nil {
			return changed, fmt.Errorf("reseal %s credential: %w", p, err)
		}
		if ok {
			sealed[p] = next
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := r.put(ctx, keyProviderAPIKeys, sealed); err != nil {
		return 0, err
	}
	r.logger.Info().Int("count", changed).Str("key_id", r.vault.CurrentKeyID()).Msg("credentials resealed")
	return changed, nil
}

func (r *Repository) sealedKeys(ctx context.Context) (map[providers.Name]string, error) {
	out := map[providers.Name]string{}
	raw, err := r.store.Get(ctx, storage.BucketSettings, keyProviderAPIKeys)
	if errors.Is(err, storage.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return out, nil
}
