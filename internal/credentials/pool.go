package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bredai/internal/providers"
	"bredai/internal/storage"
)

// UsageRecordKey is the usage-bucket record holding the pool state.
const UsageRecordKey = "primaryUsage"

type poolState struct {
	Cursor int     `json:"cursor"`
	Usages []Usage `json:"usages"`
}

// Pool rotates several credentials of one provider and keeps per-credential
// usage so none exceeds its model's limits.
type Pool struct {
	mu       sync.Mutex
	provider providers.Name
	keys     []string
	state    *poolState
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

type PoolConfig struct {
	Provider providers.Name
	Keys     []string
	Store    storage.Store
	Logger   zerolog.Logger
	Now      func() time.Time
}

func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("credential pool for %s has no keys", cfg.Provider)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Pool{
		provider: cfg.Provider,
		keys:     append([]string(nil), cfg.Keys...),
		store:    cfg.Store,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if err := p.restore(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) Size() int {
	return len(p.keys)
}

// Acquire returns a credential with headroom under limits and records the
// request against it. Selection and recording happen under one lock.
func (p *Pool) Acquire(ctx context.Context, limits Limits) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.stateValid() {
		p.logger.Warn().Str("provider", string(p.provider)).Msg("credential usage state out of date, reinitializing")
		p.reconcile()
	}

	sel, ok := Select(p.state.Usages, p.state.Cursor, p.now(), limits)
	p.state.Usages = sel.Usages
	if !ok {
		p.persist(ctx)
		return Credential{}, &ExhaustedError{Provider: p.provider, PoolSize: len(p.keys)}
	}
	p.state.Cursor = sel.Cursor
	p.persist(ctx)

	p.logger.Debug().
		Str("provider", string(p.provider)).
		Int("index", sel.Index).
		Int("day_count", sel.Usages[sel.Index].DayCount).
		Msg("credential selected")
	return Credential{Provider: p.provider, Secret: p.keys[sel.Index], Index: sel.Index}, nil
}

// Usage returns a deep copy of the current accounting table.
func (p *Pool) Usage() []Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyUsages(p.state.Usages)
}

func (p *Pool) stateValid() bool {
	return p.state != nil && len(p.state.Usages) == len(p.keys)
}

// reconcile sizes the usage table to the key list. Entries of keys that
// still exist are kept by index; new keys start empty.
func (p *Pool) reconcile() {
	today := p.now().Format("2006-01-02")
	var old []Usage
	cursor := 0
	if p.state != nil {
		old, cursor = p.state.Usages, p.state.Cursor
	}
	usages := make([]Usage, len(p.keys))
	for i := range usages {
		if i < len(old) {
			usages[i] = old[i]
			if usages[i].Minute == nil {
				usages[i].Minute = []time.Time{}
			}
			continue
		}
		usages[i] = Usage{Minute: []time.Time{}, DayDate: today}
	}
	if cursor < 0 || cursor >= len(usages) {
		cursor = 0
	}
	p.state = &poolState{Cursor: cursor, Usages: usages}
}

func (p *Pool) restore(ctx context.Context) error {
	if p.store == nil {
		p.reconcile()
		return nil
	}
	raw, err := p.store.Get(ctx, storage.BucketUsage, UsageRecordKey)
	if errors.Is(err, storage.ErrNotFound) {
		p.reconcile()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential usage: %w", err)
	}
	var st poolState
	if err := json.Unmarshal(raw, &st); err != nil {
		p.logger.Warn().Err(err).Msg("discarding unreadable credential usage record")
		p.reconcile()
		return nil
	}
	p.state = &st
	if !p.stateValid() {
		p.reconcile()
	}
	return nil
}

// persist is best effort: in-memory state stays authoritative for this process.
func (p *Pool) persist(ctx context.Context) {
	if p.store == nil {
		return
	}
	b, err := json.Marshal(p.state)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode credential usage")
		return
	}
	if err := p.store.Save(ctx, storage.BucketUsage, UsageRecordKey, b); err != nil {
		p.logger.Error().Err(err).Msg("persist credential usage")
	}
}
