package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bredai/internal/catalog"
	"bredai/internal/metrics"
	"bredai/internal/providers"
	"bredai/internal/storage"
)

func TestSelectRoundRobin(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	usages := make([]Usage, 3)
	limits := Limits{RPM: 15, RPD: 1000}

	var picked []int
	cursor := 0
	for i := 0; i < 4; i++ {
		sel, ok := Select(usages, cursor, now, limits)
		require.True(t, ok)
		picked = append(picked, sel.Index)
		usages, cursor = sel.Usages, sel.Cursor
	}
	require.Equal(t, []int{0, 1, 2, 0}, picked)
	require.Equal(t, 2, usages[0].DayCount)
	require.Equal(t, "2026-03-01", usages[0].DayDate)
}

func TestSelectNeverExceedsCeilings(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limits := Limits{RPM: 3, RPD: 100}
	usages := make([]Usage, 2)
	cursor := 0

	// RPM-1 = 2 per key per minute, so 4 selections fit in one minute.
	for i := 0; i < 4; i++ {
		sel, ok := Select(usages, cursor, now, limits)
		require.True(t, ok, "selection %d", i)
		usages, cursor = sel.Usages, sel.Cursor
		for _, u := range usages {
			require.LessOrEqual(t, len(u.Minute), limits.RPM-1)
		}
	}
	_, ok := Select(usages, cursor, now, limits)
	require.False(t, ok)

	// entries older than a minute are pruned
	sel, ok := Select(usages, cursor, now.Add(61*time.Second), limits)
	require.True(t, ok)
	require.Len(t, sel.Usages[sel.Index].Minute, 1)
}

func TestSelectDayRollover(t *testing.T) {
	limits := Limits{RPM: 100, RPD: 3}
	usages := []Usage{{DayCount: 2, DayDate: "2026-02-28"}}

	_, ok := Select(usages, 0, time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC), limits)
	require.False(t, ok, "day count at RPD-1 must be rejected")

	sel, ok := Select(usages, 0, time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC), limits)
	require.True(t, ok)
	require.Equal(t, 1, sel.Usages[0].DayCount)
	require.Equal(t, "2026-03-01", sel.Usages[0].DayDate)
	require.Equal(t, 2, usages[0].DayCount, "input must not be mutated")
}

func TestPoolExhaustionAndPersistence(t *testing.T) {
	ctx := context.Background()
	store, err := storage.OpenSQL(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "usage.db"), true)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cfg := PoolConfig{
		Provider: providers.Gemini,
		Keys:     []string{"k1", "k2"},
		Store:    store,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return now },
	}
	pool, err := NewPool(ctx, cfg)
	require.NoError(t, err)

	limits := Limits{RPM: 2, RPD: 50}
	c1, err := pool.Acquire(ctx, limits)
	require.NoError(t, err)
	require.Equal(t, "k1", c1.Secret)
	c2, err := pool.Acquire(ctx, limits)
	require.NoError(t, err)
	require.Equal(t, "k2", c2.Secret)

	_, err = pool.Acquire(ctx, limits)
	require.ErrorIs(t, err, ErrExhausted)
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, 2, exhausted.PoolSize)

	raw, err := store.Get(ctx, storage.BucketUsage, UsageRecordKey)
	require.NoError(t, err)
	var st poolState
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Len(t, st.Usages, 2)
	require.Equal(t, 1, st.Usages[0].DayCount)

	restored, err := NewPool(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, restored.Usage()[1].DayCount)
}

func TestPoolKeepsUsageWhenKeyAdded(t *testing.T) {
	ctx := context.Background()
	store, err := storage.OpenSQL(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "usage.db"), true)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cfg := PoolConfig{
		Provider: providers.Gemini,
		Keys:     []string{"k1", "k2"},
		Store:    store,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return now },
	}
	pool, err := NewPool(ctx, cfg)
	require.NoError(t, err)
	limits := Limits{RPM: 10, RPD: 50}
	for i := 0; i < 3; i++ {
		_, err := pool.Acquire(ctx, limits)
		require.NoError(t, err)
	}
	before := pool.Usage()

	cfg.Keys = []string{"k1", "k2", "k3"}
	grown, err := NewPool(ctx, cfg)
	require.NoError(t, err)
	after := grown.Usage()
	require.Len(t, after, 3)
	require.Equal(t, before[0].DayCount, after[0].DayCount)
	require.Equal(t, before[1].DayCount, after[1].DayCount)
	require.Len(t, after[0].Minute, len(before[0].Minute))
	require.Equal(t, 0, after[2].DayCount)
	require.Empty(t, after[2].Minute)
	require.Equal(t, "2026-03-01", after[2].DayDate)

	cfg.Keys = []string{"k1"}
	shrunk, err := NewPool(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, shrunk.Usage(), 1)
	require.Equal(t, before[0].DayCount, shrunk.Usage()[0].DayCount)
	cred, err := shrunk.Acquire(ctx, limits)
	require.NoError(t, err)
	require.Equal(t, "k1", cred.Secret)
}

func TestPoolUsageIsDetached(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{Provider: providers.Gemini, Keys: []string{"a"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = pool.Acquire(ctx, Limits{RPM: 10, RPD: 10})
	require.NoError(t, err)

	snapshot := pool.Usage()
	require.Len(t, snapshot[0].Minute, 1)
	stamp := snapshot[0].Minute[0]
	snapshot[0].Minute[0] = time.Time{}
	snapshot[0].DayCount = 99

	fresh := pool.Usage()
	require.Equal(t, stamp, fresh[0].Minute[0])
	require.Equal(t, 1, fresh[0].DayCount)
}

func TestPoolReinitializesMissingState(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{Provider: providers.Gemini, Keys: []string{"a"}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	pool.state = nil
	cred, err := pool.Acquire(ctx, Limits{RPM: 10, RPD: 10})
	require.NoError(t, err)
	require.Equal(t, "a", cred.Secret)
}

type staticKeys map[providers.Name]string

func (s staticKeys) APIKey(_ context.Context, p providers.Name) (string, error) {
	return s[p], nil
}

func TestRegistrySingleMode(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(RegistryConfig{
		Keys:    staticKeys{providers.Groq: "gsk"},
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(),
	})
	require.NoError(t, err)

	cred, err := reg.Select(ctx, catalog.Model{Provider: providers.Groq})
	require.NoError(t, err)
	require.Equal(t, "gsk", cred.Secret)
	require.False(t, cred.NotNeeded)

	_, err = reg.Select(ctx, catalog.Model{Provider: providers.NVIDIA})
	require.ErrorIs(t, err, ErrExhausted)

	require.True(t, reg.Configured(ctx, providers.Groq))
	require.False(t, reg.Configured(ctx, providers.Cerebras))
}

func TestRegistryPoolModeSkipsAccountingForOtherProviders(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{Provider: providers.Gemini, Keys: []string{"g1"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	reg, err := NewRegistry(RegistryConfig{
		Mode:    ModePool,
		Keys:    staticKeys{providers.Groq: "gsk"},
		Pool:    pool,
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(),
	})
	require.NoError(t, err)

	cred, err := reg.Select(ctx, catalog.Model{Provider: providers.Gemini, RPM: 15, RPD: 1000})
	require.NoError(t, err)
	require.Equal(t, "g1", cred.Secret)

	cred, err = reg.Select(ctx, catalog.Model{Provider: providers.Groq})
	require.NoError(t, err)
	require.True(t, cred.NotNeeded)
	require.Equal(t, "gsk", cred.Secret)
	require.Len(t, pool.Usage()[0].Minute, 1)
}
