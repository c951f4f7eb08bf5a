package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "bredai.db")
	s, err := OpenSQL(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openRedis(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	backends := map[string]func(*testing.T) Store{
		"sqlite": func(t *testing.T) Store { return openSQLite(t) },
		"redis":  func(t *testing.T) Store { return openRedis(t) },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if _, err := s.Get(ctx, BucketProfiles, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := s.Save(ctx, BucketProfiles, "p1", []byte(`{"name":"Anna"}`)); err != nil {
				t.Fatalf("save p1: %v", err)
			}
			if err := s.Save(ctx, BucketProfiles, "p1", []byte(`{"name":"Anna B"}`)); err != nil {
				t.Fatalf("overwrite p1: %v", err)
			}
			if err := s.Save(ctx, BucketProfiles, "p2", []byte(`{"name":"Ben"}`)); err != nil {
				t.Fatalf("save p2: %v", err)
			}
			if err := s.Save(ctx, BucketSettings, "temperature", []byte("0.5")); err != nil {
				t.Fatalf("save setting: %v", err)
			}

			got, err := s.Get(ctx, BucketProfiles, "p1")
			if err != nil {
				t.Fatalf("get p1: %v", err)
			}
			if string(got) != `{"name":"Anna B"}` {
				t.Fatalf("unexpected p1 value %q", got)
			}

			all, err := s.GetAll(ctx, BucketProfiles)
			if err != nil {
				t.Fatalf("get all: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 profiles, got %d", len(all))
			}

			if err := s.Delete(ctx, BucketProfiles, "p2"); err != nil {
				t.Fatalf("delete p2: %v", err)
			}
			if err := s.Delete(ctx, BucketProfiles, "p2"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on second delete, got %v", err)
			}

			if err := s.Save(ctx, Bucket("chats"), "x", []byte("1")); err == nil {
				t.Fatalf("expected unknown bucket to be rejected")
			}
		})
	}
}
