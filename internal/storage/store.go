package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Bucket groups records of one kind. Keys are unique within a bucket.
type Bucket string

const (
	BucketProfiles Bucket = "profiles"
	BucketSettings Bucket = "settings"
	BucketUsage    Bucket = "usage"
)

// Store is the key-value persistence contract every backend satisfies.
// Values are opaque bytes; callers own the encoding.
type Store interface {
	Get(ctx context.Context, bucket Bucket, key string) ([]byte, error)
	GetAll(ctx context.Context, bucket Bucket) (map[string][]byte, error)
	Save(ctx context.Context, bucket Bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket Bucket, key string) error
	Close() error
}

func validBucket(b Bucket) bool {
	switch b {
	case BucketProfiles, BucketSettings, BucketUsage:
		return true
	default:
		return false
	}
}
