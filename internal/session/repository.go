package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"bredai/internal/storage"
)

// Repository stores one JSON document per profile in the profiles bucket.
type Repository struct {
	store storage.Store
}

func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

func (r *Repository) Load(ctx context.Context, id string) (Profile, error) {
	raw, err := r.store.Get(ctx, storage.BucketProfiles, id)
	if err != nil {
		return Profile{}, fmt.Errorf("load profile %s: %w", id, err)
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", id, err)
	}
	return p, nil
}

// List returns every profile, oldest first.
func (r *Repository) List(ctx context.Context) ([]Profile, error) {
	all, err := r.store.GetAll(ctx, storage.BucketProfiles)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]Profile, 0, len(all))
	for id, raw := range all {
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", id, err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repository) Save(ctx context.Context, p Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", p.ID, err)
	}
	if err := r.store.Save(ctx, storage.BucketProfiles, p.ID, b); err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, storage.BucketProfiles, id); err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	return nil
}
