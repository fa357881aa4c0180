package engine

import (
	"context"
	"fmt"
	"sync"

	"chatsync/internal/domain"
)

// ProfileCache is a process-wide display-name/avatar cache keyed by user id.
// It is injected into the components that need it rather than held as a
// global. Entries live for the process lifetime; a stale name is an accepted
// tradeoff, but any fresher fetch for the same id overwrites the cached one.
type ProfileCache struct {
	mu   sync.RWMutex
	byID map[string]*domain.Profile
	repo domain.ProfileRepository
}

func NewProfileCache(repo domain.ProfileRepository) *ProfileCache {
	return &ProfileCache{
		byID: make(map[string]*domain.Profile),
		repo: repo,
	}
}

// Resolve returns profiles for all ids, fetching the ones not cached in a
// single batch. Fetched profiles overwrite any cached copy.
func (c *ProfileCache) Resolve(ctx context.Context, ids []string) (map[string]*domain.Profile, error) {
	res := make(map[string]*domain.Profile, len(ids))
	var missing []string

	c.mu.RLock()
	for _, id := range ids {
		if p, ok := c.byID[id]; ok {
			res[id] = p
		} else {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return res, nil
	}

	fetched, err := c.repo.GetMany(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("resolve profiles: %w", err)
	}

	c.mu.Lock()
	for id, p := range fetched {
		c.byID[id] = p
		res[id] = p
	}
	c.mu.Unlock()
	return res, nil
}

// Put stores a freshly fetched profile, overwriting any cached copy.
func (c *ProfileCache) Put(p *domain.Profile) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[p.ID] = p
}

// DisplayName returns the cached display name for the user, if known.
func (c *ProfileCache) DisplayName(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.byID[id]; ok {
		return p.DisplayName, true
	}
	return "", false
}
