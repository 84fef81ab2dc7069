// Package registry resolves a user's conversation context from the process
// cache, then durable storage, then a fresh context, and writes it back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/conversation"
	"github.com/stellarlinkco/chatclaw/internal/storage"
)

// Registry caches contexts per username for one variant. The cache is best
// effort; storage is the source of truth.
type Registry struct {
	store   storage.Store
	variant conversation.Variant
	opts    conversation.Options
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string]conversation.Context
}

func New(store storage.Store, variant conversation.Variant, opts conversation.Options, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		store:   store,
		variant: variant,
		opts:    opts,
		logger:  logger,
		cache:   make(map[string]conversation.Context),
	}
}

func (r *Registry) Variant() conversation.Variant { return r.variant }

// Key returns the storage key of username's record for this variant.
func (r *Registry) Key(username string) string {
	return fmt.Sprintf("%s/%s.json", r.variant, username)
}

// Get returns the cached context, else the stored one, else a new empty one.
// Storage errors other than not-found are returned; they never fall back to a
// new context.
func (r *Registry) Get(ctx context.Context, username string) (conversation.Context, error) {
	if c := r.cached(username); c != nil {
		return c, nil
	}

	c, err := r.load(ctx, username)
	if err != nil {
		r.logger.Errorw("failed to get user context", "username", username, "error", err)
		return nil, err
	}
	if c == nil {
		r.logger.Debugw("creating new user context", "username", username, "variant", r.variant)
		c, err = conversation.New(r.variant, username, r.opts)
		if err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache[username]; ok {
		return existing, nil
	}
	r.cache[username] = c
	return c, nil
}

func (r *Registry) cached(username string) conversation.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[username]
}

func (r *Registry) load(ctx context.Context, username string) (conversation.Context, error) {
	data, err := r.store.Read(ctx, r.Key(username))
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Debugw("no user context present", "username", username)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context %s: %w", username, err)
	}
	c, err := conversation.Decode(r.variant, username, data, r.opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Save overwrites the stored record of c and refreshes the cache entry.
func (r *Registry) Save(ctx context.Context, c conversation.Context) error {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode context %s: %w", c.Username(), err)
	}
	if err := r.store.Write(ctx, r.Key(c.Username()), data); err != nil {
		r.logger.Errorw("failed to store user context", "username", c.Username(), "error", err)
		return fmt.Errorf("store context %s: %w", c.Username(), err)
	}

	r.mu.Lock()
	r.cache[c.Username()] = c
	r.mu.Unlock()
	return nil
}

// Reset replaces username's history with an empty one that keeps the current
// behaviour, and persists it.
func (r *Registry) Reset(ctx context.Context, username string) (conversation.Context, error) {
	c, err := r.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	c.ChangeBehaviour(c.Behaviour())
	if err := r.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes username's stored record and cached context. It reports
// whether a record existed.
func (r *Registry) Delete(ctx context.Context, username string) (bool, error) {
	r.Forget(username)
	err := r.store.Delete(ctx, r.Key(username))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		r.logger.Errorw("failed to delete user context", "username", username, "error", err)
		return false, fmt.Errorf("delete context %s: %w", username, err)
	}
	return true, nil
}

// Forget drops username's cached context so the next Get reloads it from
// storage. Callers use it after a turn that mutated the context but was not saved.
func (r *Registry) Forget(username string) {
	r.mu.Lock()
	delete(r.cache, username)
	r.mu.Unlock()
}

// Purge drops every cached context and returns how many were dropped.
func (r *Registry) Purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.cache)
	r.cache = make(map[string]conversation.Context)
	return n
}

// Cached reports how many contexts are held in memory.
func (r *Registry) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
