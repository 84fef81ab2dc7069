// Package auth decides which users may talk to the bot.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/storage"
)

// UserACL is one entry of the access list document.
type UserACL struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ACL checks usernames against a JSON list kept in the record store. Granted
// users are cached; misses always re-read the list so newly added users are
// picked up without a restart.
type ACL struct {
	store    storage.Store
	key      string
	restrict bool
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	cached map[string]UserACL
}

func NewACL(store storage.Store, key string, restrict bool, logger *zap.SugaredLogger) *ACL {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ACL{
		store:    store,
		key:      key,
		restrict: restrict,
		logger:   logger,
		cached:   make(map[string]UserACL),
	}
}

// Restricted reports whether the access list is enforced.
func (a *ACL) Restricted() bool { return a.restrict }

// Authorize returns the user's entry and whether access is granted. With
// restriction off every user is granted with an empty entry.
func (a *ACL) Authorize(ctx context.Context, username string) (UserACL, bool, error) {
	if !a.restrict {
		return UserACL{Username: username}, true, nil
	}

	a.mu.Lock()
	acl, ok := a.cached[username]
	a.mu.Unlock()
	if ok {
		return acl, true, nil
	}

	entries, err := a.load(ctx)
	if err != nil {
		return UserACL{}, false, err
	}
	for _, e := range entries {
		if e.Username == username {
			a.mu.Lock()
			a.cached[username] = e
			a.mu.Unlock()
			return e, true, nil
		}
	}
	return UserACL{}, false, nil
}

func (a *ACL) load(ctx context.Context) ([]UserACL, error) {
	data, err := a.store.Read(ctx, a.key)
	if errors.Is(err, storage.ErrNotFound) {
		a.logger.Warnw("user acl missing, denying everyone", "key", a.key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user acl: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []UserACL
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse user acl: %w", err)
	}
	a.logger.Debugw("fetched user acls", "count", len(entries))
	return entries, nil
}
