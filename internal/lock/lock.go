// Package lock provides advisory, time-bounded distributed locks on the fast
// store. A lock is released only by the holder presenting the token it was
// acquired with. Locks expire on their own, so a holder that runs past the
// TTL must re-validate whatever state the lock was protecting.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/store"
)

var ErrEmptyToken = errors.New("lock token must not be empty")

type Manager struct {
	store store.Store
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// DriverKey is the per-driver claim lock.
func DriverKey(driverID string) string { return "lock:driver:" + driverID }

// Acquire sets key to token only if the key is absent.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, token string) (bool, error) {
	if token == "" {
		return false, ErrEmptyToken
	}
	return m.store.SetNX(ctx, key, token, ttl)
}

// Release deletes key only if it still holds token. Releasing a lock that
// expired or now belongs to someone else is a no-op returning false.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, ErrEmptyToken
	}
	return m.store.CompareAndDelete(ctx, key, token)
}
