// Package storage holds the durable ride records. The durable record is the
// only authority for ride status; the store mirror is a cache of it.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrRideNotFound = errors.New("ride not found")
	// ErrConflict means the ride was not in the expected status when updated.
	ErrConflict = errors.New("ride was modified concurrently")
)

// RideStore defines persistence operations for rides.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRide writes r only if the stored status still equals expected.
	UpdateRide(ctx context.Context, r *models.Ride, expected models.RideStatus) error
}

type ClientDirectory interface {
	ClientExists(ctx context.Context, clientID string) (bool, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	clients map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), clients: make(map[string]bool)}
}

func (m *MemoryStore) AddClient(id string) {
	m.mu.Lock()
	m.clients[id] = true
	m.mu.Unlock()
}

func (m *MemoryStore) ClientExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[id], nil
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrRideNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.Ride, expected models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrRideNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	m.rides[r.ID] = r.Clone()
	return nil
}
