package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreOptimisticUpdate(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r := sampleRide()
	require.NoError(t, m.CreateRide(ctx, r))
	assert.ErrorIs(t, m.CreateRide(ctx, r), ErrConflict)

	got, err := m.GetRide(ctx, "r1")
	require.NoError(t, err)
	got.Status = models.RideStatusAccepted

	require.NoError(t, m.UpdateRide(ctx, got, models.RideStatusPending))
	assert.ErrorIs(t, m.UpdateRide(ctx, got, models.RideStatusPending), ErrConflict)

	missing := sampleRide()
	missing.ID = "other"
	assert.ErrorIs(t, m.UpdateRide(ctx, missing, models.RideStatusPending), ErrRideNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.CreateRide(ctx, sampleRide()))

	a, _ := m.GetRide(ctx, "r1")
	a.Status = models.RideStatusCancelled
	b, _ := m.GetRide(ctx, "r1")
	assert.Equal(t, models.RideStatusPending, b.Status)
}

func TestMemoryStoreClients(t *testing.T) {
	m := NewMemoryStore()
	m.AddClient("c1")
	ok, err := m.ClientExists(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.ClientExists(context.Background(), "c2")
	assert.False(t, ok)
}
