package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111.2 km
	d := Haversine(41.0, 69.0, 42.0, 69.0)
	assert.InDelta(t, 111195, d, 100)
}

func TestValidateCoord(t *testing.T) {
	assert.NoError(t, ValidateCoord(models.Coord{Lat: 41.3, Lon: 69.24}))
	assert.NoError(t, ValidateCoord(models.Coord{Lat: -MaxLat, Lon: 180}))
	assert.NoError(t, ValidateCoord(models.Coord{Lat: 85, Lon: 10}))
	// valid on the globe, outside what the geo index accepts
	assert.ErrorIs(t, ValidateCoord(models.Coord{Lat: 88, Lon: 10}), ErrInvalidCoord)
	assert.ErrorIs(t, ValidateCoord(models.Coord{Lat: -90, Lon: 0}), ErrInvalidCoord)
	assert.ErrorIs(t, ValidateCoord(models.Coord{Lat: 90.1, Lon: 0}), ErrInvalidCoord)
	assert.ErrorIs(t, ValidateCoord(models.Coord{Lat: 0, Lon: -180.5}), ErrInvalidCoord)
	assert.ErrorIs(t, ValidateCoord(models.Coord{Lat: math.NaN(), Lon: 0}), ErrInvalidCoord)
}

func TestBoundingBox(t *testing.T) {
	box := BoundingBox{
		NorthEast: models.Coord{Lat: 41.32, Lon: 69.26},
		SouthWest: models.Coord{Lat: 41.28, Lon: 69.22},
	}
	assert.NoError(t, box.Validate())
	c := box.Center()
	assert.InDelta(t, 41.30, c.Lat, 1e-9)
	assert.InDelta(t, 69.24, c.Lon, 1e-9)
	assert.True(t, box.Contains(models.Coord{Lat: 41.30, Lon: 69.25}))
	assert.False(t, box.Contains(models.Coord{Lat: 41.33, Lon: 69.25}))
	assert.Greater(t, box.Radius(), Distance(c, models.Coord{Lat: 41.32, Lon: 69.24}))

	inverted := BoundingBox{NorthEast: box.SouthWest, SouthWest: box.NorthEast}
	assert.ErrorIs(t, inverted.Validate(), ErrInvalidBox)
}
