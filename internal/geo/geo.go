package geo

import (
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrInvalidCoord = errors.New("coordinates out of range")
	ErrInvalidBox   = errors.New("invalid bounding box")
)

const earthRadiusMeters = 6371000.0

// MaxLat is the latitude limit of the store's geo index (web mercator).
const MaxLat = 85.05112878

// ValidateCoord rejects NaN and anything the geo index cannot hold:
// latitudes beyond ±MaxLat and longitudes beyond ±180.
func ValidateCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return ErrInvalidCoord
	}
	if c.Lat < -MaxLat || c.Lat > MaxLat || c.Lon < -180 || c.Lon > 180 {
		return ErrInvalidCoord
	}
	return nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// BoundingBox is the visible map area, given by two opposite corners.
type BoundingBox struct {
	NorthEast models.Coord `json:"northEast"`
	SouthWest models.Coord `json:"southWest"`
}

func (b BoundingBox) Validate() error {
	if err := ValidateCoord(b.NorthEast); err != nil {
		return err
	}
	if err := ValidateCoord(b.SouthWest); err != nil {
		return err
	}
	if b.NorthEast.Lat < b.SouthWest.Lat || b.NorthEast.Lon < b.SouthWest.Lon {
		return ErrInvalidBox
	}
	return nil
}

// Center is the midpoint of the box.
func (b BoundingBox) Center() models.Coord {
	return models.Coord{
		Lat: (b.NorthEast.Lat + b.SouthWest.Lat) / 2,
		Lon: (b.NorthEast.Lon + b.SouthWest.Lon) / 2,
	}
}

// Radius returns the distance from the center to the farthest corner, so a
// radius query around Center covers the whole box.
func (b BoundingBox) Radius() float64 {
	c := b.Center()
	return math.Max(Distance(c, b.NorthEast), Distance(c, b.SouthWest))
}

// Contains reports whether c lies inside the box (edges inclusive).
func (b BoundingBox) Contains(c models.Coord) bool {
	return c.Lat >= b.SouthWest.Lat && c.Lat <= b.NorthEast.Lat &&
		c.Lon >= b.SouthWest.Lon && c.Lon <= b.NorthEast.Lon
}
