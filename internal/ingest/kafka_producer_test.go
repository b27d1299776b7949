package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestLocationMessageKeyedByDriver(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 41.3, Lon: 69.2}, Timestamp: at}

	msg, err := locationMessage(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("d1"), msg.Key)
	assert.Equal(t, at, msg.Time)

	back, err := DecodeLocation(msg)
	require.NoError(t, err)
	assert.Equal(t, loc, back)
}

func TestRideEventMessageCarriesStatusHeader(t *testing.T) {
	msg, err := rideEventMessage(models.RideEvent{RideID: "r1", Status: models.RideStatusStarted})
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), msg.Key)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "started", string(msg.Headers[0].Value))
	assert.Contains(t, string(msg.Value), `"status":"started"`)
}
