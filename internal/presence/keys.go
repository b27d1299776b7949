package presence

// Shared-store key schema. Every process instance must agree on these.
const (
	GeoKey          = "drivers:geo"
	driverKeyPrefix = "driver:"
	rideKeyPrefix   = "ride:"
)

func StatusKey(driverID string) string      { return driverKeyPrefix + driverID + ":status" }
func LocationKey(driverID string) string    { return driverKeyPrefix + driverID + ":location" }
func RideKey(driverID string) string        { return driverKeyPrefix + driverID + ":ride" }
func AcceptsKey(driverID string) string     { return driverKeyPrefix + driverID + ":accepts" }
func TotalOffersKey(driverID string) string { return driverKeyPrefix + driverID + ":total_offers" }
func debounceKey(driverID string) string    { return driverKeyPrefix + driverID + ":debounce" }

// RideStatusKey is the ride-status mirror.
func RideStatusKey(rideID string) string { return rideKeyPrefix + rideID + ":status" }
