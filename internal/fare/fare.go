// Package fare prices a trip from its tariff, distance and duration.
package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrUnknownTariff = errors.New("unknown tariff")

type Rate struct {
	Base    float64
	PerKm   float64
	PerMin  float64
	Minimum float64
}

type Table map[models.Tariff]Rate

func DefaultTable() Table {
	return Table{
		models.TariffEconomy:  {Base: 5000, PerKm: 1500, PerMin: 200, Minimum: 8000},
		models.TariffComfort:  {Base: 7000, PerKm: 2000, PerMin: 300, Minimum: 12000},
		models.TariffBusiness: {Base: 12000, PerKm: 3500, PerMin: 500, Minimum: 20000},
	}
}

// Quote returns the price rounded to a whole currency unit.
func (t Table) Quote(tariff models.Tariff, meters, seconds float64) (float64, error) {
	r, ok := t[tariff]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTariff, tariff)
	}
	price := r.Base + r.PerKm*meters/1000 + r.PerMin*seconds/60
	return math.Round(math.Max(price, r.Minimum)), nil
}
