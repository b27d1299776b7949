package assign

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
)

const sweepBatch = 100

// SweepOffers closes offers whose waiter is gone. An offer is only taken
// over once it is overdue by a full AckTimeout, so a live waiter always
// expires its own offer first.
func (s *Service) SweepOffers(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.AckTimeout)
	ids, err := s.Acks.Overdue(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, rideID := range ids {
		ack, found, err := s.Acks.State(ctx, rideID)
		if err != nil {
			s.Logger.Warn("sweep_state_failed", "ride_id", rideID, "error", err)
			continue
		}
		if !found || ack.State != dispatch.AckPending {
			_ = s.Acks.Forget(ctx, rideID)
			continue
		}
		won, err := s.Acks.Expire(ctx, rideID, ack.DriverID)
		if err != nil || !won {
			continue
		}
		s.Rollback(ctx, rideID, ack.DriverID)
		s.abandon(ctx, rideID, ReasonNoResponse)
		s.Metrics.AckOutcomes.WithLabelValues(ackLabel(dispatch.AckExpired)).Inc()
		s.Metrics.OffersSwept.Inc()
		s.Logger.Info("offer_swept", "ride_id", rideID, "driver_id", ack.DriverID)
		swept++
	}
	return swept, nil
}

// RunSweeper calls SweepOffers every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOffers(ctx); err != nil {
				s.Logger.Warn("offer_sweep_failed", "error", err)
			}
		}
	}
}
