package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

var (
	// ErrNoDrivers means the scan finished without a claimable driver.
	ErrNoDrivers = errors.New("no available driver nearby")
	// ErrStoreUnavailable means the scan could not be performed at all.
	ErrStoreUnavailable = errors.New("matching store unavailable")
)

type Presence interface {
	Nearby(ctx context.Context, c models.Coord, radiusMeters float64, count int) ([]store.GeoMember, error)
	Snapshots(ctx context.Context, driverIDs []string) (map[string]models.Presence, error)
	Get(ctx context.Context, driverID string) (models.Presence, error)
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, token string) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Scoring ranks candidates as Base + AcceptWeight*acceptanceRate, with
// DefaultRate standing in for drivers without offer history.
type Scoring struct {
	Base         float64
	AcceptWeight float64
	DefaultRate  float64
}

func DefaultScoring() Scoring { return Scoring{Base: 1, AcceptWeight: 2, DefaultRate: 0.5} }

func (s Scoring) Score(p models.Presence) float64 {
	return s.Base + s.AcceptWeight*p.AcceptanceRate(s.DefaultRate)
}

type Request struct {
	Pickup models.Coord
	Tariff models.Tariff
	// Exclude lists drivers that already failed this ride.
	Exclude map[string]bool
}

// Claim is a driver held under lock for one ride request. The caller must
// Release it once the assignment attempt ends, whatever the outcome.
type Claim struct {
	DriverID       string
	Token          string
	DistanceMeters float64
	Score          float64
}

type Service struct {
	Presence Presence
	Locks    Locker
	Radii    map[models.Tariff]float64
	TopN     int
	LockTTL  time.Duration
	Scoring  Scoring
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

type candidate struct {
	id    string
	dist  float64
	score float64
}

// Match finds and claims the best available driver for the request.
func (s *Service) Match(ctx context.Context, req Request) (Claim, error) {
	start := time.Now()
	defer func() { s.Metrics.MatchLatency.Observe(time.Since(start).Seconds()) }()

	topN := s.TopN
	if topN <= 0 {
		topN = 8
	}
	radius := s.radiusFor(req.Tariff)

	near, err := s.Presence.Nearby(ctx, req.Pickup, radius, topN+len(req.Exclude))
	if err != nil {
		s.outcome(observability.MatchStoreUnavailable)
		s.Logger.Error("match_radius_query_failed", "tariff", req.Tariff, "error", err)
		return Claim{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	ids := make([]string, 0, len(near))
	dist := make(map[string]float64, len(near))
	for _, g := range near {
		if req.Exclude[g.Name] {
			continue
		}
		ids = append(ids, g.Name)
		dist[g.Name] = g.DistanceMeters
		if len(ids) == topN {
			break
		}
	}
	if len(ids) == 0 {
		s.outcome(observability.MatchNoDrivers)
		s.Logger.Info("match_no_drivers", "tariff", req.Tariff, "radius_m", radius)
		return Claim{}, ErrNoDrivers
	}

	snaps, failed := s.snapshots(ctx, ids)
	if failed == len(ids) {
		s.outcome(observability.MatchStoreUnavailable)
		s.Logger.Error("match_presence_unavailable", "candidates", len(ids))
		return Claim{}, ErrStoreUnavailable
	}

	cands := make([]candidate, 0, len(ids))
	for _, id := range ids {
		p, ok := snaps[id]
		if !ok || !p.Available() {
			continue
		}
		cands = append(cands, candidate{id: id, dist: dist[id], score: s.Scoring.Score(p)})
	}
	// stable: equal scores keep the nearest-first order of the radius query
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	for _, c := range cands {
		claim, ok := s.claim(ctx, c)
		if ok {
			s.outcome(observability.MatchClaimed)
			s.Logger.Info("match_claimed", "driver_id", c.id, "distance_m", math.Round(c.dist), "score", c.score)
			return claim, nil
		}
	}

	s.outcome(observability.MatchAllBusy)
	s.Logger.Info("match_all_busy", "tariff", req.Tariff, "candidates", len(ids), "available", len(cands))
	return Claim{}, ErrNoDrivers
}

// Release gives up the claim lock. Safe to call after the lock expired.
func (s *Service) Release(ctx context.Context, c Claim) {
	if c.Token == "" {
		return
	}
	released, err := s.Locks.Release(ctx, lock.DriverKey(c.DriverID), c.Token)
	if err != nil {
		s.Logger.Warn("match_release_failed", "driver_id", c.DriverID, "error", err)
		return
	}
	if !released {
		s.Logger.Warn("match_lock_lost", "driver_id", c.DriverID)
	}
}

func (s *Service) claim(ctx context.Context, c candidate) (Claim, bool) {
	token := uuid.NewString()
	key := lock.DriverKey(c.id)
	ok, err := s.Locks.Acquire(ctx, key, s.LockTTL, token)
	if err != nil {
		s.Metrics.StoreErrors.WithLabelValues("lock_acquire").Inc()
		s.Logger.Warn("match_lock_error", "driver_id", c.id, "error", err)
		return Claim{}, false
	}
	if !ok {
		s.Metrics.LockContention.Inc()
		return Claim{}, false
	}

	// state may have changed between the scan and the lock
	p, err := s.Presence.Get(ctx, c.id)
	if err != nil || !p.Available() {
		if err != nil {
			s.Logger.Warn("match_recheck_failed", "driver_id", c.id, "error", err)
		}
		s.Release(ctx, Claim{DriverID: c.id, Token: token})
		return Claim{}, false
	}
	return Claim{DriverID: c.id, Token: token, DistanceMeters: c.dist, Score: c.score}, true
}

// snapshots batch-reads candidates, falling back to one read per driver if
// the batch fails. It reports how many candidates could not be read.
func (s *Service) snapshots(ctx context.Context, ids []string) (map[string]models.Presence, int) {
	snaps, err := s.Presence.Snapshots(ctx, ids)
	if err == nil {
		return snaps, 0
	}
	s.Logger.Warn("match_batch_read_failed", "error", err)
	snaps = make(map[string]models.Presence, len(ids))
	failed := 0
	for _, id := range ids {
		p, err := s.Presence.Get(ctx, id)
		if err != nil {
			failed++
			s.Metrics.StoreErrors.WithLabelValues("presence_get").Inc()
			continue
		}
		snaps[id] = p
	}
	return snaps, failed
}

// radiusFor maps a tariff to its search radius; unknown tariffs get the
// smallest configured radius.
func (s *Service) radiusFor(t models.Tariff) float64 {
	if r, ok := s.Radii[t]; ok {
		return r
	}
	smallest := 0.0
	for _, r := range s.Radii {
		if smallest == 0 || r < smallest {
			smallest = r
		}
	}
	if smallest == 0 {
		smallest = 3000
	}
	return smallest
}

func (s *Service) outcome(o string) {
	s.Metrics.MatchOutcomes.WithLabelValues(o).Inc()
}
