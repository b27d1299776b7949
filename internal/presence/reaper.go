package presence

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const reapBatch = 200

// Reap drops geo entries for drivers whose status is no longer online, which
// happens when the status key lapses without a disconnect being observed.
func (r *Registry) Reap(ctx context.Context) (int, error) {
	members, err := r.store.GeoMembers(ctx, GeoKey)
	if err != nil {
		return 0, err
	}
	removed := 0
	for start := 0; start < len(members); start += reapBatch {
		end := min(start+reapBatch, len(members))
		batch := members[start:end]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = StatusKey(id)
		}
		vals, err := r.store.MGet(ctx, keys...)
		if err != nil {
			return removed, err
		}
		var stale []string
		for _, id := range batch {
			if vals[StatusKey(id)] != string(models.DriverOnline) {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := r.store.GeoRemove(ctx, GeoKey, stale...); err != nil {
			return removed, err
		}
		removed += len(stale)
		r.logger.Info("presence_reaped", "count", len(stale))
	}
	return removed, nil
}

// RunReaper calls Reap every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration, onReaped func(int)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Reap(ctx)
			if err != nil {
				r.logger.Warn("presence_reap_failed", "error", err)
			}
			if n > 0 && onReaped != nil {
				onReaped(n)
			}
		}
	}
}
