// Package proximity maintains the nearby-candidate list for one viewer.
package proximity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/proximo-app/proximo/pkg/geo"
	"github.com/proximo-app/proximo/pkg/models"
)

// Querier is the geospatial backend. Radius, requester exclusion and
// block/suspension filtering are enforced there; the index trusts the result.
type Querier interface {
	GetNearbyProfiles(ctx context.Context, viewerID string, at geo.Coordinates, radiusMeters float64, limit int) ([]models.ProximityResult, error)
}

// OnlineChecker annotates candidates with their presence flag.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// Index re-queries on refresh triggers: first fix, significant movement,
// manual refresh, travel-mode change. Triggers coalesce into at most one
// pending set of coordinates, with a newer trigger superseding an unserved
// one, so bursts of movement cost one query.
type Index struct {
	querier  Querier
	presence OnlineChecker
	viewerID string
	radius   float64
	limit    int
	logger   *slog.Logger

	mu          sync.RWMutex
	results     []models.ProximityResult
	lastQueried time.Time

	triggers chan geo.Coordinates
	onUpdate func([]models.ProximityResult)
	done     chan struct{}
}

func NewIndex(querier Querier, presence OnlineChecker, viewerID string, radiusMeters float64, limit int, logger *slog.Logger) *Index {
	return &Index{
		querier:  querier,
		presence: presence,
		viewerID: viewerID,
		radius:   radiusMeters,
		limit:    limit,
		logger:   logger,
		triggers: make(chan geo.Coordinates, 1),
		done:     make(chan struct{}),
	}
}

// OnUpdate registers the callback invoked with each fresh result set. Set it
// before Run.
func (ix *Index) OnUpdate(fn func([]models.ProximityResult)) {
	ix.onUpdate = fn
}

// Refresh schedules a query at the given coordinates, coalescing with any
// pending trigger.
func (ix *Index) Refresh(at geo.Coordinates) {
	select {
	case ix.triggers <- at:
		return
	default:
	}
	select {
	case <-ix.triggers:
	default:
	}
	select {
	case ix.triggers <- at:
	default:
	}
}

// Run serves refresh triggers until ctx is cancelled. Query failures keep the
// previous (stale but consistent) results.
func (ix *Index) Run(ctx context.Context) {
	defer close(ix.done)

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ix.triggers:
			ix.query(ctx, at)
		}
	}
}

func (ix *Index) query(ctx context.Context, at geo.Coordinates) {
	results, err := ix.querier.GetNearbyProfiles(ctx, ix.viewerID, at, ix.radius, ix.limit)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		ix.logger.Warn("Proximity query failed, keeping previous results", "error", err)
		return
	}

	if ix.presence != nil {
		for i := range results {
			results[i].Profile.Online = ix.presence.IsOnline(results[i].Profile.ID)
		}
	}

	ix.mu.Lock()
	ix.results = results
	ix.lastQueried = time.Now()
	ix.mu.Unlock()

	ix.logger.Debug("Proximity results updated", "viewer_id", ix.viewerID, "count", len(results))
	if ix.onUpdate != nil {
		ix.onUpdate(results)
	}
}

// Results returns the latest candidate list; distances are as of the last
// query, never persisted.
func (ix *Index) Results() []models.ProximityResult {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]models.ProximityResult, len(ix.results))
	copy(out, ix.results)
	return out
}

// LastQueried reports when the current results were derived.
func (ix *Index) LastQueried() time.Time {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.lastQueried
}
