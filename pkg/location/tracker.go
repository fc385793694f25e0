// Package location samples device coordinates on a fixed cadence and emits
// only significant movement downstream.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/proximo-app/proximo/config"
	"github.com/proximo-app/proximo/pkg/geo"
)

var (
	// ErrPermissionDenied is terminal: scheduling halts and the failure is
	// surfaced so the user can fix device settings.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrTimeout and ErrUnavailable are retryable; the normal cadence continues.
	ErrTimeout     = errors.New("location fix timed out")
	ErrUnavailable = errors.New("location unavailable")
)

// Fix is one acquired device position.
type Fix struct {
	Coords   geo.Coordinates
	Accuracy float64
	At       time.Time
}

// Sampler obtains a fix from whatever transport provides positioning.
type Sampler interface {
	Acquire(ctx context.Context) (Fix, error)
}

// Event is the coalesced tracker output. Fix is non-nil when a new device fix
// was accepted (and should be persisted); Query is what downstream proximity
// lookups should use, which differs from the device fix while a travel-mode
// override is set.
type Event struct {
	Fix      *Fix
	Query    geo.Coordinates
	Override bool
}

// Tracker runs the sampling schedule: an immediate first sample, then the
// configured cadence. A fix closer than the significance threshold to the
// last accepted one is discarded without notifying downstream.
type Tracker struct {
	sampler       Sampler
	interval      time.Duration
	threshold     float64
	sampleTimeout time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	last     *Fix
	override *geo.Coordinates
	started  bool

	updates   chan Event
	ready     chan struct{}
	readyOnce sync.Once
	failed    chan error

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(sampler Sampler, cfg config.LocationConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		sampler:       sampler,
		interval:      cfg.PollInterval,
		threshold:     cfg.SignificanceMeters,
		sampleTimeout: cfg.SampleTimeout,
		logger:        logger,
		updates:       make(chan Event, 1),
		ready:         make(chan struct{}),
		failed:        make(chan error, 1),
		done:          make(chan struct{}),
	}
}

func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	go t.run(ctx)
}

// Stop tears the schedule down; any in-flight sample completion becomes a
// no-op so nothing leaks into the next signed-in identity.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-t.done
	}
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	t.logger.Info("Location tracker started",
		"interval", t.interval, "significance_m", t.threshold)

	if terminal := t.sample(ctx); terminal {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("Location tracker stopped")
			return
		case <-ticker.C:
			if terminal := t.sample(ctx); terminal {
				return
			}
		}
	}
}

// sample acquires one fix, returning true on a terminal failure.
func (t *Tracker) sample(ctx context.Context) bool {
	acquireCtx, cancel := context.WithTimeout(ctx, t.sampleTimeout)
	fix, err := t.sampler.Acquire(acquireCtx)
	cancel()

	// Completion after cancellation is a no-op.
	if ctx.Err() != nil {
		return true
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrPermissionDenied):
		t.logger.Error("Location permission denied, halting schedule")
		select {
		case t.failed <- err:
		default:
		}
		return true
	default:
		t.logger.Warn("Location sample failed, keeping cadence", "error", err)
		return false
	}

	t.mu.Lock()
	if t.last != nil {
		if d := geo.Distance(t.last.Coords, fix.Coords); d < t.threshold {
			t.mu.Unlock()
			t.logger.Debug("Discarding sub-threshold fix", "moved_m", d)
			return false
		}
	}
	t.last = &fix
	ev := Event{Fix: &fix, Query: fix.Coords}
	if t.override != nil {
		ev.Query = *t.override
		ev.Override = true
	}
	t.mu.Unlock()

	t.readyOnce.Do(func() { close(t.ready) })
	t.publish(ev)
	t.logger.Info("Accepted location fix", "lat", fix.Coords.Lat, "lng", fix.Coords.Lng)
	return false
}

// publish coalesces: at most one pending event, a newer one supersedes an
// undelivered one. Never queues.
func (t *Tracker) publish(ev Event) {
	select {
	case t.updates <- ev:
		return
	default:
	}
	select {
	case <-t.updates:
	default:
	}
	select {
	case t.updates <- ev:
	default:
	}
}

// Updates delivers accepted fixes and override changes, coalesced.
func (t *Tracker) Updates() <-chan Event {
	return t.updates
}

// Ready closes once the first fix is accepted; the UI drops its loading state
// on it.
func (t *Tracker) Ready() <-chan struct{} {
	return t.ready
}

// Failed delivers the terminal error, if any.
func (t *Tracker) Failed() <-chan error {
	return t.failed
}

// SetOverride installs (or clears, with nil) the travel-mode coordinates.
// Overrides affect only downstream queries; the stored device fix is untouched.
func (t *Tracker) SetOverride(c *geo.Coordinates) {
	t.mu.Lock()
	t.override = c
	var ev *Event
	if c != nil {
		ev = &Event{Query: *c, Override: true}
	} else if t.last != nil {
		ev = &Event{Query: t.last.Coords}
	}
	t.mu.Unlock()

	if c != nil {
		t.logger.Info("Travel-mode override set", "lat", c.Lat, "lng", c.Lng)
	} else {
		t.logger.Info("Travel-mode override cleared")
	}
	if ev != nil {
		t.publish(*ev)
	}
}

// LastFix returns the last accepted device fix.
func (t *Tracker) LastFix() (Fix, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Fix{}, false
	}
	return *t.last, true
}

// Active returns the coordinates proximity queries should use right now:
// the override when set, otherwise the last accepted fix.
func (t *Tracker) Active() (geo.Coordinates, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.override != nil {
		return *t.override, true
	}
	if t.last != nil {
		return t.last.Coords, true
	}
	return geo.Coordinates{}, false
}
