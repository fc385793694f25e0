package location

import (
	"context"
	"errors"
	"sync"
)

// ReportSource is a Sampler fed by device reports arriving over the client
// transport. The latest unconsumed report satisfies the next Acquire; if none
// arrives within the sample window the tracker sees ErrTimeout and stays on
// its cadence.
type ReportSource struct {
	mu     sync.Mutex
	denied bool

	// buffered 1; a newer report supersedes an unconsumed one
	fixes chan Fix
}

func NewReportSource() *ReportSource {
	return &ReportSource{fixes: make(chan Fix, 1)}
}

// Report records a device fix.
func (r *ReportSource) Report(f Fix) {
	select {
	case r.fixes <- f:
	default:
		select {
		case <-r.fixes:
		default:
		}
		select {
		case r.fixes <- f:
		default:
		}
	}
}

// SetDenied flips the device permission state. While denied, Acquire fails
// terminally and the tracker halts; the user re-grants on device and starts
// a fresh session.
func (r *ReportSource) SetDenied(denied bool) {
	r.mu.Lock()
	r.denied = denied
	r.mu.Unlock()
}

func (r *ReportSource) Acquire(ctx context.Context) (Fix, error) {
	r.mu.Lock()
	denied := r.denied
	r.mu.Unlock()
	if denied {
		return Fix{}, ErrPermissionDenied
	}

	select {
	case f := <-r.fixes:
		return f, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Fix{}, ErrTimeout
		}
		return Fix{}, ctx.Err()
	}
}
