package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry is the shared online set. Members join as user/connection pairs;
// multiple connections for one user collapse to a single logical online
// signal, and the full online set is delivered on every membership change.
type Registry struct {
	transport Transport
	channel   string
	logger    *slog.Logger

	mu     sync.RWMutex
	online map[string]struct{}

	updates chan []string
}

func NewRegistry(transport Transport, channel string, logger *slog.Logger) *Registry {
	return &Registry{
		transport: transport,
		channel:   channel,
		logger:    logger,
		online:    make(map[string]struct{}),
		updates:   make(chan []string, 1),
	}
}

func encodeMember(userID, connID string) string {
	return userID + "/" + connID
}

func memberUser(member string) string {
	if i := strings.IndexByte(member, '/'); i >= 0 {
		return member[:i]
	}
	return member
}

// Join announces the connection on the shared channel. The returned function
// leaves; transport failure removes the entry on its own.
func (r *Registry) Join(ctx context.Context, userID, connID string) (func(), error) {
	leave, err := r.transport.Join(ctx, r.channel, encodeMember(userID, connID))
	if err != nil {
		return nil, fmt.Errorf("join presence channel %q: %w", r.channel, err)
	}
	r.logger.Info("User joined presence", "user_id", userID, "conn_id", connID)
	return leave, nil
}

// Run syncs the local online set on every membership change until ctx is
// cancelled. Transport errors degrade to the last known set rather than
// failing the registry.
func (r *Registry) Run(ctx context.Context) {
	changes, err := r.transport.Changes(ctx, r.channel)
	if err != nil {
		r.logger.Error("Presence change feed unavailable", "channel", r.channel, "error", err)
		return
	}

	r.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			r.sync(ctx)
		}
	}
}

func (r *Registry) sync(ctx context.Context) {
	members, err := r.transport.Members(ctx, r.channel)
	if err != nil {
		r.logger.Warn("Presence sync failed, keeping stale set", "channel", r.channel, "error", err)
		return
	}

	next := make(map[string]struct{}, len(members))
	for _, m := range members {
		next[memberUser(m)] = struct{}{}
	}

	r.mu.Lock()
	changed := len(next) != len(r.online)
	if !changed {
		for id := range next {
			if _, ok := r.online[id]; !ok {
				changed = true
				break
			}
		}
	}
	r.online = next
	r.mu.Unlock()

	if !changed {
		return
	}

	set := r.Snapshot()
	r.logger.Debug("Presence set changed", "channel", r.channel, "online", len(set))

	// Coalesce: a newer set supersedes an unconsumed one.
	select {
	case r.updates <- set:
	default:
		select {
		case <-r.updates:
		default:
		}
		select {
		case r.updates <- set:
		default:
		}
	}
}

// Updates delivers the full current online set after every membership change.
func (r *Registry) Updates() <-chan []string {
	return r.updates
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[userID]
	return ok
}

func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make([]string, 0, len(r.online))
	for id := range r.online {
		set = append(set, id)
	}
	sort.Strings(set)
	return set
}
