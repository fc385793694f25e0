package session

import (
	"context"
	"log/slog"
	"sync"
)

// Factory builds a session for a user. The hub supplies one wired with the
// real backend stack; tests swap in fakes.
type Factory func(userID string) *Session

// Manager refcounts sessions per user. A user with several connected devices
// shares one session; the session tears down when the last reference goes.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*managed
}

type managed struct {
	sess *Session
	refs int
}

func NewManager(factory Factory, logger *slog.Logger) *Manager {
	return &Manager{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*managed),
	}
}

// Acquire returns the user's session, starting a new one on first reference.
func (m *Manager) Acquire(ctx context.Context, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.sessions[userID]; ok {
		entry.refs++
		return entry.sess
	}

	sess := m.factory(userID)
	sess.Start(ctx)
	m.sessions[userID] = &managed{sess: sess, refs: 1}
	m.logger.Info("Session started", "user_id", userID)
	return sess
}

// Release drops one reference; the last one closes the session.
func (m *Manager) Release(userID string) {
	m.mu.Lock()
	entry, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, userID)
	m.mu.Unlock()

	entry.sess.Close()
	m.logger.Info("Session closed", "user_id", userID)
}

// Get returns the live session for a user without taking a reference.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return entry.sess, true
}

// CloseAll tears down every live session. Used on server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.sessions = make(map[string]*managed)
	m.mu.Unlock()

	for _, e := range entries {
		e.sess.Close()
	}
}
