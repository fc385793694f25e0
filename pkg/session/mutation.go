package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutationState is the explicit lifecycle of an optimistic local mutation.
type MutationState int

const (
	StatePending MutationState = iota
	StateConfirmed
	StateRolledBack
)

func (s MutationState) String() string {
	switch s {
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "pending"
	}
}

// Mutation is one optimistic change applied locally ahead of backend
// confirmation.
type Mutation struct {
	ID       string
	EntityID string
	BeganAt  time.Time

	mu       sync.Mutex
	state    MutationState
	rollback func()
}

func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MutationQueue serializes optimistic mutations per entity. Acknowledgements
// resolve in arrival order under one lock, so two concurrent mutations on the
// same entity settle in the order the backend answered, never interleaved.
type MutationQueue struct {
	mu      sync.Mutex
	pending map[string][]*Mutation
}

func NewMutationQueue() *MutationQueue {
	return &MutationQueue{pending: make(map[string][]*Mutation)}
}

// Begin registers a Pending mutation. rollback, if given, runs when the
// backend rejects it.
func (q *MutationQueue) Begin(entityID string, rollback func()) *Mutation {
	m := &Mutation{
		ID:       uuid.New().String(),
		EntityID: entityID,
		BeganAt:  time.Now(),
		state:    StatePending,
		rollback: rollback,
	}
	q.mu.Lock()
	q.pending[entityID] = append(q.pending[entityID], m)
	q.mu.Unlock()
	return m
}

// Ack resolves a mutation. Resolution (state change plus rollback side
// effect) happens under the queue lock in ack-arrival order.
func (q *MutationQueue) Ack(m *Mutation, confirmed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m.mu.Lock()
	if m.state != StatePending {
		m.mu.Unlock()
		return
	}
	if confirmed {
		m.state = StateConfirmed
	} else {
		m.state = StateRolledBack
	}
	rollback := m.rollback
	m.mu.Unlock()

	q.remove(m)
	if !confirmed && rollback != nil {
		rollback()
	}
}

func (q *MutationQueue) remove(m *Mutation) {
	list := q.pending[m.EntityID]
	for i, cur := range list {
		if cur == m {
			q.pending[m.EntityID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(q.pending[m.EntityID]) == 0 {
		delete(q.pending, m.EntityID)
	}
}

// PendingCount reports unresolved mutations for one entity.
func (q *MutationQueue) PendingCount(entityID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[entityID])
}
