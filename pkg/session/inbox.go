package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/proximo-app/proximo/pkg/models"
)

// Inbox is the local conversation list: previews ordered by most recent
// activity with per-viewer unread counts.
type Inbox struct {
	mu       sync.RWMutex
	previews map[string]*models.ConversationPreview
}

func NewInbox() *Inbox {
	return &Inbox{previews: make(map[string]*models.ConversationPreview)}
}

func (i *Inbox) Set(previews []models.ConversationPreview) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.previews = make(map[string]*models.ConversationPreview, len(previews))
	for idx := range previews {
		pv := previews[idx]
		i.previews[pv.Conversation.ID] = &pv
	}
}

// List returns previews ordered by most recent activity.
func (i *Inbox) List() []models.ConversationPreview {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]models.ConversationPreview, 0, len(i.previews))
	for _, pv := range i.previews {
		out = append(out, *pv)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].LastActivity.After(out[b].LastActivity)
	})
	return out
}

func (i *Inbox) Get(conversationID string) (models.ConversationPreview, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	pv, ok := i.previews[conversationID]
	if !ok {
		return models.ConversationPreview{}, false
	}
	return *pv, true
}

func (i *Inbox) Remove(conversationID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.previews[conversationID]; !ok {
		return false
	}
	delete(i.previews, conversationID)
	return true
}

// Touch records a new last message and bumps the conversation's activity.
// countUnread increments the viewer's unread count by exactly one (inbound
// message while the conversation is not actively open).
func (i *Inbox) Touch(m models.Message, countUnread bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	pv, ok := i.previews[m.ConversationID]
	if !ok {
		return
	}
	msg := m
	pv.LastMessage = &msg
	if m.CreatedAt.After(pv.LastActivity) {
		pv.LastActivity = m.CreatedAt
	}
	if countUnread {
		pv.UnreadCount++
	}
}

// ClearUnread resets to zero; the only path down, via read-acknowledgement.
func (i *Inbox) ClearUnread(conversationID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pv, ok := i.previews[conversationID]; ok {
		pv.UnreadCount = 0
	}
}

// Session-level conversation operations.

// RefreshConversations re-fetches the canonical list; also the rollback path
// after a failed optimistic delete.
func (s *Session) RefreshConversations(ctx context.Context) error {
	previews, err := s.backend.GetMyConversations(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}
	if s.presence != nil {
		for idx := range previews {
			previews[idx].Peer.Online = s.presence.IsOnline(previews[idx].Peer.ID)
		}
	}
	s.inbox.Set(previews)
	s.emit(Outbound{Type: OutConversations, Conversations: s.inbox.List()})
	return nil
}

// Conversations returns the local inbox previews, most recent first.
func (s *Session) Conversations() []models.ConversationPreview {
	return s.inbox.List()
}

// GetOrCreateConversation resolves the pair conversation; (A,B) and (B,A)
// always land on the same id.
func (s *Session) GetOrCreateConversation(ctx context.Context, otherID string) (string, error) {
	id, err := s.backend.GetOrCreateConversation(ctx, s.userID, otherID)
	if err != nil {
		s.notify(NoticeError, "Couldn't open the conversation. Try again.")
		return "", fmt.Errorf("get or create conversation: %w", err)
	}
	if _, ok := s.inbox.Get(id); !ok {
		if err := s.RefreshConversations(ctx); err != nil {
			s.logger.Warn("Failed to refresh inbox after conversation create", "error", err)
		}
	}
	return id, nil
}

// DeleteConversation applies optimistically: the conversation disappears from
// the local list immediately, then the backend confirms. On failure the
// canonical list is re-fetched, so the conversation reappears, and an error
// notice is surfaced. There is no manual un-delete.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	s.CloseChannel(conversationID)

	m := s.mutations.Begin(conversationID, func() {
		if err := s.RefreshConversations(ctx); err != nil {
			s.logger.Error("Rollback re-fetch failed", "conversation_id", conversationID, "error", err)
		}
	})
	s.inbox.Remove(conversationID)
	s.emit(Outbound{Type: OutConversations, Conversations: s.inbox.List()})

	if err := s.backend.DeleteConversation(ctx, conversationID); err != nil {
		s.mutations.Ack(m, false)
		s.notify(NoticeError, "Couldn't delete the conversation. It has been restored.")
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.mutations.Ack(m, true)
	s.logger.Info("Conversation deleted", "conversation_id", conversationID)
	return nil
}
