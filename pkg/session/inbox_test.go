package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximo-app/proximo/pkg/models"
)

func preview(convID, peerID string, activity time.Time) models.ConversationPreview {
	return models.ConversationPreview{
		Conversation: models.Conversation{
			ID: convID, ParticipantA: "me", ParticipantB: peerID,
			LastActivity: activity,
		},
		Peer: models.Profile{ID: peerID, DisplayName: peerID},
	}
}

func TestInboxOrdering(t *testing.T) {
	in := NewInbox()
	now := time.Now()
	in.Set([]models.ConversationPreview{
		preview("conv-old", "a", now.Add(-time.Hour)),
		preview("conv-new", "b", now),
		preview("conv-mid", "c", now.Add(-time.Minute)),
	})

	list := in.List()
	require.Len(t, list, 3)
	assert.Equal(t, "conv-new", list[0].ID)
	assert.Equal(t, "conv-mid", list[1].ID)
	assert.Equal(t, "conv-old", list[2].ID)
}

func TestInboxTouch(t *testing.T) {
	in := NewInbox()
	now := time.Now()
	in.Set([]models.ConversationPreview{
		preview("conv-1", "a", now.Add(-time.Hour)),
		preview("conv-2", "b", now),
	})

	content := "new message"
	msg := models.Message{
		ID: "m1", ConversationID: "conv-1", SenderID: "a",
		Content: &content, CreatedAt: now.Add(time.Minute),
	}

	t.Run("unread counts only when flagged", func(t *testing.T) {
		in.Touch(msg, false)
		pv, ok := in.Get("conv-1")
		require.True(t, ok)
		assert.Equal(t, 0, pv.UnreadCount)
		assert.Equal(t, "new message", pv.LastMessageSummary())

		in.Touch(msg, true)
		in.Touch(msg, true)
		pv, _ = in.Get("conv-1")
		assert.Equal(t, 2, pv.UnreadCount)
	})

	t.Run("activity bump reorders the list", func(t *testing.T) {
		list := in.List()
		assert.Equal(t, "conv-1", list[0].ID)
	})

	t.Run("clear is the only way down", func(t *testing.T) {
		in.ClearUnread("conv-1")
		pv, _ := in.Get("conv-1")
		assert.Equal(t, 0, pv.UnreadCount)
	})

	t.Run("unknown conversation is a no-op", func(t *testing.T) {
		in.Touch(models.Message{ConversationID: "conv-x"}, true)
		_, ok := in.Get("conv-x")
		assert.False(t, ok)
	})
}

func TestRefreshConversations(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	backend.previews = []models.ConversationPreview{preview("conv-1", "peer", now)}

	s, _ := newTestSession(t, backend)

	ev := waitOutbound(t, s, OutConversations)
	require.Len(t, ev.Conversations, 1)
	assert.Equal(t, "conv-1", ev.Conversations[0].ID)
	assert.Len(t, s.Conversations(), 1)
}

func TestDeleteConversationOptimistic(t *testing.T) {
	t.Run("success removes locally and remotely", func(t *testing.T) {
		backend := newFakeBackend()
		backend.previews = []models.ConversationPreview{preview("conv-1", "peer", time.Now())}
		backend.addConversation("conv-1", "me", "peer")

		s, _ := newTestSession(t, backend)
		waitOutbound(t, s, OutConversations)

		require.NoError(t, s.DeleteConversation(context.Background(), "conv-1"))
		assert.Empty(t, s.Conversations())

		_, err := backend.GetConversation(context.Background(), "conv-1")
		assert.Error(t, err)
	})

	t.Run("failure restores the list and surfaces a notice", func(t *testing.T) {
		backend := newFakeBackend()
		backend.previews = []models.ConversationPreview{preview("conv-1", "peer", time.Now())}
		backend.addConversation("conv-1", "me", "peer")
		backend.deleteConvErr = errors.New("backend down")

		s, _ := newTestSession(t, backend)
		waitOutbound(t, s, OutConversations)

		err := s.DeleteConversation(context.Background(), "conv-1")
		require.Error(t, err)

		// Rollback re-fetched the canonical list; the conversation is back.
		assert.Len(t, s.Conversations(), 1)

		notice := waitOutbound(t, s, OutNotice)
		assert.Equal(t, NoticeError, notice.Notice.Level)
	})
}

func TestGetOrCreateConversationRefreshesWhenNew(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSession(t, backend)
	waitOutbound(t, s, OutConversations)

	id1, err := s.GetOrCreateConversation(context.Background(), "peer")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Same pair from the same side resolves to the same conversation.
	id2, err := s.GetOrCreateConversation(context.Background(), "peer")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
