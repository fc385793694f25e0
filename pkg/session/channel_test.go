package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximo-app/proximo/pkg/models"
	"github.com/proximo-app/proximo/pkg/realtime"
	"github.com/proximo-app/proximo/pkg/store"
)

func textMessage(id, convID, sender, text string) models.Message {
	return models.Message{
		ID: id, ConversationID: convID, SenderID: sender,
		Content: &text, CreatedAt: time.Now(),
	}
}

func viewOnceMessage(id, convID, sender, ref string) models.Message {
	return models.Message{
		ID: id, ConversationID: convID, SenderID: sender,
		ImageRef: &ref, IsViewOnce: true, CreatedAt: time.Now(),
	}
}

func waitForMessages(t *testing.T, ch *Channel, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return len(ch.Messages()) == n
	}, time.Second, 5*time.Millisecond)
}

func TestOpenChannelLoadsHistory(t *testing.T) {
	backend := newFakeBackend()
	backend.seedMessage(textMessage("m1", "conv-1", "peer", "hi"))
	backend.seedMessage(textMessage("m2", "conv-1", "me", "hello"))

	s, _ := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	msgs := ch.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "peer", ch.PeerID())

	t.Run("reopening returns the same channel", func(t *testing.T) {
		again, err := s.OpenChannel(context.Background(), "conv-1")
		require.NoError(t, err)
		assert.Same(t, ch, again)
	})
}

func TestOpenChannelAcksUnreadHistory(t *testing.T) {
	backend := newFakeBackend()
	backend.seedMessage(textMessage("m1", "conv-1", "peer", "unread one"))
	backend.seedMessage(textMessage("m2", "conv-1", "peer", "unread two"))

	s, _ := newTestSession(t, backend)
	openTestChannel(t, s, backend, "conv-1", "peer")

	backend.mu.Lock()
	calls := backend.markReadCalls
	backend.mu.Unlock()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []string{"m1", "m2"}, calls[0])
}

func TestMarkReadEmptyBatchSkipsBackend(t *testing.T) {
	backend := newFakeBackend()
	// Already-read inbound plus own outbound: nothing to acknowledge.
	now := time.Now()
	read := textMessage("m1", "conv-1", "peer", "old")
	read.ReadAt = &now
	backend.seedMessage(read)
	backend.seedMessage(textMessage("m2", "conv-1", "me", "mine"))

	s, _ := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	require.NoError(t, ch.MarkRead(context.Background()))

	backend.mu.Lock()
	calls := len(backend.markReadCalls)
	backend.mu.Unlock()
	assert.Zero(t, calls, "empty batch must not reach the backend")
}

func TestInsertEventsApplyInOrderAndDedup(t *testing.T) {
	backend := newFakeBackend()
	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")
	ch.SetActive(context.Background(), false)

	env.bus.inject("conv-1", realtime.Event{Type: realtime.EventInsert, Row: textMessage("m1", "conv-1", "peer", "one")})
	env.bus.inject("conv-1", realtime.Event{Type: realtime.EventInsert, Row: textMessage("m2", "conv-1", "peer", "two")})
	// Redelivery after a transport hiccup
	env.bus.inject("conv-1", realtime.Event{Type: realtime.EventInsert, Row: textMessage("m1", "conv-1", "peer", "one")})
	env.bus.inject("conv-1", realtime.Event{Type: realtime.EventInsert, Row: textMessage("m3", "conv-1", "peer", "three")})

	waitForMessages(t, ch, 3)
	msgs := ch.Messages()
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestInboundWhileInactiveCountsUnread(t *testing.T) {
	backend := newFakeBackend()
	backend.previews = []models.ConversationPreview{preview("conv-1", "peer", time.Now())}

	s, env := newTestSession(t, backend)
	waitOutbound(t, s, OutConversations)

	ch := openTestChannel(t, s, backend, "conv-1", "peer")
	ch.SetActive(context.Background(), false)

	env.bus.inject("conv-1", realtime.Event{Type: realtime.EventInsert, Row: textMessage("m1", "conv-1", "peer", "psst")})
	waitForMessages(t, ch, 1)

	assert.Eventually(t, func() bool {
		pv, ok := s.inbox.Get("conv-1")
		return ok && pv.UnreadCount == 1
	}, time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	acks := len(backend.markReadCalls)
	backend.mu.Unlock()
	assert.Zero(t, acks, "inactive conversation must not auto-acknowledge")
}

func TestInboundWhileActiveAcksImmediately(t *testing.T) {
	backend := newFakeBackend()
	backend.previews = []models.ConversationPreview{preview("conv-1", "peer", time.Now())}

	s, env := newTestSession(t, backend)
	waitOutbound(t, s, OutConversations)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	env.bus.inject("conv-1", realtime.Event{Type: realtime.EventInsert, Row: textMessage("m1", "conv-1", "peer", "hi")})
	waitForMessages(t, ch, 1)

	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.markReadCalls) == 1
	}, time.Second, 5*time.Millisecond)

	pv, ok := s.inbox.Get("conv-1")
	require.True(t, ok)
	assert.Zero(t, pv.UnreadCount)
}

func TestSendPersistsThenPushes(t *testing.T) {
	backend := newFakeBackend()
	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	content := "hello there"
	msg, err := ch.Send(context.Background(), models.SendMessageRequest{Content: &content})
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Local state updated and the insert published for the counterpart.
	assert.Len(t, ch.Messages(), 1)
	events := env.bus.publishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, realtime.EventInsert, events[0].Type)
	assert.Equal(t, msg.ID, events[0].Row.ID)

	// Best-effort push carries the type-aware summary.
	assert.Eventually(t, func() bool { return env.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	env.notifier.mu.Lock()
	note := env.notifier.notes[0]
	env.notifier.mu.Unlock()
	assert.Equal(t, "peer", note.ReceiverID)
	assert.Equal(t, "hello there", note.Summary)
}

func TestSendPersistFailureStopsEverything(t *testing.T) {
	backend := newFakeBackend()
	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	backend.mu.Lock()
	backend.saveErr = errors.New("db down")
	backend.mu.Unlock()

	content := "doomed"
	_, err := ch.Send(context.Background(), models.SendMessageRequest{Content: &content})
	require.Error(t, err)

	assert.Empty(t, ch.Messages())
	assert.Empty(t, env.bus.publishedEvents())

	notice := waitOutbound(t, s, OutNotice)
	assert.Equal(t, NoticeError, notice.Notice.Level)
}

func TestSendToleratesPushFailure(t *testing.T) {
	backend := newFakeBackend()
	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	env.notifier.mu.Lock()
	env.notifier.err = errors.New("push gateway down")
	env.notifier.mu.Unlock()

	content := "still goes through"
	msg, err := ch.Send(context.Background(), models.SendMessageRequest{Content: &content})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Len(t, ch.Messages(), 1)
}

func TestEditRestrictions(t *testing.T) {
	backend := newFakeBackend()
	backend.seedMessage(textMessage("mine", "conv-1", "me", "typo"))
	backend.seedMessage(textMessage("theirs", "conv-1", "peer", "hi"))
	backend.seedMessage(viewOnceMessage("vo", "conv-1", "me", "media/a.jpg"))

	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	t.Run("unknown message", func(t *testing.T) {
		_, err := ch.Edit(context.Background(), "nope", "x")
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})

	t.Run("only the sender edits", func(t *testing.T) {
		_, err := ch.Edit(context.Background(), "theirs", "x")
		assert.ErrorIs(t, err, ErrNotSender)
	})

	t.Run("view-once is locked", func(t *testing.T) {
		_, err := ch.Edit(context.Background(), "vo", "x")
		assert.ErrorIs(t, err, ErrMessageLocked)
	})

	t.Run("valid edit merges and publishes", func(t *testing.T) {
		updated, err := ch.Edit(context.Background(), "mine", "fixed")
		require.NoError(t, err)
		assert.Equal(t, "fixed", *updated.Content)
		assert.NotNil(t, updated.UpdatedAt)

		events := env.bus.publishedEvents()
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, realtime.EventUpdate, last.Type)
		assert.Equal(t, "mine", last.Row.ID)
	})
}

func TestDeleteMessage(t *testing.T) {
	backend := newFakeBackend()
	backend.seedMessage(textMessage("m1", "conv-1", "me", "gone soon"))

	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	require.NoError(t, ch.Delete(context.Background(), "m1"))
	assert.Empty(t, ch.Messages())

	events := env.bus.publishedEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, realtime.EventDelete, events[len(events)-1].Type)

	assert.ErrorIs(t, ch.Delete(context.Background(), "m1"), ErrUnknownMessage)
}

func TestUpdateEventMergesFields(t *testing.T) {
	backend := newFakeBackend()
	backend.seedMessage(textMessage("m1", "conv-1", "peer", "original"))

	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	edited := "edited elsewhere"
	now := time.Now()
	env.bus.inject("conv-1", realtime.Event{Type: realtime.EventUpdate, Row: models.Message{
		ID: "m1", ConversationID: "conv-1", Content: &edited, UpdatedAt: &now,
	}})

	assert.Eventually(t, func() bool {
		msgs := ch.Messages()
		return len(msgs) == 1 && msgs[0].Content != nil && *msgs[0].Content == edited
	}, time.Second, 5*time.Millisecond)

	// Fields absent from the event stay intact.
	msgs := ch.Messages()
	assert.Equal(t, "peer", msgs[0].SenderID)
}

func TestDeleteEventRemovesRow(t *testing.T) {
	backend := newFakeBackend()
	backend.seedMessage(textMessage("m1", "conv-1", "peer", "one"))
	backend.seedMessage(textMessage("m2", "conv-1", "peer", "two"))

	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	env.bus.inject("conv-1", realtime.Event{Type: realtime.EventDelete, Row: models.Message{ID: "m1", ConversationID: "conv-1"}})

	waitForMessages(t, ch, 1)
	assert.Equal(t, "m2", ch.Messages()[0].ID)
}

func TestReveal(t *testing.T) {
	newEnv := func(t *testing.T) (*Session, *testEnv, *Channel) {
		backend := newFakeBackend()
		backend.seedMessage(viewOnceMessage("vo", "conv-1", "peer", "media/secret.jpg"))
		backend.seedMessage(textMessage("plain", "conv-1", "peer", "hi"))
		backend.seedMessage(viewOnceMessage("mine", "conv-1", "me", "media/own.jpg"))
		s, env := newTestSession(t, backend)
		ch := openTestChannel(t, s, backend, "conv-1", "peer")
		return s, env, ch
	}

	t.Run("reveals exactly once", func(t *testing.T) {
		_, env, ch := newEnv(t)

		url, err := ch.Reveal(context.Background(), "vo")
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.test/media/secret.jpg", url)

		// Reveal stamped locally and published for the sender's side.
		events := env.bus.publishedEvents()
		require.NotEmpty(t, events)
		assert.Equal(t, realtime.EventUpdate, events[len(events)-1].Type)
		assert.NotNil(t, events[len(events)-1].Row.ViewedAt)

		_, err = ch.Reveal(context.Background(), "vo")
		assert.ErrorIs(t, err, ErrViewOnceExpired)
	})

	t.Run("sender cannot reveal", func(t *testing.T) {
		_, _, ch := newEnv(t)
		_, err := ch.Reveal(context.Background(), "mine")
		assert.ErrorIs(t, err, ErrViewOnceSender)
	})

	t.Run("plain message is not revealable", func(t *testing.T) {
		_, _, ch := newEnv(t)
		_, err := ch.Reveal(context.Background(), "plain")
		assert.ErrorIs(t, err, ErrNotViewOnce)
	})

	t.Run("unknown message", func(t *testing.T) {
		_, _, ch := newEnv(t)
		_, err := ch.Reveal(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})

	t.Run("raced reveal elsewhere maps to expired", func(t *testing.T) {
		_, env, ch := newEnv(t)

		// Another device won the conditional transition.
		now := time.Now()
		env.backend.mu.Lock()
		env.backend.messages["conv-1"][0].ViewedAt = &now
		env.backend.mu.Unlock()

		_, err := ch.Reveal(context.Background(), "vo")
		assert.ErrorIs(t, err, ErrViewOnceExpired)

		// Local copy caught up with the transition.
		msgs := ch.Messages()
		assert.NotNil(t, msgs[0].ViewedAt)
	})

	t.Run("persistence failure is fail-closed", func(t *testing.T) {
		_, env, ch := newEnv(t)

		env.backend.mu.Lock()
		env.backend.revealErr = errors.New("db down")
		env.backend.mu.Unlock()

		url, err := ch.Reveal(context.Background(), "vo")
		require.Error(t, err)
		assert.Empty(t, url, "no URL without a persisted reveal")
		assert.NotErrorIs(t, err, ErrViewOnceExpired)

		// The attempt did not burn the message: clearing the fault allows it.
		env.backend.mu.Lock()
		env.backend.revealErr = nil
		env.backend.mu.Unlock()

		url, err = ch.Reveal(context.Background(), "vo")
		require.NoError(t, err)
		assert.NotEmpty(t, url)
	})

	t.Run("resolve failure after persist yields no URL", func(t *testing.T) {
		_, env, ch := newEnv(t)

		env.storage.mu.Lock()
		env.storage.err = errors.New("presign down")
		env.storage.mu.Unlock()

		url, err := ch.Reveal(context.Background(), "vo")
		require.Error(t, err)
		assert.Empty(t, url)
	})
}

func TestCloseChannelStopsEventFlow(t *testing.T) {
	backend := newFakeBackend()
	s, env := newTestSession(t, backend)
	ch := openTestChannel(t, s, backend, "conv-1", "peer")

	s.CloseChannel("conv-1")
	_, ok := s.Channel("conv-1")
	assert.False(t, ok)

	// Injected events after close land nowhere.
	env.bus.mu.Lock()
	subs := len(env.bus.subs["conv-1"])
	env.bus.mu.Unlock()
	assert.Zero(t, subs)
	assert.Empty(t, ch.Messages())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSession(t, backend)
	openTestChannel(t, s, backend, "conv-1", "peer")

	s.Close()
	s.Close()

	_, err := s.OpenChannel(context.Background(), "conv-1")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestNotifyAfterCloseIsDropped(t *testing.T) {
	backend := newFakeBackend()
	s, env := newTestSession(t, backend)

	s.Close()
	s.notifyPeer("peer", "hello")

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, env.notifier.count())
}

func TestSendWink(t *testing.T) {
	t.Run("success notifies the receiver", func(t *testing.T) {
		backend := newFakeBackend()
		s, env := newTestSession(t, backend)

		require.NoError(t, s.SendWink(context.Background(), "peer"))
		assert.Eventually(t, func() bool { return env.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("duplicate is an idempotent no-op", func(t *testing.T) {
		backend := newFakeBackend()
		backend.winkErr = store.ErrDuplicateWink

		s, env := newTestSession(t, backend)
		require.NoError(t, s.SendWink(context.Background(), "peer"))

		notice := waitOutbound(t, s, OutNotice)
		assert.Equal(t, NoticeInfo, notice.Notice.Level)
		assert.Zero(t, env.notifier.count())
	})

	t.Run("hard failure surfaces an error notice", func(t *testing.T) {
		backend := newFakeBackend()
		backend.winkErr = errors.New("db down")

		s, _ := newTestSession(t, backend)
		require.Error(t, s.SendWink(context.Background(), "peer"))

		notice := waitOutbound(t, s, OutNotice)
		assert.Equal(t, NoticeError, notice.Notice.Level)
	})
}
