package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proximo-app/proximo/pkg/models"
	"github.com/proximo-app/proximo/pkg/realtime"
	"github.com/proximo-app/proximo/pkg/store"
)

// Channel is the live view of one conversation. A single goroutine applies
// realtime events strictly in arrival order; all local-state access goes
// through the mutex, all ordering through the actor.
type Channel struct {
	sess           *Session
	conversationID string
	peerID         string
	logger         *slog.Logger

	sub    *realtime.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	messages []models.Message
	byID     map[string]int
	active   bool
}

const historyLimit = 200

// OpenChannel subscribes to one conversation's event stream and loads its
// history. Opening marks the conversation active and acknowledges pending
// unread messages. Calling it again after a transport reconnect yields a
// fresh subscription handle.
func (s *Session) OpenChannel(ctx context.Context, conversationID string) (*Channel, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if existing, ok := s.channels[conversationID]; ok {
		s.mu.Unlock()
		existing.SetActive(ctx, true)
		return existing, nil
	}
	s.mu.Unlock()

	conv, err := s.backend.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	subCtx, cancel := context.WithCancel(s.ctx)
	sub, err := s.bus.Subscribe(subCtx, conversationID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	history, err := s.backend.GetMessages(ctx, conversationID, historyLimit)
	if err != nil {
		sub.Close()
		cancel()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	ch := &Channel{
		sess:           s,
		conversationID: conversationID,
		peerID:         conv.Peer(s.userID),
		logger:         s.logger.With("conversation_id", conversationID),
		sub:            sub,
		cancel:         cancel,
		done:           make(chan struct{}),
		messages:       history,
		byID:           make(map[string]int, len(history)),
		active:         true,
	}
	for i := range history {
		ch.byID[history[i].ID] = i
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		cancel()
		return nil, ErrSessionClosed
	}
	s.channels[conversationID] = ch
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch.run(subCtx)
	}()

	// Entering an open conversation acknowledges whatever was unread.
	if err := ch.MarkRead(ctx); err != nil {
		ch.logger.Warn("Initial read-acknowledgement failed", "error", err)
	}

	ch.logger.Info("Channel opened", "history", len(history))
	return ch, nil
}

// CloseChannel tears down the live subscription for one conversation.
func (s *Session) CloseChannel(conversationID string) {
	s.mu.Lock()
	ch, ok := s.channels[conversationID]
	if ok {
		delete(s.channels, conversationID)
	}
	s.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// Channel returns the open channel for a conversation, if any.
func (s *Session) Channel(conversationID string) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[conversationID]
	return ch, ok
}

func (c *Channel) Close() {
	c.cancel()
	c.sub.Close()
	<-c.done
	c.logger.Debug("Channel closed")
}

func (c *Channel) ConversationID() string { return c.conversationID }
func (c *Channel) PeerID() string         { return c.peerID }

// SetActive switches foreground state. Inbound messages while inactive bump
// the unread count; while active they are acknowledged instead.
func (c *Channel) SetActive(ctx context.Context, active bool) {
	c.mu.Lock()
	was := c.active
	c.active = active
	c.mu.Unlock()

	if active && !was {
		if err := c.MarkRead(ctx); err != nil {
			c.logger.Warn("Read-acknowledgement on activation failed", "error", err)
		}
	}
}

func (c *Channel) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Channel) message(id string) (models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return c.messages[idx], true
}

// run is the channel actor: events apply strictly in arrival order. When the
// stream ends (transport teardown) the loop exits; reconnection means a fresh
// OpenChannel with a fresh handle.
func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.C:
			if !ok {
				c.logger.Debug("Event stream ended")
				return
			}
			c.apply(ctx, ev)
		}
	}
}

func (c *Channel) apply(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventInsert:
		c.applyInsert(ctx, ev.Row)
	case realtime.EventUpdate:
		c.applyUpdate(ev.Row)
	case realtime.EventDelete:
		c.applyDelete(ev.Row.ID)
	default:
		c.logger.Warn("Unknown event type", "type", ev.Type)
		return
	}
	c.sess.emit(Outbound{Type: OutMessage, ConversationID: c.conversationID, Event: &ev})
}

func (c *Channel) applyInsert(ctx context.Context, row models.Message) {
	c.mu.Lock()
	if _, dup := c.byID[row.ID]; dup {
		// Redelivery after reconnect; exactly one local copy.
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, row)
	c.byID[row.ID] = len(c.messages) - 1
	inbound := row.SenderID != c.sess.userID
	active := c.active
	c.mu.Unlock()

	c.sess.inbox.Touch(row, inbound && !active)

	if inbound && active {
		if err := c.MarkRead(ctx); err != nil {
			c.logger.Warn("Read-acknowledgement failed", "error", err)
		}
	}
}

// applyUpdate merges changed fields into the matching local message: edits,
// read_at stamping and reveal stamping all arrive here.
func (c *Channel) applyUpdate(row models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byID[row.ID]
	if !ok {
		return
	}
	m := &c.messages[idx]
	if row.Content != nil {
		m.Content = row.Content
	}
	if row.ImageRef != nil {
		m.ImageRef = row.ImageRef
	}
	if row.ViewedAt != nil && m.ViewedAt == nil {
		m.ViewedAt = row.ViewedAt
	}
	if row.ReadAt != nil && m.ReadAt == nil {
		m.ReadAt = row.ReadAt
	}
	if row.UpdatedAt != nil {
		m.UpdatedAt = row.UpdatedAt
	}
}

func (c *Channel) applyDelete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byID[id]
	if !ok {
		return
	}
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	delete(c.byID, id)
	for i := idx; i < len(c.messages); i++ {
		c.byID[c.messages[i].ID] = i
	}
}

// Send runs the two-step protocol: persist first, and on failure nothing
// else happens; then a best-effort push to the counterpart whose failure is
// logged only.
func (c *Channel) Send(ctx context.Context, req models.SendMessageRequest) (*models.Message, error) {
	req.ConversationID = c.conversationID

	msg, err := c.sess.backend.SaveMessage(ctx, req, c.sess.userID)
	if err != nil {
		c.sess.notify(NoticeError, "Your message wasn't sent. Try again.")
		return nil, fmt.Errorf("send message: %w", err)
	}

	c.applyInsert(ctx, *msg)
	c.publish(ctx, realtime.Event{Type: realtime.EventInsert, Row: *msg})
	c.sess.notifyPeer(c.peerID, msg.Summary())

	c.logger.Info("Message sent", "message_id", msg.ID)
	return msg, nil
}

// publish pushes a row event onto the bus; subscribers elsewhere apply it.
// Failures are logged; the counterpart reconciles from canonical state on
// its next fetch.
func (c *Channel) publish(ctx context.Context, ev realtime.Event) {
	if err := c.sess.bus.Publish(ctx, c.conversationID, ev); err != nil {
		c.logger.Warn("Event publish failed", "type", ev.Type, "error", err)
	}
}

// MarkRead batch-acknowledges all unread inbound messages. An empty batch
// performs no backend call. Unread only ever resets to zero through here.
func (c *Channel) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	var ids []string
	for i := range c.messages {
		m := &c.messages[i]
		if m.SenderID != c.sess.userID && m.ReadAt == nil {
			ids = append(ids, m.ID)
		}
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		c.sess.inbox.ClearUnread(c.conversationID)
		return nil
	}

	if err := c.sess.backend.MarkMessagesAsRead(ctx, ids); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	for _, id := range ids {
		if idx, ok := c.byID[id]; ok && c.messages[idx].ReadAt == nil {
			readAt := now
			c.messages[idx].ReadAt = &readAt
		}
	}
	c.mu.Unlock()

	c.sess.inbox.ClearUnread(c.conversationID)

	// Read receipts for the sender's side.
	readAt := now
	for _, id := range ids {
		c.publish(ctx, realtime.Event{Type: realtime.EventUpdate, Row: models.Message{
			ID:             id,
			ConversationID: c.conversationID,
			ReadAt:         &readAt,
		}})
	}

	c.logger.Debug("Marked messages read", "count", len(ids))
	return nil
}

// Edit rewrites plain-text content. View-once messages and structured
// payloads are never editable.
func (c *Channel) Edit(ctx context.Context, messageID, content string) (*models.Message, error) {
	m, ok := c.message(messageID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	if m.SenderID != c.sess.userID {
		return nil, ErrNotSender
	}
	if !m.Editable() {
		return nil, ErrMessageLocked
	}

	updated, err := c.sess.backend.UpdateMessageContent(ctx, messageID, content)
	if err != nil {
		c.sess.notify(NoticeError, "Couldn't edit the message.")
		return nil, fmt.Errorf("edit message: %w", err)
	}

	c.applyUpdate(*updated)
	c.publish(ctx, realtime.Event{Type: realtime.EventUpdate, Row: *updated})
	return updated, nil
}

// Delete removes a single message. Irreversible.
func (c *Channel) Delete(ctx context.Context, messageID string) error {
	if _, ok := c.message(messageID); !ok {
		return ErrUnknownMessage
	}
	if err := c.sess.backend.DeleteMessage(ctx, messageID); err != nil {
		c.sess.notify(NoticeError, "Couldn't delete the message.")
		return fmt.Errorf("delete message: %w", err)
	}
	c.applyDelete(messageID)
	c.publish(ctx, realtime.Event{Type: realtime.EventDelete, Row: models.Message{
		ID:             messageID,
		ConversationID: c.conversationID,
	}})
	return nil
}

// Reveal runs the view-once transition for the recipient. Fail-closed: the
// reveal must persist before the image URL is handed out; if persistence
// fails nothing is shown. Once revealed, the content is gone for good; later
// attempts get ErrViewOnceExpired and render only a placeholder.
func (c *Channel) Reveal(ctx context.Context, messageID string) (string, error) {
	m, ok := c.message(messageID)
	if !ok {
		return "", ErrUnknownMessage
	}
	if !m.IsViewOnce {
		return "", ErrNotViewOnce
	}
	if m.SenderID == c.sess.userID {
		return "", ErrViewOnceSender
	}
	if m.ViewedAt != nil {
		return "", ErrViewOnceExpired
	}

	revealed, err := c.sess.backend.RevealMessage(ctx, messageID)
	if errors.Is(err, store.ErrMessageNotFound) {
		// Raced a reveal elsewhere; the transition already happened.
		now := time.Now()
		c.applyUpdate(models.Message{ID: messageID, ViewedAt: &now})
		return "", ErrViewOnceExpired
	}
	if err != nil {
		c.sess.notify(NoticeError, "Couldn't open the photo. Try again.")
		return "", fmt.Errorf("reveal message: %w", err)
	}

	c.applyUpdate(*revealed)
	c.publish(ctx, realtime.Event{Type: realtime.EventUpdate, Row: *revealed})

	if revealed.ImageRef == nil {
		return "", ErrViewOnceExpired
	}
	url, err := c.sess.storage.ResolveURL(ctx, *revealed.ImageRef)
	if err != nil {
		return "", fmt.Errorf("resolve revealed image: %w", err)
	}

	c.logger.Info("View-once message revealed", "message_id", messageID)
	return url, nil
}
