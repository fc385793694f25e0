package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/proximo-app/proximo/pkg/models"
)

func (s *Store) SaveMessage(ctx context.Context, req models.SendMessageRequest, senderID string) (*models.Message, error) {
	s.logger.Info("Saving message",
		"conversation_id", req.ConversationID, "sender_id", senderID,
		"has_image", req.ImageRef != nil, "view_once", req.IsViewOnce)

	message := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        req.Content,
		ImageRef:       req.ImageRef,
		IsViewOnce:     req.IsViewOnce,
		CreatedAt:      time.Now(),
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("Failed to begin transaction for SaveMessage", "error", err)
		return nil, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, image_ref, is_view_once, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err = tx.QueryRowContext(
		ctx, query,
		message.ID, message.ConversationID, message.SenderID,
		message.Content, message.ImageRef, message.IsViewOnce, message.CreatedAt,
	).Scan(&message.ID)
	if err != nil {
		s.logger.Error("Failed to insert message",
			"error", err, "conversation_id", req.ConversationID, "sender_id", senderID)
		return nil, err
	}

	var a, b string
	err = tx.QueryRowContext(ctx, `
		UPDATE conversations SET last_activity = $1 WHERE id = $2
		RETURNING participant_a, participant_b`,
		message.CreatedAt, req.ConversationID,
	).Scan(&a, &b)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		s.logger.Error("Failed to update conversation activity",
			"error", err, "conversation_id", req.ConversationID)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		s.logger.Error("Failed to commit transaction for SaveMessage", "error", err)
		return nil, err
	}

	s.InvalidateConversationsCache(ctx, a, b)

	s.logger.Info("Message saved successfully",
		"message_id", message.ID, "conversation_id", req.ConversationID)
	return message, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, image_ref, is_view_once,
		       viewed_at, read_at, updated_at, created_at
		FROM messages WHERE id = $1`

	message := &models.Message{}
	err := s.DB.QueryRowContext(ctx, query, messageID).Scan(
		&message.ID, &message.ConversationID, &message.SenderID,
		&message.Content, &message.ImageRef, &message.IsViewOnce,
		&message.ViewedAt, &message.ReadAt, &message.UpdatedAt, &message.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		s.logger.Error("Failed to get message", "error", err, "message_id", messageID)
		return nil, err
	}
	return message, nil
}

func (s *Store) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.logger.Debug("Getting messages", "conversation_id", conversationID, "limit", limit)

	query := `
		SELECT id, conversation_id, sender_id, content, image_ref, is_view_once,
		       viewed_at, read_at, updated_at, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.DB.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		s.logger.Error("Failed to query messages", "error", err, "conversation_id", conversationID)
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SenderID,
			&m.Content, &m.ImageRef, &m.IsViewOnce,
			&m.ViewedAt, &m.ReadAt, &m.UpdatedAt, &m.CreatedAt,
		)
		if err != nil {
			s.logger.Error("Failed to scan message row", "error", err)
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// invalidateMessageViewers drops both participants' cached inbox previews.
// Without this, a cached inbox re-fetch could resurrect unread counts the
// viewer already acknowledged, or a stale last-message preview.
func (s *Store) invalidateMessageViewers(ctx context.Context, conversationID string) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn("Failed to resolve conversation for cache invalidation",
			"error", err, "conversation_id", conversationID)
		return
	}
	s.InvalidateConversationsCache(ctx, conv.ParticipantA, conv.ParticipantB)
}

// MarkMessagesAsRead stamps read_at on the given messages. An empty batch is a
// no-op and performs no database call. Conversations whose rows actually
// changed get their participants' inbox caches invalidated.
func (s *Store) MarkMessagesAsRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	s.logger.Info("Marking messages as read", "count", len(messageIDs))

	query := `
		UPDATE messages
		SET read_at = CURRENT_TIMESTAMP
		WHERE id = ANY($1) AND read_at IS NULL
		RETURNING conversation_id`

	rows, err := s.DB.QueryContext(ctx, query, pq.Array(messageIDs))
	if err != nil {
		s.logger.Error("Failed to mark messages as read", "error", err, "count", len(messageIDs))
		return err
	}
	defer rows.Close()

	touched := make(map[string]struct{})
	for rows.Next() {
		var convID string
		if err := rows.Scan(&convID); err != nil {
			return err
		}
		touched[convID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for convID := range touched {
		s.invalidateMessageViewers(ctx, convID)
	}
	return nil
}

// UpdateMessageContent rewrites the text and stamps updated_at as the edit
// marker. Eligibility (plain text, not view-once, not a structured payload) is
// enforced by the session layer before calling.
func (s *Store) UpdateMessageContent(ctx context.Context, messageID, content string) (*models.Message, error) {
	s.logger.Info("Updating message content", "message_id", messageID)

	query := `
		UPDATE messages
		SET content = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`

	result, err := s.DB.ExecContext(ctx, query, messageID, content)
	if err != nil {
		s.logger.Error("Failed to update message content", "error", err, "message_id", messageID)
		return nil, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrMessageNotFound
	}

	message, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.invalidateMessageViewers(ctx, message.ConversationID)
	return message, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	s.logger.Warn("Deleting message", "message_id", messageID)

	var convID string
	err := s.DB.QueryRowContext(ctx,
		`DELETE FROM messages WHERE id = $1 RETURNING conversation_id`, messageID,
	).Scan(&convID)
	if err == sql.ErrNoRows {
		return ErrMessageNotFound
	}
	if err != nil {
		s.logger.Error("Failed to delete message", "error", err, "message_id", messageID)
		return err
	}

	s.invalidateMessageViewers(ctx, convID)
	return nil
}

// RevealMessage performs the sealed-to-revealed transition. The conditional
// WHERE makes it fire exactly once: a second call affects zero rows and
// returns ErrMessageNotFound, leaving the original viewed_at untouched.
func (s *Store) RevealMessage(ctx context.Context, messageID string) (*models.Message, error) {
	s.logger.Info("Revealing view-once message", "message_id", messageID)

	query := `
		UPDATE messages
		SET viewed_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND is_view_once = TRUE AND viewed_at IS NULL
		RETURNING id, conversation_id, sender_id, content, image_ref, is_view_once,
		          viewed_at, read_at, updated_at, created_at`

	message := &models.Message{}
	err := s.DB.QueryRowContext(ctx, query, messageID).Scan(
		&message.ID, &message.ConversationID, &message.SenderID,
		&message.Content, &message.ImageRef, &message.IsViewOnce,
		&message.ViewedAt, &message.ReadAt, &message.UpdatedAt, &message.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		s.logger.Error("Failed to reveal message", "error", err, "message_id", messageID)
		return nil, err
	}

	s.logger.Info("Message revealed", "message_id", messageID, "viewed_at", message.ViewedAt)
	return message, nil
}

// GetUnreadMessageIDs returns ids of inbound unread messages for the viewer in
// one conversation, oldest first.
func (s *Store) GetUnreadMessageIDs(ctx context.Context, conversationID, viewerID string) ([]string, error) {
	query := `
		SELECT id FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL
		ORDER BY created_at`

	rows, err := s.DB.QueryContext(ctx, query, conversationID, viewerID)
	if err != nil {
		s.logger.Error("Failed to query unread message ids",
			"error", err, "conversation_id", conversationID, "viewer_id", viewerID)
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
