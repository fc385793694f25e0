package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/proximo-app/proximo/pkg/models"
)

// GetOrCreateConversation resolves the single conversation for an unordered
// pair. Concurrent first-contact calls from both sides race on the insert; the
// unique constraint on the normalized pair lets the loser re-read the winner's
// row, so exactly one row ever exists.
func (s *Store) GetOrCreateConversation(ctx context.Context, userA, userB string) (string, error) {
	a, b := models.NormalizePair(userA, userB)
	s.logger.Debug("Resolving conversation", "participant_a", a, "participant_b", b)

	selectQuery := `
		SELECT id FROM conversations
		WHERE participant_a = $1 AND participant_b = $2`

	var id string
	err := s.DB.QueryRowContext(ctx, selectQuery, a, b).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		s.logger.Error("Failed to look up conversation", "error", err)
		return "", err
	}

	insertQuery := `
		INSERT INTO conversations (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		RETURNING id`

	err = s.DB.QueryRowContext(ctx, insertQuery, uuid.New().String(), a, b).Scan(&id)
	if err != nil {
		if IsUniqueViolation(err) {
			// Lost the race; the other participant created it first.
			if err := s.DB.QueryRowContext(ctx, selectQuery, a, b).Scan(&id); err != nil {
				return "", fmt.Errorf("re-read conversation after conflict: %w", err)
			}
			s.logger.Debug("Conversation created concurrently elsewhere", "conversation_id", id)
			return id, nil
		}
		s.logger.Error("Failed to insert conversation", "error", err)
		return "", err
	}

	s.InvalidateConversationsCache(ctx, userA, userB)
	s.logger.Info("Conversation created",
		"conversation_id", id, "participant_a", a, "participant_b", b)
	return id, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, created_at, last_activity
		FROM conversations WHERE id = $1`

	conv := &models.Conversation{}
	err := s.DB.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
		&conv.CreatedAt, &conv.LastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		s.logger.Error("Failed to get conversation", "error", err, "conversation_id", id)
		return nil, err
	}
	return conv, nil
}

// GetMyConversations returns inbox previews ordered by most recent activity,
// each carrying the peer snapshot, last-message snapshot and the viewer's
// unread count.
func (s *Store) GetMyConversations(ctx context.Context, viewerID string) ([]models.ConversationPreview, error) {
	s.logger.Debug("Getting conversations", "viewer_id", viewerID)

	if cached, err := s.GetCachedConversations(ctx, viewerID); err == nil && cached != nil {
		s.logger.Debug("Retrieved conversations from cache",
			"viewer_id", viewerID, "count", len(cached))
		return cached, nil
	}

	query := `
		SELECT c.id, c.participant_a, c.participant_b, c.created_at, c.last_activity,
		       p.id, p.display_name, p.avatar_ref, p.birth_date, p.tier, p.last_active,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m.read_at IS NULL) AS unread_count,
		       lm.id, lm.sender_id, lm.content, lm.image_ref, lm.is_view_once, lm.created_at
		FROM conversations c
		JOIN profiles p ON p.id = CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, image_ref, is_view_once, created_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC
			LIMIT 1
		) lm ON TRUE
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.last_activity DESC`

	rows, err := s.DB.QueryContext(ctx, query, viewerID)
	if err != nil {
		s.logger.Error("Failed to query conversations", "error", err, "viewer_id", viewerID)
		return nil, err
	}
	defer rows.Close()

	var previews []models.ConversationPreview
	for rows.Next() {
		var pv models.ConversationPreview
		var lmID, lmSender sql.NullString
		var lmContent, lmImageRef sql.NullString
		var lmViewOnce sql.NullBool
		var lmCreatedAt sql.NullTime

		err := rows.Scan(
			&pv.Conversation.ID, &pv.ParticipantA, &pv.ParticipantB,
			&pv.Conversation.CreatedAt, &pv.LastActivity,
			&pv.Peer.ID, &pv.Peer.DisplayName, &pv.Peer.AvatarRef,
			&pv.Peer.BirthDate, &pv.Peer.Tier, &pv.Peer.LastActive,
			&pv.UnreadCount,
			&lmID, &lmSender, &lmContent, &lmImageRef, &lmViewOnce, &lmCreatedAt,
		)
		if err != nil {
			s.logger.Error("Failed to scan conversation row", "error", err, "viewer_id", viewerID)
			return nil, err
		}

		if lmID.Valid {
			last := &models.Message{
				ID:             lmID.String,
				ConversationID: pv.Conversation.ID,
				SenderID:       lmSender.String,
				IsViewOnce:     lmViewOnce.Bool,
				CreatedAt:      lmCreatedAt.Time,
			}
			if lmContent.Valid {
				content := lmContent.String
				last.Content = &content
			}
			if lmImageRef.Valid {
				ref := lmImageRef.String
				last.ImageRef = &ref
			}
			pv.LastMessage = last
		}
		previews = append(previews, pv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	go func() {
		if err := s.CacheConversations(context.Background(), viewerID, previews); err != nil {
			s.logger.Debug("Failed to cache conversations", "viewer_id", viewerID, "error", err)
		}
	}()

	s.logger.Debug("Retrieved conversations from database",
		"viewer_id", viewerID, "count", len(previews))
	return previews, nil
}

// DeleteConversation removes the conversation and, via cascade, its messages.
// There is no soft delete and no undo.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.logger.Warn("Deleting conversation", "conversation_id", id)

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		s.logger.Error("Failed to delete conversation", "error", err, "conversation_id", id)
		return err
	}

	s.InvalidateConversationsCache(ctx, conv.ParticipantA, conv.ParticipantB)
	s.logger.Info("Conversation deleted", "conversation_id", id)
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, id string) error {
	query := `UPDATE conversations SET last_activity = CURRENT_TIMESTAMP WHERE id = $1`
	if _, err := s.DB.ExecContext(ctx, query, id); err != nil {
		s.logger.Error("Failed to update conversation activity", "error", err, "conversation_id", id)
		return err
	}
	return nil
}
