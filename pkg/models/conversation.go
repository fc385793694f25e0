package models

import "time"

// Conversation is an unordered participant pair. Participants are stored
// normalized (A < B) so the pair maps to exactly one row.
type Conversation struct {
	ID           string    `json:"id" db:"id"`
	ParticipantA string    `json:"participant_a" db:"participant_a"`
	ParticipantB string    `json:"participant_b" db:"participant_b"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
}

// Peer returns the other participant from the viewer's side.
func (c *Conversation) Peer(viewerID string) string {
	if c.ParticipantA == viewerID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// NormalizePair orders a participant pair so (A,B) and (B,A) address the same
// conversation row.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ConversationPreview is one inbox entry: peer snapshot, last message and the
// viewer's unread count, ordered by most recent activity.
type ConversationPreview struct {
	Conversation
	Peer        Profile  `json:"peer"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// LastMessageSummary is the type-aware one-liner shown in the inbox.
func (p *ConversationPreview) LastMessageSummary() string {
	if p.LastMessage == nil {
		return ""
	}
	return p.LastMessage.Summary()
}
