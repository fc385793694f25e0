package models

import (
	"encoding/json"
	"time"
)

// Message is the canonical message row. Content is nil for pure image
// messages; structured payloads (location/album shares) are JSON in Content.
type Message struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	SenderID       string     `json:"sender_id" db:"sender_id"`
	Content        *string    `json:"content" db:"content"`
	ImageRef       *string    `json:"image_ref,omitempty" db:"image_ref"`
	IsViewOnce     bool       `json:"is_view_once" db:"is_view_once"`
	ViewedAt       *time.Time `json:"viewed_at,omitempty" db:"viewed_at"`
	ReadAt         *time.Time `json:"read_at,omitempty" db:"read_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" db:"updated_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindLocation MessageKind = "location"
	KindAlbum    MessageKind = "album"
)

// payloadEnvelope is the wire shape of structured content.
type payloadEnvelope struct {
	Type string `json:"type"`
}

// Kind classifies a message for rendering and preview summaries.
func (m *Message) Kind() MessageKind {
	if m.Content == nil {
		return KindPhoto
	}
	var env payloadEnvelope
	if err := json.Unmarshal([]byte(*m.Content), &env); err == nil {
		switch MessageKind(env.Type) {
		case KindLocation:
			return KindLocation
		case KindAlbum:
			return KindAlbum
		}
	}
	return KindText
}

// Summary is the type-aware one-line preview used in conversation lists.
func (m *Message) Summary() string {
	switch m.Kind() {
	case KindPhoto:
		return "Sent a photo"
	case KindLocation:
		return "Shared a location"
	case KindAlbum:
		return "Shared an album"
	default:
		return *m.Content
	}
}

// Editable reports whether the content may be rewritten: plain text only,
// never view-once media or structured payloads.
func (m *Message) Editable() bool {
	return !m.IsViewOnce && m.Content != nil && m.Kind() == KindText
}

// LocationPayload and AlbumPayload are the structured content bodies.
type LocationPayload struct {
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type AlbumPayload struct {
	Type     string   `json:"type"`
	AlbumID  string   `json:"album_id"`
	CoverRef *string  `json:"cover_ref,omitempty"`
	Refs     []string `json:"refs,omitempty"`
}

func NewLocationContent(lat, lng float64) string {
	b, _ := json.Marshal(LocationPayload{Type: string(KindLocation), Lat: lat, Lng: lng})
	return string(b)
}

func NewAlbumContent(albumID string, refs []string) string {
	b, _ := json.Marshal(AlbumPayload{Type: string(KindAlbum), AlbumID: albumID, Refs: refs})
	return string(b)
}

type SendMessageRequest struct {
	ConversationID string  `json:"conversation_id"`
	Content        *string `json:"content"`
	ImageRef       *string `json:"image_ref,omitempty"`
	IsViewOnce     bool    `json:"is_view_once,omitempty"`
}
