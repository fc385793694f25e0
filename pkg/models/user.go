package models

import (
	"time"

	"github.com/proximo-app/proximo/pkg/geo"
)

type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierPremium SubscriptionTier = "premium"
)

// Profile is the read-mostly user snapshot refreshed by proximity queries.
// Online is derived from the presence registry at read time; when the user has
// no presence entry, LastActive is the display fallback.
type Profile struct {
	ID          string           `json:"id" db:"id"`
	DisplayName string           `json:"display_name" db:"display_name"`
	AvatarRef   *string          `json:"avatar_ref,omitempty" db:"avatar_ref"`
	BirthDate   time.Time        `json:"birth_date" db:"birth_date"`
	Coords      *geo.Coordinates `json:"coords,omitempty" db:"-"`
	LastActive  time.Time        `json:"last_active" db:"last_active"`
	Tier        SubscriptionTier `json:"tier" db:"tier"`
	Suspended   bool             `json:"-" db:"suspended"`
	Online      bool             `json:"online" db:"-"`
}

// Age returns whole years elapsed since the birth date.
func (p *Profile) Age(now time.Time) int {
	years := now.Year() - p.BirthDate.Year()
	anniversary := p.BirthDate.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	return years
}

// ProximityResult pairs a profile with the distance computed at query time.
// Never persisted; re-derived on every query.
type ProximityResult struct {
	Profile        Profile `json:"profile"`
	DistanceMeters float64 `json:"distance_meters"`
}

type Wink struct {
	SenderID   string    `json:"sender_id" db:"sender_id"`
	ReceiverID string    `json:"receiver_id" db:"receiver_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
