package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/proximo-app/proximo/pkg/geo"
	"github.com/proximo-app/proximo/pkg/models"
)

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	s.logger.Debug("Getting profile", "user_id", userID)

	query := `
		SELECT id, display_name, avatar_ref, birth_date, lat, lng, tier, suspended, last_active
		FROM profiles WHERE id = $1`

	profile := &models.Profile{}
	var lat, lng sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, query, userID).Scan(
		&profile.ID, &profile.DisplayName, &profile.AvatarRef,
		&profile.BirthDate, &lat, &lng,
		&profile.Tier, &profile.Suspended, &profile.LastActive,
	)

	if err == sql.ErrNoRows {
		s.logger.Debug("Profile not found", "user_id", userID)
		return nil, nil
	}
	if err != nil {
		s.logger.Error("Failed to get profile", "error", err, "user_id", userID)
		return nil, err
	}

	if lat.Valid && lng.Valid {
		profile.Coords = &geo.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	return profile, nil
}

// UpsertProfile creates or refreshes the sign-in identity's profile row.
// Location is never touched here; it only moves through UpdateMyLocation.
func (s *Store) UpsertProfile(ctx context.Context, p *models.Profile) error {
	s.logger.Info("Upserting profile", "user_id", p.ID)

	query := `
		INSERT INTO profiles (id, display_name, avatar_ref, birth_date, tier)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_ref   = EXCLUDED.avatar_ref,
			birth_date   = EXCLUDED.birth_date,
			tier         = EXCLUDED.tier,
			last_active  = CURRENT_TIMESTAMP`

	tier := p.Tier
	if tier == "" {
		tier = models.TierFree
	}
	if _, err := s.DB.ExecContext(ctx, query, p.ID, p.DisplayName, p.AvatarRef, p.BirthDate, tier); err != nil {
		s.logger.Error("Failed to upsert profile", "error", err, "user_id", p.ID)
		return err
	}
	return nil
}

// UpdateProfile changes the mutable display fields.
func (s *Store) UpdateProfile(ctx context.Context, userID, displayName string, avatarRef *string) (*models.Profile, error) {
	s.logger.Info("Updating profile", "user_id", userID)

	query := `
		UPDATE profiles
		SET display_name = $2, avatar_ref = $3, last_active = CURRENT_TIMESTAMP
		WHERE id = $1`

	if _, err := s.DB.ExecContext(ctx, query, userID, displayName, avatarRef); err != nil {
		s.logger.Error("Failed to update profile", "error", err, "user_id", userID)
		return nil, err
	}
	return s.GetProfile(ctx, userID)
}

// UpdateMyLocation persists the device fix. Travel-mode overrides never reach
// this; they only affect queries.
func (s *Store) UpdateMyLocation(ctx context.Context, userID string, c geo.Coordinates) error {
	s.logger.Debug("Updating location", "user_id", userID, "lat", c.Lat, "lng", c.Lng)

	query := `
		UPDATE profiles
		SET lat = $2, lng = $3, last_active = CURRENT_TIMESTAMP
		WHERE id = $1`

	if _, err := s.DB.ExecContext(ctx, query, userID, c.Lat, c.Lng); err != nil {
		s.logger.Error("Failed to update location", "error", err, "user_id", userID)
		return err
	}
	return nil
}

func (s *Store) UpdateLastActive(ctx context.Context, userID string) error {
	query := `UPDATE profiles SET last_active = CURRENT_TIMESTAMP WHERE id = $1`
	if _, err := s.DB.ExecContext(ctx, query, userID); err != nil {
		s.logger.Error("Failed to update last active", "error", err, "user_id", userID)
		return err
	}
	return nil
}

// GetNearbyProfiles runs the proximity query: Haversine distance within the
// service radius, excluding the requester, suspended accounts and anyone in a
// block relationship with the requester, ordered nearest first.
func (s *Store) GetNearbyProfiles(ctx context.Context, viewerID string, at geo.Coordinates, radiusMeters float64, limit int) ([]models.ProximityResult, error) {
	s.logger.Debug("Querying nearby profiles",
		"viewer_id", viewerID, "lat", at.Lat, "lng", at.Lng, "radius_m", radiusMeters)

	query := `
		SELECT id, display_name, avatar_ref, birth_date, lat, lng, tier, last_active, distance_m
		FROM (
			SELECT p.*,
			       6371000 * acos(least(1.0,
			           cos(radians($2)) * cos(radians(p.lat)) * cos(radians(p.lng) - radians($3))
			           + sin(radians($2)) * sin(radians(p.lat))
			       )) AS distance_m
			FROM profiles p
			WHERE p.id <> $1
			AND p.suspended = FALSE
			AND p.lat IS NOT NULL AND p.lng IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM blocks b
				WHERE (b.blocker_id = $1 AND b.blocked_id = p.id)
				   OR (b.blocker_id = p.id AND b.blocked_id = $1)
			)
		) candidates
		WHERE distance_m <= $4
		ORDER BY distance_m
		LIMIT $5`

	rows, err := s.DB.QueryContext(ctx, query, viewerID, at.Lat, at.Lng, radiusMeters, limit)
	if err != nil {
		s.logger.Error("Failed to query nearby profiles", "error", err, "viewer_id", viewerID)
		return nil, err
	}
	defer rows.Close()

	var results []models.ProximityResult
	for rows.Next() {
		var r models.ProximityResult
		var lat, lng float64
		err := rows.Scan(
			&r.Profile.ID, &r.Profile.DisplayName, &r.Profile.AvatarRef,
			&r.Profile.BirthDate, &lat, &lng,
			&r.Profile.Tier, &r.Profile.LastActive, &r.DistanceMeters,
		)
		if err != nil {
			s.logger.Error("Failed to scan nearby profile row", "error", err)
			return nil, err
		}
		r.Profile.Coords = &geo.Coordinates{Lat: lat, Lng: lng}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debug("Nearby query completed", "viewer_id", viewerID, "results", len(results))
	return results, nil
}

// SaveWink records an interest signal. The primary key makes repeats a
// uniqueness violation, which callers treat as an idempotent no-op.
func (s *Store) SaveWink(ctx context.Context, senderID, receiverID string) (*models.Wink, error) {
	s.logger.Info("Saving wink", "sender_id", senderID, "receiver_id", receiverID)

	now := time.Now()
	query := `
		INSERT INTO winks (sender_id, receiver_id, created_at)
		VALUES ($1, $2, $3)`

	if _, err := s.DB.ExecContext(ctx, query, senderID, receiverID, now); err != nil {
		if IsUniqueViolation(err) {
			s.logger.Debug("Duplicate wink", "sender_id", senderID, "receiver_id", receiverID)
			return nil, ErrDuplicateWink
		}
		s.logger.Error("Failed to save wink", "error", err, "sender_id", senderID)
		return nil, err
	}

	return &models.Wink{SenderID: senderID, ReceiverID: receiverID, CreatedAt: now}, nil
}

// GetWinksReceived lists who winked at a user, newest first.
func (s *Store) GetWinksReceived(ctx context.Context, receiverID string, limit int) ([]models.Wink, error) {
	query := `
		SELECT sender_id, receiver_id, created_at
		FROM winks WHERE receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.DB.QueryContext(ctx, query, receiverID, limit)
	if err != nil {
		s.logger.Error("Failed to list winks", "error", err, "receiver_id", receiverID)
		return nil, err
	}
	defer rows.Close()

	var winks []models.Wink
	for rows.Next() {
		var w models.Wink
		if err := rows.Scan(&w.SenderID, &w.ReceiverID, &w.CreatedAt); err != nil {
			return nil, err
		}
		winks = append(winks, w)
	}
	return winks, rows.Err()
}

// BlockUser hides both sides from each other's proximity results. Repeats are
// no-ops.
func (s *Store) BlockUser(ctx context.Context, blockerID, blockedID string) error {
	s.logger.Info("Blocking user", "blocker_id", blockerID, "blocked_id", blockedID)

	query := `
		INSERT INTO blocks (blocker_id, blocked_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.DB.ExecContext(ctx, query, blockerID, blockedID); err != nil {
		s.logger.Error("Failed to block user", "error", err, "blocker_id", blockerID)
		return err
	}
	s.InvalidateNearbyCache(ctx, blockerID)
	return nil
}

func (s *Store) UnblockUser(ctx context.Context, blockerID, blockedID string) error {
	s.logger.Info("Unblocking user", "blocker_id", blockerID, "blocked_id", blockedID)

	query := `DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2`
	if _, err := s.DB.ExecContext(ctx, query, blockerID, blockedID); err != nil {
		s.logger.Error("Failed to unblock user", "error", err, "blocker_id", blockerID)
		return err
	}
	s.InvalidateNearbyCache(ctx, blockerID)
	return nil
}
