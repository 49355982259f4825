package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"thesischat/models"
	"thesischat/profiles"
)

// ErrNotFound indicates a requested row does not exist.
//
// It also matches profiles.ErrNotFound through errors.Is.
var ErrNotFound = fmt.Errorf("storage: record not found: %w", profiles.ErrNotFound)

// Profile is the SQLite representation of a peer's display metadata.
type Profile struct {
	PeerID      string
	DisplayName string
	AvatarRef   string
	UpdatedAt   int64
}

// Record converts the row into the display record used by the chat engine.
func (p Profile) Record() models.ProfileRecord {
	return models.ProfileRecord{
		PeerID:      p.PeerID,
		DisplayName: p.DisplayName,
		AvatarRef:   p.AvatarRef,
	}
}

// UpsertProfile inserts or replaces a peer profile.
func (s *Store) UpsertProfile(profile Profile) error {
	profile.PeerID = strings.TrimSpace(profile.PeerID)
	profile.DisplayName = strings.TrimSpace(profile.DisplayName)
	if profile.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if profile.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if profile.UpdatedAt == 0 {
		profile.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO profiles (peer_id, display_name, avatar_ref, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref,
			updated_at = excluded.updated_at`,
		profile.PeerID,
		profile.DisplayName,
		profile.AvatarRef,
		profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %q: %w", profile.PeerID, err)
	}
	return nil
}

// GetProfile fetches a profile by peer ID.
func (s *Store) GetProfile(ctx context.Context, peerID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT peer_id, display_name, avatar_ref, updated_at
		FROM profiles
		WHERE peer_id = ?`,
		peerID,
	)

	profile, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile %q: %w", peerID, err)
	}
	return profile, nil
}

// GetProfileByPeerID implements profiles.Lookup.
func (s *Store) GetProfileByPeerID(ctx context.Context, peerID string) (models.ProfileRecord, error) {
	profile, err := s.GetProfile(ctx, peerID)
	if err != nil {
		return models.ProfileRecord{}, err
	}
	return profile.Record(), nil
}

// ListProfiles returns all profiles sorted by display name.
func (s *Store) ListProfiles() ([]Profile, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, avatar_ref, updated_at
		FROM profiles
		ORDER BY display_name, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]Profile, 0)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		out = append(out, *profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile rows: %w", err)
	}
	return out, nil
}

// RemoveProfile deletes a profile.
func (s *Store) RemoveProfile(peerID string) error {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("remove profile %q: %w", peerID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for profile removal: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*Profile, error) {
	var profile Profile
	if err := row.Scan(
		&profile.PeerID,
		&profile.DisplayName,
		&profile.AvatarRef,
		&profile.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &profile, nil
}
