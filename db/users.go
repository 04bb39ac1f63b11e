package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/onnwee/modbot-relay/chat"
)

// GetUser returns the stored user and whether its profile was ever fetched from Twitch.
func (s *Store) GetUser(ctx context.Context, id string) (chat.User, bool, error) {
	var u chat.User
	var created, fetched sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, login, COALESCE(display_name, ''), COALESCE(profile_image_url, ''),
		        COALESCE(broadcaster_type, ''), created_at, fetched_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Login, &u.DisplayName, &u.ProfileImageURL, &u.BroadcasterType, &created, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return u, false, ErrNotFound
	}
	if err != nil {
		return u, false, wrap(err, "get user")
	}
	if created.Valid {
		u.CreatedAt = created.Time
	}
	return u, fetched.Valid, nil
}

// UpsertUser stores a profile fetched from Twitch.
func (s *Store) UpsertUser(ctx context.Context, u chat.User) error {
	var created any
	if !u.CreatedAt.IsZero() {
		created = u.CreatedAt.UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, login, display_name, profile_image_url, broadcaster_type, created_at, fetched_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   login = EXCLUDED.login,
		   display_name = EXCLUDED.display_name,
		   profile_image_url = EXCLUDED.profile_image_url,
		   broadcaster_type = EXCLUDED.broadcaster_type,
		   created_at = EXCLUDED.created_at,
		   fetched_at = NOW(),
		   updated_at = NOW()`,
		u.ID, u.Login, u.DisplayName, u.ProfileImageURL, u.BroadcasterType, created)
	return wrap(err, "upsert user")
}

// ResolveOrFetchUser returns the stored profile, fetching it from Twitch with
// bearer when the user is unknown or only known from chat tags.
func (s *Store) ResolveOrFetchUser(ctx context.Context, providerUserID, bearer string) (chat.User, error) {
	if providerUserID == "" {
		return chat.User{}, wrap(errors.New("user id is empty"), "resolve user")
	}
	stored, fetched, err := s.GetUser(ctx, providerUserID)
	switch {
	case err == nil && fetched:
		return stored, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return chat.User{}, err
	}
	if s.Users == nil {
		if err == nil {
			return stored, nil
		}
		return chat.User{}, err
	}

	hu, ferr := s.Users.GetUserByID(ctx, bearer, providerUserID)
	if ferr != nil {
		return stored, errors.Wrapf(ferr, "fetch user %s", providerUserID)
	}
	u := chat.User{
		ID:              hu.ID,
		Login:           hu.Login,
		DisplayName:     hu.DisplayName,
		ProfileImageURL: hu.ProfileImageURL,
		BroadcasterType: hu.BroadcasterType,
		CreatedAt:       hu.CreatedAt,
	}
	if err := s.UpsertUser(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}
