package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/onnwee/modbot-relay/chat"
)

// BotToken is the stored OAuth grant of a bot account. Identity is the bot's
// lower-cased login.
type BotToken struct {
	Identity     string
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

func (s *Store) seal(identity, v string) (string, error) {
	if s.Cipher == nil {
		return v, nil
	}
	return s.Cipher.Seal(identity, v)
}

// UpsertBotToken stores or replaces a bot grant. When a cipher is configured the
// tokens are sealed (encryption_version 1); otherwise they are stored as-is (0).
func (s *Store) UpsertBotToken(ctx context.Context, t BotToken) error {
	t.Identity = strings.ToLower(strings.TrimSpace(t.Identity))
	if t.Identity == "" || t.AccessToken == "" {
		return wrap(errors.New("bot token needs an identity and an access token"), "upsert bot token")
	}
	access, err := s.seal(t.Identity, t.AccessToken)
	if err != nil {
		return errors.Wrap(err, "seal access token")
	}
	refresh, err := s.seal(t.Identity, t.RefreshToken)
	if err != nil {
		return errors.Wrap(err, "seal refresh token")
	}
	version, keyID := 0, ""
	if s.Cipher != nil {
		version, keyID = 1, s.Cipher.KeyID()
	}
	var expiry any
	if !t.Expiry.IsZero() {
		expiry = t.Expiry.UTC()
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO bot_tokens (identity, user_id, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, NULLIF($8, ''), NOW())
		 ON CONFLICT (identity) DO UPDATE SET
		   user_id = COALESCE(EXCLUDED.user_id, bot_tokens.user_id),
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   scope = COALESCE(EXCLUDED.scope, bot_tokens.scope),
		   encryption_version = EXCLUDED.encryption_version,
		   encryption_key_id = EXCLUDED.encryption_key_id,
		   updated_at = NOW()`,
		t.Identity, t.UserID, access, refresh, expiry, t.Scope, version, keyID)
	return wrap(err, "upsert bot token")
}

// GetBotToken loads and opens the grant of identity. Rows written before
// encryption was enabled (version 0) are returned as stored.
func (s *Store) GetBotToken(ctx context.Context, identity string) (BotToken, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	t := BotToken{Identity: identity}
	var userID, refresh, scope, keyID sql.NullString
	var expiry sql.NullTime
	var version int
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id
		 FROM bot_tokens WHERE identity = $1`, identity).
		Scan(&userID, &t.AccessToken, &refresh, &expiry, &scope, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, wrap(err, "get bot token")
	}
	t.UserID, t.RefreshToken, t.Scope = userID.String, refresh.String, scope.String
	if expiry.Valid {
		t.Expiry = expiry.Time
	}
	if version == 0 {
		return t, nil
	}
	if s.Cipher == nil {
		return t, errors.Errorf("bot token for %s is encrypted but ENCRYPTION_KEY is not configured", identity)
	}
	if keyID.Valid && keyID.String != s.Cipher.KeyID() {
		return t, errors.Errorf("bot token for %s was sealed with key %q, have %q", identity, keyID.String, s.Cipher.KeyID())
	}
	if t.AccessToken, err = s.Cipher.Open(identity, t.AccessToken); err != nil {
		return t, errors.Wrap(err, "open access token")
	}
	if t.RefreshToken, err = s.Cipher.Open(identity, t.RefreshToken); err != nil {
		return t, errors.Wrap(err, "open refresh token")
	}
	return t, nil
}

// ListExpiringBotTokens returns identities whose access token expires within d.
func (s *Store) ListExpiringBotTokens(ctx context.Context, within time.Duration) ([]string, error) {
	return s.identities(ctx,
		`SELECT identity FROM bot_tokens
		 WHERE refresh_token IS NOT NULL AND (expires_at IS NULL OR expires_at < $1)
		 ORDER BY identity`, time.Now().Add(within).UTC())
}

// CountBotTokens returns how many bot accounts are onboarded.
func (s *Store) CountBotTokens(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bot_tokens`).Scan(&n)
	return n, wrap(err, "count bot tokens")
}

// PlaintextBotTokens lists identities whose tokens are stored unencrypted.
func (s *Store) PlaintextBotTokens(ctx context.Context) ([]string, error) {
	return s.identities(ctx, `SELECT identity FROM bot_tokens WHERE encryption_version = 0 ORDER BY identity`)
}

// SealPlaintextBotTokens re-writes every version 0 row through the cipher and
// returns how many rows it sealed.
func (s *Store) SealPlaintextBotTokens(ctx context.Context) (int, error) {
	if s.Cipher == nil {
		return 0, errors.New("no cipher configured")
	}
	ids, err := s.PlaintextBotTokens(ctx)
	if err != nil {
		return 0, err
	}
	sealed := 0
	for _, id := range ids {
		t, err := s.GetBotToken(ctx, id)
		if err != nil {
			return sealed, err
		}
		if err := s.UpsertBotToken(ctx, t); err != nil {
			return sealed, err
		}
		sealed++
	}
	return sealed, nil
}

func (s *Store) identities(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(err, "list bot identities")
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap(err, "scan bot identity")
		}
		out = append(out, id)
	}
	return out, wrap(rows.Err(), "iterate bot identities")
}

// RememberAssignment records that identity watches channel so capture resumes
// after a restart.
func (s *Store) RememberAssignment(ctx context.Context, key chat.ConnectionKey) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO bot_channels (identity, channel) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		key.Identity, key.Channel)
	return wrap(err, "remember assignment")
}

// ForgetAssignment removes a stored assignment; missing rows are fine.
func (s *Store) ForgetAssignment(ctx context.Context, key chat.ConnectionKey) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM bot_channels WHERE identity = $1 AND channel = $2`, key.Identity, key.Channel)
	return wrap(err, "forget assignment")
}

// ListAssignments returns every stored (identity, channel) pair.
func (s *Store) ListAssignments(ctx context.Context) ([]chat.ConnectionKey, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT identity, channel FROM bot_channels ORDER BY identity, channel`)
	if err != nil {
		return nil, wrap(err, "list assignments")
	}
	defer func() { _ = rows.Close() }()
	var out []chat.ConnectionKey
	for rows.Next() {
		var identity, channel string
		if err := rows.Scan(&identity, &channel); err != nil {
			return nil, wrap(err, "scan assignment")
		}
		out = append(out, chat.NewConnectionKey(identity, channel))
	}
	return out, wrap(rows.Err(), "iterate assignments")
}

// GetTextCommand returns the stored reply of !name in channel.
func (s *Store) GetTextCommand(ctx context.Context, channel, name string) (string, bool, error) {
	var body string
	err := s.DB.QueryRowContext(ctx,
		`SELECT body FROM text_commands WHERE channel = $1 AND name = $2`,
		chat.NormalizeChannel(channel), strings.ToLower(name)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, "get text command")
	}
	return body, true, nil
}

// ListTextCommands returns the stored command names of channel, sorted.
func (s *Store) ListTextCommands(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT name FROM text_commands WHERE channel = $1 ORDER BY name`, chat.NormalizeChannel(channel))
	if err != nil {
		return nil, wrap(err, "list text commands")
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrap(err, "scan text command")
		}
		out = append(out, name)
	}
	return out, wrap(rows.Err(), "iterate text commands")
}

// UpsertTextCommand creates or replaces !name in channel.
func (s *Store) UpsertTextCommand(ctx context.Context, channel, name, text string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO text_commands (channel, name, body) VALUES ($1, $2, $3)
		 ON CONFLICT (channel, name) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`,
		chat.NormalizeChannel(channel), strings.ToLower(name), text)
	return wrap(err, "upsert text command")
}

// DeleteTextCommand removes !name from channel and reports whether it existed.
func (s *Store) DeleteTextCommand(ctx context.Context, channel, name string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM text_commands WHERE channel = $1 AND name = $2`,
		chat.NormalizeChannel(channel), strings.ToLower(name))
	if err != nil {
		return false, wrap(err, "delete text command")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(err, "delete text command")
	}
	return n > 0, nil
}
