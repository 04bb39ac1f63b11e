package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBearerRequired is returned by calls that act as a moderator and were given no user token.
var ErrBearerRequired = errors.New("helix call requires a user access token")

// maxPages bounds cursor pagination.
const maxPages = 20

// ModeratedChannel is a channel the user moderates.
type ModeratedChannel struct {
	BroadcasterID    string `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
	BroadcasterName  string `json:"broadcaster_name"`
}

// BlockedTerm is a word or phrase AutoMod removes from a channel's chat.
type BlockedTerm struct {
	ID            string     `json:"id"`
	BroadcasterID string     `json:"broadcaster_id"`
	ModeratorID   string     `json:"moderator_id"`
	Text          string     `json:"text"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

type pagination struct {
	Cursor string `json:"cursor"`
}

// GetModeratedChannels lists the channels userID moderates. bearer must belong
// to userID and carry user:read:moderated_channels.
func (hc *HelixClient) GetModeratedChannels(ctx context.Context, bearer, userID string) ([]ModeratedChannel, error) {
	tok := strings.TrimPrefix(bearer, "oauth:")
	if tok == "" {
		return nil, ErrBearerRequired
	}
	out := []ModeratedChannel{}
	q := url.Values{"user_id": {userID}, "first": {"100"}}
	for page := 0; page < maxPages; page++ {
		var body struct {
			Data       []ModeratedChannel `json:"data"`
			Pagination pagination         `json:"pagination"`
		}
		if err := hc.call(ctx, tok, http.MethodGet, "moderation/channels", q, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" {
			break
		}
		q.Set("after", body.Pagination.Cursor)
	}
	return out, nil
}

// GetBlockedTerms lists the blocked terms of broadcasterID as seen by moderatorID.
func (hc *HelixClient) GetBlockedTerms(ctx context.Context, bearer, broadcasterID, moderatorID string) ([]BlockedTerm, error) {
	tok := strings.TrimPrefix(bearer, "oauth:")
	if tok == "" {
		return nil, ErrBearerRequired
	}
	out := []BlockedTerm{}
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}, "first": {"100"}}
	for page := 0; page < maxPages; page++ {
		var body struct {
			Data       []BlockedTerm `json:"data"`
			Pagination pagination    `json:"pagination"`
		}
		if err := hc.call(ctx, tok, http.MethodGet, "moderation/blocked_terms", q, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" {
			break
		}
		q.Set("after", body.Pagination.Cursor)
	}
	return out, nil
}

// AddBlockedTerm blocks text in broadcasterID's chat. Adding a term that already
// exists returns the existing one.
func (hc *HelixClient) AddBlockedTerm(ctx context.Context, bearer, broadcasterID, moderatorID, text string) (BlockedTerm, error) {
	tok := strings.TrimPrefix(bearer, "oauth:")
	if tok == "" {
		return BlockedTerm{}, ErrBearerRequired
	}
	text = strings.TrimSpace(text)
	if len(text) < 2 || len(text) > 500 {
		return BlockedTerm{}, errors.New("blocked term must be 2 to 500 characters")
	}
	var body struct {
		Data []BlockedTerm `json:"data"`
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}}
	if err := hc.call(ctx, tok, http.MethodPost, "moderation/blocked_terms", q, map[string]string{"text": text}, &body); err != nil {
		return BlockedTerm{}, err
	}
	if len(body.Data) == 0 {
		return BlockedTerm{}, errors.New("helix returned no blocked term")
	}
	return body.Data[0], nil
}

// DeleteBlockedTerm removes the term with id from broadcasterID's chat.
func (hc *HelixClient) DeleteBlockedTerm(ctx context.Context, bearer, broadcasterID, moderatorID, id string) error {
	tok := strings.TrimPrefix(bearer, "oauth:")
	if tok == "" {
		return ErrBearerRequired
	}
	if id == "" {
		return errors.New("blocked term id empty")
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}, "id": {id}}
	return hc.call(ctx, tok, http.MethodDelete, "moderation/blocked_terms", q, nil, nil)
}
