// Copyright 2024-2026 Aiku AI

package sechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const stackImageHost = "i.sstatic.net"

// User is the subset of /users/thumbs/<id> the bridge reads.
type User struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	EmailHash  string `json:"email_hash"`
	Reputation int    `json:"reputation"`
}

// ResolveAvatar turns a thumbs email_hash into an image URL. Hashes starting
// with "!" are already URLs; images on the StackExchange image host are
// requested at 256px.
func ResolveAvatar(emailHash string) string {
	if rest, ok := strings.CutPrefix(emailHash, "!"); ok {
		u, err := url.Parse(rest)
		if err == nil && u.Host == stackImageHost {
			return (&url.URL{Scheme: "https", Host: stackImageHost, Path: u.Path, RawQuery: "s=256"}).String()
		}
		return rest
	}
	return fmt.Sprintf("https://www.gravatar.com/avatar/%s?s=256&d=identicon&r=PG", emailHash)
}

// UserThumb fetches a user's summary.
func (c *Client) UserThumb(ctx context.Context, userID int) (*User, error) {
	body, err := c.get(ctx, fmt.Sprintf("/users/thumbs/%d", userID))
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user %d: %w", userID, err)
	}
	return &user, nil
}

// AvatarURL returns the avatar URL of a user, cached for the lifetime of the
// client.
func (c *Client) AvatarURL(ctx context.Context, userID int) (string, error) {
	if avatar, ok := c.avatars.Get(userID); ok {
		return avatar, nil
	}
	user, err := c.UserThumb(ctx, userID)
	if err != nil {
		return "", err
	}
	avatar := ResolveAvatar(user.EmailHash)
	c.avatars.Set(userID, avatar)
	return avatar, nil
}
