// Copyright 2024-2026 Aiku AI

package sechat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/PuerkitoBio/goquery"
)

// ErrLoginFailed is returned when the login form was accepted but the chat
// server does not recognise the session.
var ErrLoginFailed = errors.New("sechat: login failed")

var userLinkRe = regexp.MustCompile(`^/users/(\d+)`)

// Login authenticates with email and password through the StackExchange
// login form, then picks up the chat fkey and user id.
func (c *Client) Login(ctx context.Context, email, password string) error {
	doc, err := c.fetchDocument(ctx, c.loginURL+"/users/login")
	if err != nil {
		return fmt.Errorf("failed to load login page: %w", err)
	}
	fkey, ok := doc.Find(`input[name="fkey"]`).First().Attr("value")
	if !ok || fkey == "" {
		return fmt.Errorf("%w: no fkey on login page", ErrLoginFailed)
	}

	form := url.Values{
		"email":        {email},
		"password":     {password},
		"fkey":         {fkey},
		"ssrc":         {"head"},
		"isSignup":     {"false"},
		"isLogin":      {"true"},
		"isPassword":   {"false"},
		"isAddLogin":   {"false"},
		"hasCaptcha":   {"false"},
		"submitButton": {"Log in"},
	}
	if _, err := c.do(ctx, http.MethodPost, c.loginURL+"/users/login-or-signup/validation/track", form); err != nil {
		return fmt.Errorf("failed to validate credentials: %w", err)
	}
	loginForm := url.Values{
		"email":    {email},
		"password": {password},
		"fkey":     {fkey},
		"ssrc":     {"head"},
	}
	returnURL := url.QueryEscape(c.loginURL + "/")
	if _, err := c.do(ctx, http.MethodPost, c.loginURL+"/users/login?ssrc=head&returnurl="+returnURL, loginForm); err != nil {
		return fmt.Errorf("failed to submit login form: %w", err)
	}

	doc, err = c.fetchDocument(ctx, c.baseURL+"/chats/join/favorite")
	if err != nil {
		return fmt.Errorf("failed to load chat page: %w", err)
	}
	chatFkey, _ := doc.Find("input#fkey").Attr("value")
	userID := 0
	doc.Find(".topbar-menu-links a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if m := userLinkRe.FindStringSubmatch(href); m != nil {
			userID, _ = strconv.Atoi(m[1])
			return false
		}
		return true
	})
	if chatFkey == "" || userID == 0 {
		return ErrLoginFailed
	}

	c.mu.Lock()
	c.fkey = chatFkey
	c.userID = userID
	c.mu.Unlock()
	c.log.Info().Int("user_id", userID).Msg("Logged into chat")
	return nil
}

// JoinAnonymous fetches an fkey from a room's public page so an anonymous
// client can subscribe to events.
func (c *Client) JoinAnonymous(ctx context.Context, roomID int) error {
	doc, err := c.fetchDocument(ctx, fmt.Sprintf("%s/rooms/%d", c.baseURL, roomID))
	if err != nil {
		return fmt.Errorf("failed to load room page: %w", err)
	}
	fkey, ok := doc.Find("input#fkey").Attr("value")
	if !ok || fkey == "" {
		return fmt.Errorf("no fkey on room %d page", roomID)
	}
	c.mu.Lock()
	c.fkey = fkey
	c.mu.Unlock()
	return nil
}

func (c *Client) fetchDocument(ctx context.Context, target string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	} else if resp.StatusCode >= 400 {
		return nil, &StatusError{Method: http.MethodGet, Path: req.URL.Path, Status: resp.StatusCode}
	}
	return goquery.NewDocumentFromReader(resp.Body)
}
