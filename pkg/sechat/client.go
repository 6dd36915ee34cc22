// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sechat is a client for StackExchange chat. It covers what a bridge
// needs: logging in, sending, editing, deleting and replying to messages,
// fetching raw message sources and user avatars, and subscribing to a room's
// websocket event stream either as a logged-in user or anonymously.
package sechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

// DefaultHost is the chat server used when Options.Host is empty.
const DefaultHost = "chat.stackexchange.com"

var (
	// ErrNotFound is returned when a message or user does not exist or was
	// already deleted.
	ErrNotFound = errors.New("sechat: not found")
	// ErrThrottled is returned when the server kept rejecting a request with
	// HTTP 409 after all retries.
	ErrThrottled = errors.New("sechat: throttled")
	// ErrNotLoggedIn is returned by write operations on anonymous clients.
	ErrNotLoggedIn = errors.New("sechat: not logged in")
)

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sechat: %s %s returned HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	// Host is the chat host, e.g. chat.stackexchange.com or chat.stackoverflow.com.
	Host string
	// BaseURL overrides https://<Host> for HTTP requests. Used by tests.
	BaseURL string
	// LoginURL is the StackExchange site used for the login form.
	// Defaults to https://meta.stackexchange.com.
	LoginURL string
	// HTTPClient is used for all HTTP requests. A cookie jar is attached if
	// it has none.
	HTTPClient *http.Client
	// Dialer is used for websocket connections.
	Dialer *websocket.Dialer
	// MaxRetries caps the number of retries after HTTP 409 throttling.
	MaxRetries int
	Logger     zerolog.Logger
}

// Client talks to one chat host. It is safe for concurrent use.
type Client struct {
	host       string
	baseURL    string
	loginURL   string
	http       *http.Client
	dialer     *websocket.Dialer
	maxRetries int
	log        zerolog.Logger

	mu     sync.RWMutex
	fkey   string
	userID int

	avatars *exsync.Map[int, string]
}

// New creates a client. It is anonymous until Login succeeds.
func New(opts Options) (*Client, error) {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://" + opts.Host
	}
	if opts.LoginURL == "" {
		opts.LoginURL = "https://meta.stackexchange.com"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			Jar:              httpClient.Jar,
		}
	}
	return &Client{
		host:       opts.Host,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		loginURL:   strings.TrimSuffix(opts.LoginURL, "/"),
		http:       httpClient,
		dialer:     dialer,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger.With().Str("component", "sechat").Str("host", opts.Host).Logger(),
		avatars:    exsync.NewMap[int, string](),
	}, nil
}

// Host returns the chat host name.
func (c *Client) Host() string {
	return c.host
}

// UserID returns the logged-in user id, or 0 for anonymous clients.
func (c *Client) UserID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) getFkey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fkey
}

// Send posts text to a room and returns the new message id.
func (c *Client) Send(ctx context.Context, roomID int, text string) (int, error) {
	if c.UserID() == 0 {
		return 0, ErrNotLoggedIn
	}
	body, err := c.post(ctx, fmt.Sprintf("/chats/%d/messages/new", roomID), url.Values{"text": {text}})
	if err != nil {
		return 0, err
	}
	var resp struct {
		ID   int   `json:"id"`
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode send response: %w", err)
	} else if resp.ID == 0 {
		return 0, fmt.Errorf("send response did not contain a message id: %s", body)
	}
	return resp.ID, nil
}

// Reply posts text as a reply to messageID.
func (c *Client) Reply(ctx context.Context, roomID, messageID int, text string) (int, error) {
	return c.Send(ctx, roomID, fmt.Sprintf(":%d %s", messageID, text))
}

// Edit replaces the text of a message.
func (c *Client) Edit(ctx context.Context, messageID int, text string) error {
	if c.UserID() == 0 {
		return ErrNotLoggedIn
	}
	body, err := c.post(ctx, fmt.Sprintf("/messages/%d", messageID), url.Values{"text": {text}})
	if err != nil {
		return err
	}
	return checkOK(body)
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, messageID int) error {
	if c.UserID() == 0 {
		return ErrNotLoggedIn
	}
	body, err := c.post(ctx, fmt.Sprintf("/messages/%d/delete", messageID), url.Values{})
	if err != nil {
		return err
	}
	return checkOK(body)
}

// RawMessage returns the markdown source of a message.
func (c *Client) RawMessage(ctx context.Context, messageID int) (string, error) {
	body, err := c.get(ctx, fmt.Sprintf("/message/%d?raw=true", messageID))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// TranscriptURL returns the permalink of a message on this host.
func (c *Client) TranscriptURL(messageID int) string {
	return fmt.Sprintf("https://%s/transcript/message/%d#%d", c.host, messageID, messageID)
}

// RawMessageURL returns the URL of a message's markdown source.
func (c *Client) RawMessageURL(messageID int) string {
	return fmt.Sprintf("https://%s/message/%d?raw=true", c.host, messageID)
}

func checkOK(body []byte) error {
	text := strings.Trim(strings.TrimSpace(string(body)), `"`)
	switch {
	case text == "ok":
		return nil
	case strings.Contains(text, "already been deleted"):
		return ErrNotFound
	default:
		return fmt.Errorf("sechat: request rejected: %s", text)
	}
}

var throttleRe = regexp.MustCompile(`again in (\d+) seconds?`)

func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	form.Set("fkey", c.getFkey())
	return c.do(ctx, http.MethodPost, c.baseURL+path, form)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+path, nil)
}

// do performs a request, waiting out HTTP 409 throttling responses.
func (c *Client) do(ctx context.Context, method, target string, form url.Values) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var reqBody io.Reader
		if form != nil {
			reqBody = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.Header.Set("User-Agent", "bridget (+https://github.com/aiku/bridget)")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to %s %s: %w", method, req.URL.Path, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusConflict:
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w: %s", ErrThrottled, body)
			}
			wait := time.Second
			if m := throttleRe.FindSubmatch(body); m != nil {
				if secs, err := strconv.Atoi(string(m[1])); err == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
			c.log.Debug().
				Str("path", req.URL.Path).
				Dur("wait", wait).
				Int("attempt", attempt+1).
				Msg("Throttled by chat server, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		default:
			return nil, &StatusError{
				Method: method,
				Path:   req.URL.Path,
				Status: resp.StatusCode,
				Body:   strings.TrimSpace(string(body)),
			}
		}
	}
}
