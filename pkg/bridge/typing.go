// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type typingEntry struct {
	name string
	at   time.Time
}

// typingState tracks who is typing in a pairing's channel. It is written by
// the intake and typing tasks and read by the relay tick.
type typingState struct {
	mu    sync.Mutex
	ttl   time.Duration
	users map[string]typingEntry
	// cleared holds when each user last had a message queued. Typing seen
	// at or before that time is stale.
	cleared map[string]time.Time
}

func newTypingState(ttl time.Duration) *typingState {
	return &typingState{
		ttl:     ttl,
		users:   make(map[string]typingEntry),
		cleared: make(map[string]time.Time),
	}
}

func (t *typingState) set(userID, name string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cleared[userID]; ok && !at.After(c) {
		return
	}
	t.users[userID] = typingEntry{name: name, at: at}
}

// clear forgets userID's typing as of at.
func (t *typingState) clear(userID string, at time.Time) {
	t.mu.Lock()
	delete(t.users, userID)
	if c, ok := t.cleared[userID]; !ok || at.After(c) {
		t.cleared[userID] = at
	}
	t.mu.Unlock()
}

// active returns the sorted names of users who typed within the TTL and
// forgets the rest.
func (t *typingState) active(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.users))
	for id, e := range t.users {
		if now.Sub(e.at) >= t.ttl {
			delete(t.users, id)
			continue
		}
		names = append(names, e.name)
	}
	for id, at := range t.cleared {
		if now.Sub(at) >= t.ttl {
			delete(t.cleared, id)
		}
	}
	slices.Sort(names)
	return names
}

// encodeTypingFrame renders one relay frame: a newline followed by the JSON
// string of each name.
func encodeTypingFrame(names []string) string {
	var b strings.Builder
	for _, name := range names {
		encoded, _ := json.Marshal(name)
		b.WriteByte('\n')
		b.Write(encoded)
	}
	return b.String()
}

// typingRelay pushes typing snapshots to an external websocket endpoint.
// The connection is dialed lazily and dropped on any error; the next tick
// dials again.
type typingRelay struct {
	url      string
	roomID   int
	interval time.Duration
	state    *typingState
	dialer   *websocket.Dialer
	now      func() time.Time
	log      zerolog.Logger

	conn *websocket.Conn
}

func (r *typingRelay) run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			frame := encodeTypingFrame(r.state.active(r.now()))
			if err := r.send(ctx, frame); err != nil {
				r.log.Debug().Err(err).Msg("Failed to push typing frame")
				r.close()
			}
		}
	}
}

func (r *typingRelay) send(ctx context.Context, frame string) error {
	if r.conn == nil {
		conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to typing relay: %w", err)
		}
		r.conn = conn
		if err := r.write("bridge\n" + strconv.Itoa(r.roomID)); err != nil {
			return err
		}
	}
	return r.write(frame)
}

func (r *typingRelay) write(text string) error {
	r.conn.SetWriteDeadline(time.Now().Add(r.interval * 4))
	return r.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (r *typingRelay) close() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}
