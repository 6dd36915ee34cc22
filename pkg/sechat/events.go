// Copyright 2024-2026 Aiku AI

package sechat

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Event types as numbered by the chat websocket protocol.
const (
	eventMessagePosted  = 1
	eventMessageEdited  = 2
	eventMessageDeleted = 10
)

// Message holds the fields shared by every room event.
type Message struct {
	RoomID     int
	MessageID  int
	UserID     int
	UserName   string
	Content    string
	ParentID   int
	ShowParent bool
	Time       time.Time
}

// Base returns the shared fields of an event.
func (m Message) Base() Message {
	return m
}

// Event is one of MessageEvent, EditEvent or DeleteEvent.
type Event interface {
	Base() Message
	isEvent()
}

// MessageEvent is a newly posted message.
type MessageEvent struct{ Message }

// EditEvent carries the new content of an edited message.
type EditEvent struct{ Message }

// DeleteEvent is a deleted message. Content is empty.
type DeleteEvent struct{ Message }

func (MessageEvent) isEvent() {}
func (EditEvent) isEvent()    {}
func (DeleteEvent) isEvent()  {}

type wireEvent struct {
	EventType  int    `json:"event_type"`
	TimeStamp  int64  `json:"time_stamp"`
	Content    string `json:"content"`
	ID         int    `json:"id"`
	UserID     int    `json:"user_id"`
	UserName   string `json:"user_name"`
	RoomID     int    `json:"room_id"`
	MessageID  int    `json:"message_id"`
	ParentID   int    `json:"parent_id"`
	ShowParent bool   `json:"show_parent"`
}

// ParseFrame decodes one websocket frame and returns the events it carries
// for roomID. Heartbeats and event types the bridge does not handle yield no
// events.
func ParseFrame(data []byte, roomID int) ([]Event, error) {
	var rooms map[string]json.RawMessage
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, fmt.Errorf("failed to decode event frame: %w", err)
	}
	raw, ok := rooms["r"+strconv.Itoa(roomID)]
	if !ok {
		return nil, nil
	}
	var payload struct {
		E []wireEvent `json:"e"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode room events: %w", err)
	}
	var events []Event
	for _, we := range payload.E {
		if we.RoomID != roomID {
			continue
		}
		msg := Message{
			RoomID:     we.RoomID,
			MessageID:  we.MessageID,
			UserID:     we.UserID,
			UserName:   we.UserName,
			Content:    we.Content,
			ParentID:   we.ParentID,
			ShowParent: we.ShowParent,
			Time:       time.Unix(we.TimeStamp, 0).UTC(),
		}
		switch we.EventType {
		case eventMessagePosted:
			events = append(events, MessageEvent{msg})
		case eventMessageEdited:
			events = append(events, EditEvent{msg})
		case eventMessageDeleted:
			events = append(events, DeleteEvent{msg})
		}
	}
	return events, nil
}

// Events subscribes to a room and yields its events until the connection
// drops or ctx is cancelled; the final iteration carries the error.
// Anonymous clients fetch an fkey from the room page first.
func (c *Client) Events(ctx context.Context, roomID int) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if c.getFkey() == "" {
			if err := c.JoinAnonymous(ctx, roomID); err != nil {
				yield(nil, err)
				return
			}
		}
		wsURL, err := c.socketURL(ctx, roomID)
		if err != nil {
			yield(nil, err)
			return
		}
		header := http.Header{"Origin": {c.baseURL}}
		conn, _, err := c.dialer.DialContext(ctx, wsURL, header)
		if err != nil {
			yield(nil, fmt.Errorf("failed to connect to room %d events: %w", roomID, err))
			return
		}
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		log := c.log.With().Int("room_id", roomID).Logger()
		log.Debug().Msg("Subscribed to room events")
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				} else {
					err = fmt.Errorf("room %d event stream closed: %w", roomID, err)
				}
				yield(nil, err)
				return
			}
			events, err := ParseFrame(data, roomID)
			if err != nil {
				log.Warn().Err(err).Msg("Dropping undecodable event frame")
				continue
			}
			for _, evt := range events {
				if !yield(evt, nil) {
					return
				}
			}
		}
	}
}

// socketURL asks the server for a websocket URL, starting after the room's
// latest event.
func (c *Client) socketURL(ctx context.Context, roomID int) (string, error) {
	body, err := c.post(ctx, fmt.Sprintf("/chats/%d/events", roomID), url.Values{
		"since":    {"0"},
		"mode":     {"Messages"},
		"msgCount": {"1"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch room %d event cursor: %w", roomID, err)
	}
	var cursor struct {
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(body, &cursor); err != nil {
		return "", fmt.Errorf("failed to decode event cursor: %w", err)
	}

	body, err = c.post(ctx, "/ws-auth", url.Values{"roomid": {strconv.Itoa(roomID)}})
	if err != nil {
		return "", fmt.Errorf("failed to authorize room %d websocket: %w", roomID, err)
	}
	var auth struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &auth); err != nil || auth.URL == "" {
		return "", fmt.Errorf("failed to decode websocket authorization: %s", body)
	}
	return auth.URL + "?l=" + strconv.FormatInt(cursor.Time, 10), nil
}
