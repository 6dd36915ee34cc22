// Copyright 2024-2026 Aiku AI

package sechat

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseFrame(t *testing.T) {
	t.Parallel()
	frame := `{"r1":{"e":[
		{"event_type":1,"time_stamp":1700000000,"content":"hello","id":1,"user_id":5,"user_name":"bob","room_id":1,"message_id":100},
		{"event_type":2,"time_stamp":1700000001,"content":"hello!","id":2,"user_id":5,"user_name":"bob","room_id":1,"message_id":100},
		{"event_type":10,"time_stamp":1700000002,"id":3,"user_id":5,"user_name":"bob","room_id":1,"message_id":100},
		{"event_type":1,"time_stamp":1700000003,"content":"@bob hi","id":4,"user_id":6,"user_name":"amy","room_id":1,"message_id":101,"parent_id":100,"show_parent":true},
		{"event_type":3,"time_stamp":1700000004,"id":5,"user_id":6,"room_id":1},
		{"event_type":1,"time_stamp":1700000005,"content":"elsewhere","id":6,"user_id":6,"room_id":2,"message_id":102}
	],"t":5,"d":5},"r2":{}}`

	events, err := ParseFrame([]byte(frame), 1)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("events: got %d, want 4", len(events))
	}
	if ev, ok := events[0].(MessageEvent); !ok || ev.Content != "hello" || ev.UserName != "bob" || ev.MessageID != 100 {
		t.Errorf("event 0: got %#v", events[0])
	}
	if !events[0].Base().Time.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("event 0 time: got %v", events[0].Base().Time)
	}
	if ev, ok := events[1].(EditEvent); !ok || ev.Content != "hello!" {
		t.Errorf("event 1: got %#v", events[1])
	}
	if _, ok := events[2].(DeleteEvent); !ok {
		t.Errorf("event 2: got %#v", events[2])
	}
	if ev, ok := events[3].(MessageEvent); !ok || ev.ParentID != 100 || !ev.ShowParent {
		t.Errorf("event 3: got %#v", events[3])
	}
}

func TestParseFrame_Heartbeat(t *testing.T) {
	t.Parallel()
	for _, frame := range []string{`{}`, `{"r1":{}}`, `{"r7":{"e":[]}}`} {
		events, err := ParseFrame([]byte(frame), 1)
		if err != nil || len(events) != 0 {
			t.Errorf("ParseFrame(%s): got %v, %v", frame, events, err)
		}
	}
	if _, err := ParseFrame([]byte("not json"), 1); err == nil {
		t.Error("expected error for invalid frame")
	}
}

func TestEvents(t *testing.T) {
	f := newFakeChat(t)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.Handle("GET /rooms/1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<input id="fkey" value="room-fkey">`)
	})
	f.Handle("POST /chats/1/events", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"time":555,"events":[]}`)
	})
	f.Handle("POST /ws-auth", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.Server.URL, "http") + "/events"
		io.WriteString(w, `{"url":"`+wsURL+`"}`)
	})
	f.Handle("GET /events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("l") != "555" {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"r1":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"r1":{"e":[{"event_type":1,"content":"one","user_id":5,"room_id":1,"message_id":1}]}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"r1":{"e":[{"event_type":10,"user_id":5,"room_id":1,"message_id":1}]}}`))
	})
	c := newTestClient(t, f, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []Event
	var finalErr error
	for evt, err := range c.Events(ctx, 1) {
		if err != nil {
			finalErr = err
			break
		}
		got = append(got, evt)
	}
	if len(got) != 2 {
		t.Fatalf("events: got %d, want 2", len(got))
	}
	if ev, ok := got[0].(MessageEvent); !ok || ev.Content != "one" {
		t.Errorf("first event: got %#v", got[0])
	}
	if _, ok := got[1].(DeleteEvent); !ok {
		t.Errorf("second event: got %#v", got[1])
	}
	if finalErr == nil {
		t.Error("expected an error once the server closed the stream")
	}
	if auth := f.Calls("/ws-auth"); len(auth) != 1 || auth[0].Form.Get("roomid") != "1" || auth[0].Form.Get("fkey") != "room-fkey" {
		t.Errorf("ws-auth call: got %+v", auth)
	}
}
