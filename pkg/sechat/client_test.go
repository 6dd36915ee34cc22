// Copyright 2024-2026 Aiku AI

package sechat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// endpointCall records which chat endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Form   url.Values
}

// fakeChat simulates the chat server. Handlers are keyed by "METHOD /path".
type fakeChat struct {
	Server *httptest.Server

	mu       sync.Mutex
	calls    []endpointCall
	handlers map[string]http.HandlerFunc
}

func newFakeChat(t *testing.T) *fakeChat {
	t.Helper()
	f := &fakeChat{handlers: make(map[string]http.HandlerFunc)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeChat) Handle(pattern string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[pattern] = h
}

func (f *fakeChat) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Form: r.PostForm})
	h, ok := f.handlers[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeChat) Calls(path string) []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []endpointCall
	for _, c := range f.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func newTestClient(t *testing.T, f *fakeChat, loggedIn bool) *Client {
	t.Helper()
	c, err := New(Options{
		Host:     "chat.example.com",
		BaseURL:  f.Server.URL,
		LoginURL: f.Server.URL,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if loggedIn {
		c.fkey = "test-fkey"
		c.userID = 99
	}
	return c
}

func TestSend(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("POST /chats/5/messages/new", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":1234,"time":1700000000}`)
	})
	c := newTestClient(t, f, true)

	id, err := c.Send(context.Background(), 5, "[A] hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 1234 {
		t.Errorf("message id: got %d, want 1234", id)
	}
	calls := f.Calls("/chats/5/messages/new")
	if len(calls) != 1 {
		t.Fatalf("calls: got %d, want 1", len(calls))
	}
	if got := calls[0].Form.Get("text"); got != "[A] hello" {
		t.Errorf("text: got %q", got)
	}
	if got := calls[0].Form.Get("fkey"); got != "test-fkey" {
		t.Errorf("fkey: got %q", got)
	}
}

func TestReply(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("POST /chats/5/messages/new", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":2,"time":1}`)
	})
	c := newTestClient(t, f, true)

	if _, err := c.Reply(context.Background(), 5, 77, "Message was deleted."); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got := f.Calls("/chats/5/messages/new")[0].Form.Get("text"); got != ":77 Message was deleted." {
		t.Errorf("reply text: got %q", got)
	}
}

func TestSend_Anonymous(t *testing.T) {
	f := newFakeChat(t)
	c := newTestClient(t, f, false)
	if _, err := c.Send(context.Background(), 5, "x"); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("got %v, want ErrNotLoggedIn", err)
	}
}

func TestSend_RetriesThrottle(t *testing.T) {
	f := newFakeChat(t)
	var mu sync.Mutex
	attempts := 0
	f.Handle("POST /chats/5/messages/new", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, "You can perform this action again in 0 seconds")
			return
		}
		io.WriteString(w, `{"id":9,"time":1}`)
	})
	c := newTestClient(t, f, true)

	id, err := c.Send(context.Background(), 5, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if id != 9 || attempts != 3 {
		t.Errorf("got id %d after %d attempts, want 9 after 3", id, attempts)
	}
}

func TestSend_ThrottleExhausted(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("POST /chats/5/messages/new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, "You can perform this action again in 0 seconds")
	})
	c := newTestClient(t, f, true)
	c.maxRetries = 2

	_, err := c.Send(context.Background(), 5, "hi")
	if !errors.Is(err, ErrThrottled) {
		t.Errorf("got %v, want ErrThrottled", err)
	}
	if n := len(f.Calls("/chats/5/messages/new")); n != 3 {
		t.Errorf("attempts: got %d, want 3", n)
	}
}

func TestEditAndDelete(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("POST /messages/10", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `"ok"`)
	})
	f.Handle("POST /messages/11", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "It is too late to edit this message.")
	})
	f.Handle("POST /messages/10/delete", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	f.Handle("POST /messages/12/delete", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "This message has already been deleted.")
	})
	c := newTestClient(t, f, true)
	ctx := context.Background()

	if err := c.Edit(ctx, 10, "new text"); err != nil {
		t.Errorf("Edit: %v", err)
	}
	if got := f.Calls("/messages/10")[0].Form.Get("text"); got != "new text" {
		t.Errorf("edit text: got %q", got)
	}
	if err := c.Edit(ctx, 11, "late"); err == nil || !strings.Contains(err.Error(), "too late") {
		t.Errorf("late edit: got %v", err)
	}
	if err := c.Delete(ctx, 10); err != nil {
		t.Errorf("Delete: %v", err)
	}
	if err := c.Delete(ctx, 12); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete of deleted message: got %v, want ErrNotFound", err)
	}
	if err := c.Delete(ctx, 13); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete of unknown endpoint: got %v, want ErrNotFound", err)
	}
}

func TestRawMessage(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("GET /message/42", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("raw") != "true" {
			http.Error(w, "missing raw", http.StatusBadRequest)
			return
		}
		io.WriteString(w, "first line\nsecond line")
	})
	c := newTestClient(t, f, false)

	got, err := c.RawMessage(context.Background(), 42)
	if err != nil {
		t.Fatalf("RawMessage: %v", err)
	}
	if got != "first line\nsecond line" {
		t.Errorf("got %q", got)
	}
}

func TestUnexpectedStatus(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("GET /message/1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestClient(t, f, false)

	_, err := c.RawMessage(context.Background(), 1)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("got %v, want *StatusError", err)
	}
	if statusErr.Status != http.StatusInternalServerError || statusErr.Body != "boom" {
		t.Errorf("StatusError: got %+v", statusErr)
	}
}

func TestURLs(t *testing.T) {
	t.Parallel()
	c, err := New(Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.TranscriptURL(5), "https://chat.stackexchange.com/transcript/message/5#5"; got != want {
		t.Errorf("TranscriptURL: got %q, want %q", got, want)
	}
	if got, want := c.RawMessageURL(5), "https://chat.stackexchange.com/message/5?raw=true"; got != want {
		t.Errorf("RawMessageURL: got %q, want %q", got, want)
	}
}

func TestLogin(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("GET /users/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><form><input type="hidden" name="fkey" value="login-fkey"></form></body></html>`)
	})
	f.Handle("POST /users/login-or-signup/validation/track", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Login-OK")
	})
	f.Handle("POST /users/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "acct", Value: "t=abc", Path: "/"})
		io.WriteString(w, "<html></html>")
	})
	f.Handle("GET /chats/join/favorite", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("acct"); err != nil {
			io.WriteString(w, `<html><body><input id="fkey" value="anon"></body></html>`)
			return
		}
		fmt.Fprint(w, `<html><body>
			<div class="topbar-menu-links"><a href="/users/1234/bridget">bridget</a></div>
			<input id="fkey" type="hidden" value="chat-fkey">
		</body></html>`)
	})
	c := newTestClient(t, f, false)

	if err := c.Login(context.Background(), "bot@example.com", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.UserID() != 1234 {
		t.Errorf("UserID: got %d, want 1234", c.UserID())
	}
	if c.getFkey() != "chat-fkey" {
		t.Errorf("fkey: got %q, want chat-fkey", c.getFkey())
	}
	track := f.Calls("/users/login-or-signup/validation/track")
	if len(track) != 1 || track[0].Form.Get("email") != "bot@example.com" || track[0].Form.Get("fkey") != "login-fkey" {
		t.Errorf("validation call: got %+v", track)
	}
}

func TestLogin_NoSession(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("GET /users/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<input name="fkey" value="login-fkey">`)
	})
	f.Handle("POST /users/login-or-signup/validation/track", func(w http.ResponseWriter, r *http.Request) {})
	f.Handle("POST /users/login", func(w http.ResponseWriter, r *http.Request) {})
	f.Handle("GET /chats/join/favorite", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<input id="fkey" value="anon">`)
	})
	c := newTestClient(t, f, false)

	if err := c.Login(context.Background(), "bot@example.com", "wrong"); !errors.Is(err, ErrLoginFailed) {
		t.Errorf("got %v, want ErrLoginFailed", err)
	}
	if c.UserID() != 0 {
		t.Errorf("UserID after failed login: %d", c.UserID())
	}
}

func TestJoinAnonymous(t *testing.T) {
	f := newFakeChat(t)
	f.Handle("GET /rooms/1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><input id="fkey" type="hidden" value="room-fkey"></body></html>`)
	})
	c := newTestClient(t, f, false)

	if err := c.JoinAnonymous(context.Background(), 1); err != nil {
		t.Fatalf("JoinAnonymous: %v", err)
	}
	if c.getFkey() != "room-fkey" {
		t.Errorf("fkey: got %q", c.getFkey())
	}
	if err := c.JoinAnonymous(context.Background(), 2); err == nil {
		t.Error("expected error for unknown room")
	}
}
