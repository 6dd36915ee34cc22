// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/bridget/pkg/sechat"
	"github.com/aiku/bridget/pkg/store"
)

const (
	testGuild   = "500"
	testChannel = "600"
	testRoom    = 42
	testBotID   = "700"
	testChatID  = 9999
)

func restError(status int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: status}}
}

type sentMessage struct {
	ChannelID string
	ReplyTo   string
	Content   string
}

type reactionCall struct {
	Add       bool
	MessageID string
	Emoji     string
}

type webhookEdit struct {
	MessageID string
	Content   string
	Embeds    []*discordgo.MessageEmbed
}

// fakeGuild is an in-memory GuildAPI that records every write.
type fakeGuild struct {
	mu sync.Mutex

	members  map[string]*discordgo.Member
	roles    map[string]*discordgo.Role
	channels map[string]*discordgo.Channel
	messages map[string]*discordgo.Message
	webhooks []*discordgo.Webhook
	hookMsgs map[string]*discordgo.Message
	nextID   int

	sent       []sentMessage
	reactions  []reactionCall
	executed   []*discordgo.WebhookParams
	hookEdits  []webhookEdit
	hookDelete []string
	executeErr error
	// memberGates holds member lookups until the gate closes.
	memberGates map[string]chan struct{}
	gated       int
}

var _ GuildAPI = (*fakeGuild)(nil)

func newFakeGuild() *fakeGuild {
	return &fakeGuild{
		members:  make(map[string]*discordgo.Member),
		roles:    make(map[string]*discordgo.Role),
		channels: make(map[string]*discordgo.Channel),
		messages: make(map[string]*discordgo.Message),
		hookMsgs: make(map[string]*discordgo.Message),
		nextID:   80000,
	}
}

func (g *fakeGuild) addMember(id, nick string, roles ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[id] = &discordgo.Member{
		GuildID: testGuild,
		Nick:    nick,
		User:    &discordgo.User{ID: id, Username: "user" + id},
		Roles:   roles,
	}
}

func (g *fakeGuild) newID() string {
	g.nextID++
	return strconv.Itoa(g.nextID)
}

func (g *fakeGuild) BotUserID() string { return testBotID }

func (g *fakeGuild) Member(ctx context.Context, _, userID string) (*discordgo.Member, error) {
	g.mu.Lock()
	gate := g.memberGates[userID]
	if gate != nil {
		g.gated++
	}
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.members[userID]; ok {
		return m, nil
	}
	return nil, restError(http.StatusNotFound)
}

// ungate lets later lookups of userID through. Lookups already waiting keep
// waiting on the gate.
func (g *fakeGuild) ungate(userID string) {
	g.mu.Lock()
	delete(g.memberGates, userID)
	g.mu.Unlock()
}

// gatedLookups counts lookups that have blocked on a gate.
func (g *fakeGuild) gatedLookups() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gated
}

func (g *fakeGuild) Role(_ context.Context, _, roleID string) (*discordgo.Role, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.roles[roleID]; ok {
		return r, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (g *fakeGuild) Channel(_ context.Context, channelID string) (*discordgo.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.channels[channelID]; ok {
		return c, nil
	}
	return nil, restError(http.StatusNotFound)
}

func (g *fakeGuild) Message(_ context.Context, _, messageID string) (*discordgo.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.messages[messageID]; ok {
		return m, nil
	}
	return nil, restError(http.StatusNotFound)
}

func (g *fakeGuild) SendMessage(_ context.Context, channelID, content string) (*discordgo.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{ChannelID: channelID, Content: content})
	return &discordgo.Message{ID: g.newID(), ChannelID: channelID, Content: content}, nil
}

func (g *fakeGuild) SendReply(_ context.Context, channelID, messageID, content string) (*discordgo.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{ChannelID: channelID, ReplyTo: messageID, Content: content})
	return &discordgo.Message{ID: g.newID(), ChannelID: channelID, Content: content}, nil
}

func (g *fakeGuild) AddReaction(_ context.Context, _, messageID, emoji string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reactions = append(g.reactions, reactionCall{Add: true, MessageID: messageID, Emoji: emoji})
	return nil
}

func (g *fakeGuild) RemoveOwnReaction(_ context.Context, _, messageID, emoji string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reactions = append(g.reactions, reactionCall{MessageID: messageID, Emoji: emoji})
	return nil
}

func (g *fakeGuild) ChannelWebhooks(_ context.Context, channelID string) ([]*discordgo.Webhook, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var hooks []*discordgo.Webhook
	for _, h := range g.webhooks {
		if h.ChannelID == channelID {
			hooks = append(hooks, h)
		}
	}
	return hooks, nil
}

func (g *fakeGuild) CreateWebhook(_ context.Context, channelID, name string) (*discordgo.Webhook, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hook := &discordgo.Webhook{
		ID:        g.newID(),
		ChannelID: channelID,
		Name:      name,
		Token:     "token",
		User:      &discordgo.User{ID: testBotID, Bot: true},
	}
	g.webhooks = append(g.webhooks, hook)
	return hook, nil
}

func (g *fakeGuild) WebhookWithToken(_ context.Context, webhookID, _ string) (*discordgo.Webhook, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range g.webhooks {
		if h.ID == webhookID {
			return h, nil
		}
	}
	return nil, restError(http.StatusNotFound)
}

func (g *fakeGuild) ExecuteWebhook(_ context.Context, hook *discordgo.Webhook, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.executeErr != nil {
		return nil, g.executeErr
	}
	g.executed = append(g.executed, params)
	m := &discordgo.Message{
		ID:        g.newID(),
		ChannelID: hook.ChannelID,
		WebhookID: hook.ID,
		Content:   params.Content,
		Author:    &discordgo.User{ID: hook.ID, Username: params.Username, Bot: true},
	}
	g.hookMsgs[m.ID] = m
	return m, nil
}

func (g *fakeGuild) WebhookMessage(_ context.Context, _ *discordgo.Webhook, messageID string) (*discordgo.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.hookMsgs[messageID]; ok {
		return m, nil
	}
	return nil, restError(http.StatusNotFound)
}

func (g *fakeGuild) EditWebhookMessage(_ context.Context, _ *discordgo.Webhook, messageID, content string, embeds []*discordgo.MessageEmbed) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.hookMsgs[messageID]; !ok {
		return restError(http.StatusNotFound)
	}
	g.hookEdits = append(g.hookEdits, webhookEdit{MessageID: messageID, Content: content, Embeds: embeds})
	return nil
}

func (g *fakeGuild) DeleteWebhookMessage(_ context.Context, _ *discordgo.Webhook, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.hookMsgs[messageID]; !ok {
		return restError(http.StatusNotFound)
	}
	delete(g.hookMsgs, messageID)
	g.hookDelete = append(g.hookDelete, messageID)
	return nil
}

func (g *fakeGuild) Sent() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

func (g *fakeGuild) Reactions() []reactionCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]reactionCall(nil), g.reactions...)
}

func (g *fakeGuild) Executed() []*discordgo.WebhookParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*discordgo.WebhookParams(nil), g.executed...)
}

func (g *fakeGuild) HookEdits() []webhookEdit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]webhookEdit(nil), g.hookEdits...)
}

func (g *fakeGuild) HookDeletes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.hookDelete...)
}

// roomCall is one write to the fake chat account. Kind is send, reply,
// edit or delete.
type roomCall struct {
	Kind      string
	MessageID int
	ReplyTo   int
	Text      string
}

// fakeRoom is an in-memory RoomAPI. Sends and edits block on their gates
// when set.
type fakeRoom struct {
	mu       sync.Mutex
	nextID   int
	calls    []roomCall
	sendErr  error
	sendGate chan struct{}
	editGate chan struct{}
}

var _ RoomAPI = (*fakeRoom)(nil)

func newFakeRoom() *fakeRoom {
	return &fakeRoom{nextID: 1000}
}

func (r *fakeRoom) UserID() int { return testChatID }

func (r *fakeRoom) record(c roomCall) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func waitGate(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRoom) Send(ctx context.Context, _ int, text string) (int, error) {
	r.mu.Lock()
	gate, sendErr := r.sendGate, r.sendErr
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	r.record(roomCall{Kind: "send", MessageID: id, Text: text})
	if err := waitGate(ctx, gate); err != nil {
		return 0, err
	}
	if sendErr != nil {
		return 0, sendErr
	}
	return id, nil
}

func (r *fakeRoom) Reply(_ context.Context, _, messageID int, text string) (int, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	r.record(roomCall{Kind: "reply", MessageID: id, ReplyTo: messageID, Text: text})
	return id, nil
}

func (r *fakeRoom) Edit(ctx context.Context, messageID int, text string) error {
	r.mu.Lock()
	gate := r.editGate
	r.mu.Unlock()
	r.record(roomCall{Kind: "edit", MessageID: messageID, Text: text})
	return waitGate(ctx, gate)
}

func (r *fakeRoom) Delete(_ context.Context, messageID int) error {
	r.record(roomCall{Kind: "delete", MessageID: messageID})
	return nil
}

func (r *fakeRoom) Events(ctx context.Context, _ int) iter.Seq2[sechat.Event, error] {
	return func(yield func(sechat.Event, error) bool) {
		<-ctx.Done()
		yield(nil, ctx.Err())
	}
}

func (r *fakeRoom) Calls() []roomCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]roomCall(nil), r.calls...)
}

func (r *fakeRoom) CallsOf(kind string) []roomCall {
	var out []roomCall
	for _, c := range r.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// fakeReader feeds room events from a channel. Closing the channel or
// sending on fail ends the stream with an error.
type fakeReader struct {
	events chan sechat.Event
	fail   chan error
	raw    map[int]string
}

var _ RoomReader = (*fakeReader)(nil)

func newFakeReader() *fakeReader {
	return &fakeReader{
		events: make(chan sechat.Event, 16),
		fail:   make(chan error, 1),
		raw:    make(map[int]string),
	}
}

func (r *fakeReader) Host() string { return "chat.stackexchange.com" }

func (r *fakeReader) Events(ctx context.Context, _ int) iter.Seq2[sechat.Event, error] {
	return func(yield func(sechat.Event, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case err := <-r.fail:
				yield(nil, err)
				return
			case evt, ok := <-r.events:
				if !ok {
					yield(nil, errors.New("stream closed"))
					return
				}
				if !yield(evt, nil) {
					return
				}
			}
		}
	}
}

func (r *fakeReader) RawMessage(_ context.Context, messageID int) (string, error) {
	if raw, ok := r.raw[messageID]; ok {
		return raw, nil
	}
	return "", sechat.ErrNotFound
}

func (r *fakeReader) AvatarURL(_ context.Context, userID int) (string, error) {
	return fmt.Sprintf("https://example.com/avatar/%d", userID), nil
}

func (r *fakeReader) TranscriptURL(messageID int) string {
	return fmt.Sprintf("https://chat.stackexchange.com/transcript/message/%d#%d", messageID, messageID)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness is a pairing wired to fakes.
type harness struct {
	t          *testing.T
	p          *Pairing
	guild      *fakeGuild
	room       *fakeRoom
	reader     *fakeReader
	store      *store.MemoryStore
	clock      *fakeClock
	dispatcher *Dispatcher
	cfg        PairingConfig
	deps       pairingDeps
	stop       func()
}

func testPairingConfig() PairingConfig {
	return PairingConfig{
		Name:        "test",
		Direction:   TwoWay,
		Guild:       testGuild,
		Channel:     testChannel,
		Room:        testRoom,
		RoleSymbols: map[string]string{"301": "♦", "302": "★"},
	}
}

func testLimits() LimitsConfig {
	l := LimitsConfig{LatencyThreshold: time.Hour}
	l.setDefaults()
	return l
}

func newHarness(t *testing.T, cfg PairingConfig, limits LimitsConfig) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		guild:      newFakeGuild(),
		room:       newFakeRoom(),
		reader:     newFakeReader(),
		store:      store.NewMemoryStore(),
		clock:      newFakeClock(),
		dispatcher: NewDispatcher(),
	}
	h.guild.addMember("1", "A")
	h.guild.addMember("2", "B")
	deps := pairingDeps{
		guild:      h.guild,
		reader:     h.reader,
		store:      h.store,
		dispatcher: h.dispatcher,
		limits:     limits,
		reactions:  ReactionsConfig{TooLong: "📏", Failed: "❌"},
		now:        h.clock.Now,
		log:        zerolog.Nop(),
	}
	if cfg.Direction == TwoWay {
		deps.room = h.room
	}
	h.cfg, h.deps = cfg, deps
	h.p = newPairing(cfg, deps)
	return h
}

// start runs the pairing until the test ends.
func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	var once sync.Once
	h.stop = func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				h.t.Error("pairing did not stop")
			}
		})
	}
	h.t.Cleanup(h.stop)
}

// restart stops the running pairing and starts a fresh one over the same
// fakes and store, the way the supervisor does after a failure.
func (h *harness) restart() {
	h.t.Helper()
	h.stop()
	h.p = newPairing(h.cfg, h.deps)
	h.start()
}

// guildEvent delivers an event once the pairing has registered its route.
func (h *harness) guildEvent(evt guildEvent) {
	h.t.Helper()
	waitFor(h.t, "pairing route", func() bool {
		return h.dispatcher.route(testChannel, evt)
	})
}

func (h *harness) create(m *discordgo.Message) {
	h.t.Helper()
	h.guildEvent(messageCreated{msg: m})
}

func (h *harness) update(m *discordgo.Message, before string) {
	h.t.Helper()
	edited := h.clock.Now()
	m.EditedTimestamp = &edited
	h.guildEvent(messageUpdated{msg: m, before: &discordgo.Message{ID: m.ID, Content: before}})
}

func (h *harness) remove(messageID string) {
	h.t.Helper()
	h.guildEvent(messageDeleted{channelID: testChannel, messageID: messageID})
}

func (h *harness) roomEvent(evt sechat.Event) {
	h.reader.events <- evt
}

func (h *harness) record(guildMessageID string) *store.Record {
	rec, err := h.store.FindByGuildID(context.Background(), guildMessageID)
	if err != nil {
		h.t.Fatalf("FindByGuildID: %v", err)
	}
	return rec
}

// waitRecord waits until a record exists for a Discord message.
func (h *harness) waitRecord(guildMessageID string) *store.Record {
	h.t.Helper()
	var rec *store.Record
	waitFor(h.t, "record of "+guildMessageID, func() bool {
		rec = h.record(guildMessageID)
		return rec != nil
	})
	return rec
}

func userMessage(id, authorID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: testChannel,
		GuildID:   testGuild,
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "user" + authorID},
	}
}

func roomMessage(id, userID int, name, content string) sechat.Message {
	return sechat.Message{
		RoomID:    testRoom,
		MessageID: id,
		UserID:    userID,
		UserName:  name,
		Content:   content,
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
