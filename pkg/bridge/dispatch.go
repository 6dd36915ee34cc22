// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// guildEvent is one of messageCreated, messageUpdated, messageDeleted or
// typingStarted.
type guildEvent interface {
	isGuildEvent()
}

type messageCreated struct {
	msg *discordgo.Message
}

type messageUpdated struct {
	msg    *discordgo.Message
	before *discordgo.Message
}

type messageDeleted struct {
	channelID string
	messageID string
}

type typingStarted struct {
	userID string
	// at is stamped by the intake task.
	at time.Time
}

func (messageCreated) isGuildEvent() {}
func (messageUpdated) isGuildEvent() {}
func (messageDeleted) isGuildEvent() {}
func (typingStarted) isGuildEvent()  {}

// Dispatcher routes gateway events to the pairing bound to their channel.
// Handlers only enqueue, so the gateway goroutine never blocks on a
// pairing.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]*queue[guildEvent]
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[string]*queue[guildEvent])}
}

// Attach registers the dispatcher's handlers on a session.
func (d *Dispatcher) Attach(s *discordgo.Session) {
	s.AddHandler(d.onMessageCreate)
	s.AddHandler(d.onMessageUpdate)
	s.AddHandler(d.onMessageDelete)
	s.AddHandler(d.onTypingStart)
}

// register routes events of channelID into q until the returned function is
// called.
func (d *Dispatcher) register(channelID string, q *queue[guildEvent]) (unregister func()) {
	d.mu.Lock()
	d.routes[channelID] = q
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		if d.routes[channelID] == q {
			delete(d.routes, channelID)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) route(channelID string, evt guildEvent) bool {
	d.mu.RLock()
	q, ok := d.routes[channelID]
	d.mu.RUnlock()
	if ok {
		q.put(evt)
	}
	return ok
}

func (d *Dispatcher) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil {
		return
	}
	d.route(m.ChannelID, messageCreated{msg: m.Message})
}

func (d *Dispatcher) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Message == nil {
		return
	}
	d.route(m.ChannelID, messageUpdated{msg: m.Message, before: m.BeforeUpdate})
}

func (d *Dispatcher) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	d.route(m.ChannelID, messageDeleted{channelID: m.ChannelID, messageID: m.ID})
}

func (d *Dispatcher) onTypingStart(_ *discordgo.Session, t *discordgo.TypingStart) {
	d.route(t.ChannelID, typingStarted{userID: t.UserID})
}
