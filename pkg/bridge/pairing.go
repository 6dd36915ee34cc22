// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/bridget/pkg/bridge/sechatfmt"
	"github.com/aiku/bridget/pkg/sechat"
	"github.com/aiku/bridget/pkg/store"
)

// RoomAPI is the authenticated SE chat account that two-way pairings post
// with.
type RoomAPI interface {
	UserID() int
	Send(ctx context.Context, roomID int, text string) (int, error)
	Reply(ctx context.Context, roomID, messageID int, text string) (int, error)
	Edit(ctx context.Context, messageID int, text string) error
	Delete(ctx context.Context, messageID int) error
	Events(ctx context.Context, roomID int) iter.Seq2[sechat.Event, error]
}

// RoomReader is the read side of a room, served by an anonymous client.
type RoomReader interface {
	Host() string
	Events(ctx context.Context, roomID int) iter.Seq2[sechat.Event, error]
	RawMessage(ctx context.Context, messageID int) (string, error)
	AvatarURL(ctx context.Context, userID int) (string, error)
	TranscriptURL(messageID int) string
}

var (
	_ RoomAPI    = (*sechat.Client)(nil)
	_ RoomReader = (*sechat.Client)(nil)
)

// action is one of *sendAction, *editAction, *deleteAction or
// *notifyAction.
type action interface {
	isAction()
}

type sendAction struct {
	msg  *discordgo.Message
	text string
}

type editAction struct {
	msg  *discordgo.Message
	text string
}

type deleteAction struct {
	channelID string
	messageID string
}

type notifyAction struct {
	roomMessageID int
	text          string
}

func (*sendAction) isAction()   {}
func (*editAction) isAction()   {}
func (*deleteAction) isAction() {}
func (*notifyAction) isAction() {}

// outstandingSend is a send that is queued or in flight. Edits and deletes
// that arrive before its record exists are folded into it or deferred until
// it finishes.
type outstandingSend struct {
	send      *sendAction
	inFlight  bool
	cancelled bool
	deferred  []action
}

// pairingDeps are the collaborators shared by every run of a pairing.
type pairingDeps struct {
	guild      GuildAPI
	room       RoomAPI // nil unless the pairing is two-way
	reader     RoomReader
	store      store.Store
	dispatcher *Dispatcher
	limits     LimitsConfig
	reactions  ReactionsConfig
	relayURL   string
	dialer     *websocket.Dialer
	now        func() time.Time
	log        zerolog.Logger
}

// Pairing bridges one Discord channel with one SE chat room. A Pairing is
// built for a single run; the supervisor builds a fresh one after a failure.
type Pairing struct {
	cfg        PairingConfig
	limits     LimitsConfig
	reactions  ReactionsConfig
	guild      GuildAPI
	room       RoomAPI
	reader     RoomReader
	store      store.Store
	dispatcher *Dispatcher
	converter  *sechatfmt.Converter
	now        func() time.Time
	log        zerolog.Logger

	webhook *discordgo.Webhook

	intake  *queue[guildEvent]
	sends   *queue[*sendAction]
	edits   *queue[*editAction]
	deletes *queue[*deleteAction]
	notices *queue[*notifyAction]
	// typists holds typing events awaiting a member lookup, kept off the
	// intake task so lookups never delay messages.
	typists *queue[typingStarted]

	typing *typingState
	relay  *typingRelay

	mu          sync.Mutex
	outstanding map[string]*outstandingSend
	tooLong     *exsync.Map[string, struct{}]
}

func newPairing(cfg PairingConfig, deps pairingDeps) *Pairing {
	if deps.now == nil {
		deps.now = time.Now
	}
	depth := func(name string) func(int) {
		gauge := queueDepth.WithLabelValues(cfg.Name, name)
		return func(n int) { gauge.Set(float64(n)) }
	}
	p := &Pairing{
		cfg:         cfg,
		limits:      deps.limits,
		reactions:   deps.reactions,
		guild:       deps.guild,
		room:        deps.room,
		reader:      deps.reader,
		store:       deps.store,
		dispatcher:  deps.dispatcher,
		converter:   sechatfmt.New(deps.reader.Host()),
		now:         deps.now,
		log:         deps.log,
		intake:      newQueue[guildEvent](depth("intake")),
		sends:       newQueue[*sendAction](depth("send")),
		edits:       newQueue[*editAction](depth("edit")),
		deletes:     newQueue[*deleteAction](depth("delete")),
		notices:     newQueue[*notifyAction](depth("notify")),
		typists:     newQueue[typingStarted](depth("typing")),
		typing:      newTypingState(deps.limits.TypingTTL),
		outstanding: make(map[string]*outstandingSend),
		tooLong:     exsync.NewMap[string, struct{}](),
	}
	if cfg.Direction == TwoWay && deps.relayURL != "" {
		dialer := deps.dialer
		if dialer == nil {
			dialer = websocket.DefaultDialer
		}
		p.relay = &typingRelay{
			url:      deps.relayURL,
			roomID:   cfg.Room,
			interval: deps.limits.TypingInterval,
			state:    p.typing,
			dialer:   dialer,
			now:      deps.now,
			log:      deps.log.With().Str("component", "typing_relay").Logger(),
		}
	}
	return p
}

// Run bridges the pairing until ctx is cancelled or a task fails. The first
// failure cancels every other task of the pairing.
func (p *Pairing) Run(ctx context.Context) error {
	if p.cfg.Direction == TwoWay && p.room == nil {
		return errors.New("two-way pairing has no chat account")
	}
	hook, err := resolveWebhook(ctx, p.guild, p.cfg)
	if err != nil {
		return err
	}
	p.webhook = hook
	p.log.Info().Str("webhook_id", hook.ID).Msg("Pairing started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runInbound(ctx) })
	if p.cfg.Direction == TwoWay {
		unregister := p.dispatcher.register(p.cfg.Channel, p.intake)
		defer unregister()
		g.Go(func() error { return p.runIntake(ctx) })
		g.Go(func() error { return p.runSends(ctx) })
		g.Go(func() error { return p.runEdits(ctx) })
		g.Go(func() error { return p.runDeletes(ctx) })
		g.Go(func() error { return p.runNotices(ctx) })
		g.Go(func() error { return p.runTyping(ctx) })
		g.Go(func() error { return p.runKeepalive(ctx) })
		if p.relay != nil {
			g.Go(func() error { return p.relay.run(ctx) })
		}
	}
	return g.Wait()
}

// runKeepalive holds the bridge account's own subscription to the room so
// it stays listed as present. Its events are discarded.
func (p *Pairing) runKeepalive(ctx context.Context) error {
	for _, err := range p.room.Events(ctx, p.cfg.Room) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("keep-alive subscription failed: %w", err)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("keep-alive subscription ended")
}

// enqueue routes an action to its queue.
func (p *Pairing) enqueue(a action) {
	switch a := a.(type) {
	case *sendAction:
		p.mu.Lock()
		p.outstanding[a.msg.ID] = &outstandingSend{send: a}
		p.mu.Unlock()
		p.sends.put(a)
	case *editAction:
		p.edits.put(a)
	case *deleteAction:
		p.deletes.put(a)
	case *notifyAction:
		p.notices.put(a)
	default:
		panic(fmt.Errorf("unhandled action %T", a))
	}
}

// beginSend marks a send as in flight and returns its current text. It
// reports false if a delete cancelled the send while it was queued.
func (p *Pairing) beginSend(a *sendAction) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.outstanding[a.msg.ID]
	if !ok {
		return a.text, true
	}
	if o.cancelled {
		delete(p.outstanding, a.msg.ID)
		return "", false
	}
	o.inFlight = true
	return o.send.text, true
}

// finishSend forgets a send and re-enqueues the edits and deletes that
// waited for it.
func (p *Pairing) finishSend(messageID string) {
	p.mu.Lock()
	o := p.outstanding[messageID]
	delete(p.outstanding, messageID)
	p.mu.Unlock()
	if o == nil {
		return
	}
	for _, a := range o.deferred {
		p.enqueue(a)
	}
}

// foldEdit applies an edit to an outstanding send of the same message. It
// reports false if there is none.
func (p *Pairing) foldEdit(a *editAction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.outstanding[a.msg.ID]
	if !ok {
		return false
	}
	if o.inFlight {
		o.deferred = append(o.deferred, a)
	} else {
		o.send.text = a.text
	}
	return true
}

// cancelSend drops or defers an outstanding send of a deleted message. It
// reports false if there is none.
func (p *Pairing) cancelSend(a *deleteAction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.outstanding[a.messageID]
	if !ok {
		return false
	}
	if o.inFlight {
		o.deferred = append(o.deferred, a)
	} else {
		o.cancelled = true
	}
	return true
}

// PairingStatus is a snapshot of a running pairing for the admin API.
type PairingStatus struct {
	Name      string         `json:"name"`
	Direction Direction      `json:"direction"`
	Channel   string         `json:"channel"`
	Room      int            `json:"room"`
	Queues    map[string]int `json:"queues"`
	Typing    []string       `json:"typing"`
}

func (p *Pairing) status() PairingStatus {
	return PairingStatus{
		Name:      p.cfg.Name,
		Direction: p.cfg.Direction,
		Channel:   p.cfg.Channel,
		Room:      p.cfg.Room,
		Queues: map[string]int{
			"intake": p.intake.len(),
			"send":   p.sends.len(),
			"edit":   p.edits.len(),
			"delete": p.deletes.len(),
			"notify": p.notices.len(),
			"typing": p.typists.len(),
		},
		Typing: p.typing.active(p.now()),
	}
}
