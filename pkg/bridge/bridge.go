// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/bridget/pkg/sechat"
	"github.com/aiku/bridget/pkg/store"
)

// healthyRun is how long a pairing has to run before its restart backoff
// starts over.
const healthyRun = time.Minute

// Bridge runs every configured pairing over one Discord session, one
// logged-in chat account and one correlation store.
type Bridge struct {
	cfg *Config
	log zerolog.Logger

	guild      GuildAPI
	room       RoomAPI
	newReader  func() (RoomReader, error)
	store      store.Store
	dispatcher *Dispatcher
	dialer     *websocket.Dialer
	now        func() time.Time
	newBackOff func() backoff.BackOff

	session *discordgo.Session
	server  *http.Server

	pairings *exsync.Map[string, *Pairing]
}

// New creates a bridge for a post-processed config.
func New(cfg *Config, log zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:        cfg,
		log:        log,
		dispatcher: NewDispatcher(),
		now:        time.Now,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 2 * time.Second
			bo.MaxInterval = 5 * time.Minute
			bo.MaxElapsedTime = 0
			return bo
		},
		pairings: exsync.NewMap[string, *Pairing](),
	}
}

// Start connects to the store, SE chat and Discord, and starts the admin
// API.
func (b *Bridge) Start(ctx context.Context) error {
	if b.store == nil {
		st, err := store.Open(ctx, b.cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", b.cfg.Database.Type, err)
		}
		b.store = st
	}

	if b.room == nil && b.cfg.HasTwoWay() {
		client, err := sechat.New(sechat.Options{Host: b.cfg.SEChat.Host, Logger: b.log})
		if err != nil {
			return err
		}
		if err := client.Login(ctx, b.cfg.SEChat.Email, b.cfg.SEChat.Password); err != nil {
			return fmt.Errorf("failed to log into chat: %w", err)
		}
		b.room = client
	}
	if b.newReader == nil {
		b.newReader = func() (RoomReader, error) {
			client, err := sechat.New(sechat.Options{Host: b.cfg.SEChat.Host, Logger: b.log})
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}

	if b.guild == nil {
		session, err := discordgo.New("Bot " + b.cfg.Discord.Token)
		if err != nil {
			return fmt.Errorf("failed to create discord session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentGuilds |
			discordgo.IntentGuildMessages |
			discordgo.IntentGuildMessageTyping |
			discordgo.IntentMessageContent
		session.State.MaxMessageCount = 1000
		b.dispatcher.Attach(session)
		if err := session.Open(); err != nil {
			return fmt.Errorf("failed to connect to discord: %w", err)
		}
		b.session = session
		b.guild = NewSessionGuild(session)
		b.log.Info().Str("user_id", session.State.User.ID).Msg("Connected to Discord")
	}

	if addr := b.cfg.AdminAPIAddr; addr != "" {
		b.server = &http.Server{
			Addr:         addr,
			Handler:      b.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			b.log.Info().Str("addr", addr).Msg("Starting admin API")
			if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.log.Error().Err(err).Msg("Admin API error")
			}
		}()
	}
	return nil
}

// Run supervises every pairing until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, cfg := range b.cfg.Pairings {
		wg.Go(func() { b.supervise(ctx, cfg) })
	}
	wg.Wait()
	return ctx.Err()
}

// Stop closes the admin API, the Discord session and the store.
func (b *Bridge) Stop(ctx context.Context) {
	if b.server != nil {
		if err := b.server.Shutdown(ctx); err != nil {
			b.log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
	}
	if b.session != nil {
		if err := b.session.Close(); err != nil {
			b.log.Warn().Err(err).Msg("Failed to close Discord session")
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

// supervise runs a pairing and restarts it with a fresh set of queues
// whenever it fails.
func (b *Bridge) supervise(ctx context.Context, cfg PairingConfig) {
	log := b.log.With().Str("pairing", cfg.Name).Logger()
	bo := b.newBackOff()
	bo.Reset()
	for {
		runLog := log.With().Str("run_id", uuid.NewString()).Logger()
		started := time.Now()
		err := b.runPairing(ctx, cfg, runLog)
		if ctx.Err() != nil {
			runLog.Info().Msg("Pairing stopped")
			return
		}
		if time.Since(started) >= healthyRun {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			runLog.Error().Err(err).Msg("Pairing failed, giving up")
			return
		}
		pairingRestarts.WithLabelValues(cfg.Name).Inc()
		runLog.Error().Err(err).Dur("retry_in", delay).Msg("Pairing failed, restarting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (b *Bridge) runPairing(ctx context.Context, cfg PairingConfig, log zerolog.Logger) error {
	reader, err := b.newReader()
	if err != nil {
		return fmt.Errorf("failed to create room reader: %w", err)
	}
	deps := pairingDeps{
		guild:      b.guild,
		reader:     reader,
		store:      b.store,
		dispatcher: b.dispatcher,
		limits:     b.cfg.Limits,
		reactions:  b.cfg.Reactions,
		relayURL:   b.cfg.TypingRelay.URL,
		dialer:     b.dialer,
		now:        b.now,
		log:        log,
	}
	if cfg.Direction == TwoWay {
		deps.room = b.room
	}
	p := newPairing(cfg, deps)
	b.pairings.Set(cfg.Name, p)
	defer b.pairings.Delete(cfg.Name)
	return p.Run(ctx)
}
