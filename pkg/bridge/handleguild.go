// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"github.com/aiku/bridget/pkg/sechat"
	"github.com/aiku/bridget/pkg/store"
)

const deletedNotice = "Message was deleted."

func (p *Pairing) runIntake(ctx context.Context) error {
	for {
		evt, err := p.intake.get(ctx)
		if err != nil {
			return err
		}
		err = p.handleGuildEvent(ctx, evt)
		p.intake.done()
		if err != nil {
			return err
		}
	}
}

func (p *Pairing) handleGuildEvent(ctx context.Context, evt guildEvent) error {
	switch evt := evt.(type) {
	case messageCreated:
		return p.handleGuildCreate(ctx, evt.msg)
	case messageUpdated:
		return p.handleGuildUpdate(ctx, evt.msg, evt.before)
	case messageDeleted:
		p.enqueue(&deleteAction{channelID: evt.channelID, messageID: evt.messageID})
		return nil
	case typingStarted:
		if evt.userID != p.guild.BotUserID() && !p.cfg.ignoresGuildUser(evt.userID) {
			evt.at = p.now()
			p.typists.put(evt)
		}
		return nil
	default:
		panic(fmt.Errorf("unhandled guild event %T", evt))
	}
}

// ignoresMessage reports whether a Discord message must not be bridged:
// webhook posts (including our own), the bot's own notices and ignored
// users.
func (p *Pairing) ignoresMessage(m *discordgo.Message) bool {
	return m.Author == nil ||
		m.WebhookID != "" ||
		m.Author.ID == p.guild.BotUserID() ||
		p.cfg.ignoresGuildUser(m.Author.ID)
}

func (p *Pairing) handleGuildCreate(ctx context.Context, m *discordgo.Message) error {
	if p.ignoresMessage(m) {
		return nil
	}
	p.typing.clear(m.Author.ID, p.now())
	text, err := p.render(ctx, m)
	if err != nil {
		return err
	}
	p.enqueue(&sendAction{msg: m, text: text})
	return nil
}

func (p *Pairing) handleGuildUpdate(ctx context.Context, m, before *discordgo.Message) error {
	if m.Author == nil && before != nil {
		patched := *m
		patched.Author = before.Author
		m = &patched
	}
	if p.ignoresMessage(m) || m.EditedTimestamp == nil {
		return nil
	}
	if before != nil && before.Content == m.Content {
		return nil
	}
	text, err := p.render(ctx, m)
	if err != nil {
		return err
	}
	p.enqueue(&editAction{msg: m, text: text})
	return nil
}

func (p *Pairing) runTyping(ctx context.Context) error {
	for {
		evt, err := p.typists.get(ctx)
		if err != nil {
			return err
		}
		p.handleGuildTyping(ctx, evt)
		p.typists.done()
	}
}

func (p *Pairing) handleGuildTyping(ctx context.Context, evt typingStarted) {
	member, err := p.guild.Member(ctx, p.cfg.Guild, evt.userID)
	if err != nil {
		p.log.Debug().Err(err).Str("user_id", evt.userID).Msg("Failed to look up typing member")
		return
	}
	if member.User != nil && member.User.Bot {
		return
	}
	if name := memberName(member, nil); name != "" {
		p.typing.set(evt.userID, name, evt.at)
	}
}

func (p *Pairing) runSends(ctx context.Context) error {
	for {
		a, err := p.sends.get(ctx)
		if err != nil {
			return err
		}
		if err = p.edits.waitDrained(ctx); err == nil {
			err = p.handleSend(ctx, a)
		}
		p.sends.done()
		if err != nil {
			return err
		}
	}
}

func (p *Pairing) handleSend(ctx context.Context, a *sendAction) error {
	text, ok := p.beginSend(a)
	if !ok {
		p.log.Debug().Str("message_id", a.msg.ID).Msg("Dropping send of deleted message")
		return nil
	}
	defer p.finishSend(a.msg.ID)

	log := p.log.With().Str("message_id", a.msg.ID).Logger()
	if p.exceedsCap(text) {
		p.markTooLong(ctx, a.msg)
		return nil
	}

	start := time.Now()
	roomMessageID, err := p.room.Send(ctx, p.cfg.Room, text)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("Failed to send message to room")
		messagesDropped.WithLabelValues(p.cfg.Name, "send_failed").Inc()
		p.react(ctx, a.msg, p.reactions.Failed)
		return nil
	}
	sendLatency.WithLabelValues(p.cfg.Name).Observe(latency.Seconds())

	rec := &store.Record{
		RoomMessageID:  roomMessageID,
		GuildMessageID: a.msg.ID,
		RoomUserID:     p.room.UserID(),
		GuildUserID:    a.msg.Author.ID,
		ReceivedAt:     p.now(),
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to save record of message %s: %w", a.msg.ID, err)
	}
	messagesBridged.WithLabelValues(p.cfg.Name, "outbound", "send").Inc()
	log.Debug().Int("room_message_id", roomMessageID).Dur("latency", latency).Msg("Sent message to room")

	if latency > p.limits.LatencyThreshold {
		return p.throttle(ctx, latency)
	}
	return nil
}

// throttle pauses the send task after a slow round trip, which the chat
// server shows shortly before it starts rejecting messages.
func (p *Pairing) throttle(ctx context.Context, latency time.Duration) error {
	throttlePauses.WithLabelValues(p.cfg.Name).Inc()
	p.log.Warn().Dur("latency", latency).Dur("cooldown", p.limits.Cooldown).Msg("Chat is slow, pausing sends")
	p.notice(ctx, fmt.Sprintf("Chat is responding slowly, pausing for %s.", p.limits.Cooldown))

	timer := time.NewTimer(p.limits.Cooldown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	p.notice(ctx, "Resuming.")
	return nil
}

func (p *Pairing) runEdits(ctx context.Context) error {
	for {
		a, err := p.edits.get(ctx)
		if err != nil {
			return err
		}
		err = p.handleEdit(ctx, a)
		p.edits.done()
		if err != nil {
			return err
		}
	}
}

func (p *Pairing) handleEdit(ctx context.Context, a *editAction) error {
	if p.foldEdit(a) {
		return nil
	}
	if p.exceedsCap(a.text) {
		p.markTooLong(ctx, a.msg)
		return nil
	}
	rec, err := p.store.FindByGuildID(ctx, a.msg.ID)
	if err != nil {
		return fmt.Errorf("failed to look up record of message %s: %w", a.msg.ID, err)
	}
	p.clearTooLong(ctx, a.msg, rec == nil)
	if rec == nil {
		p.enqueue(&sendAction{msg: a.msg, text: a.text})
		return nil
	}
	now := p.now()
	if !rec.Fresh(now, p.limits.EditWindow) {
		messagesDropped.WithLabelValues(p.cfg.Name, "stale_edit").Inc()
		age := humanize.RelTime(rec.ReceivedAt, now, "ago", "from now")
		if _, err := p.guild.SendReply(ctx, a.msg.ChannelID, a.msg.ID, "edit not bridged: sent "+age); err != nil {
			p.log.Warn().Err(err).Str("message_id", a.msg.ID).Msg("Failed to reply to stale edit")
		}
		return nil
	}
	if err := p.room.Edit(ctx, rec.RoomMessageID, a.text); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, sechat.ErrNotFound) {
			p.log.Warn().Err(err).Int("room_message_id", rec.RoomMessageID).Msg("Failed to edit room message")
		}
		return nil
	}
	messagesBridged.WithLabelValues(p.cfg.Name, "outbound", "edit").Inc()
	return nil
}

func (p *Pairing) runDeletes(ctx context.Context) error {
	for {
		a, err := p.deletes.get(ctx)
		if err != nil {
			return err
		}
		err = p.handleDelete(ctx, a)
		p.deletes.done()
		if err != nil {
			return err
		}
	}
}

func (p *Pairing) handleDelete(ctx context.Context, a *deleteAction) error {
	if p.cancelSend(a) {
		return nil
	}
	rec, err := p.store.FindByGuildID(ctx, a.messageID)
	if err != nil {
		return fmt.Errorf("failed to look up record of message %s: %w", a.messageID, err)
	}
	if rec == nil {
		p.tooLong.Delete(a.messageID)
		return nil
	}
	if rec.Fresh(p.now(), p.limits.EditWindow) {
		err := p.room.Delete(ctx, rec.RoomMessageID)
		switch {
		case err == nil:
			messagesBridged.WithLabelValues(p.cfg.Name, "outbound", "delete").Inc()
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, sechat.ErrNotFound):
			p.log.Warn().Err(err).Int("room_message_id", rec.RoomMessageID).Msg("Failed to delete room message")
		}
	} else {
		p.enqueue(&notifyAction{roomMessageID: rec.RoomMessageID, text: deletedNotice})
	}
	if err := p.store.Delete(ctx, rec); err != nil {
		return fmt.Errorf("failed to delete record of message %s: %w", a.messageID, err)
	}
	return nil
}

func (p *Pairing) runNotices(ctx context.Context) error {
	for {
		a, err := p.notices.get(ctx)
		if err != nil {
			return err
		}
		if err = p.sends.waitDrained(ctx); err == nil {
			p.handleNotice(ctx, a)
		}
		p.notices.done()
		if err != nil {
			return err
		}
	}
}

func (p *Pairing) handleNotice(ctx context.Context, a *notifyAction) {
	if _, err := p.room.Reply(ctx, p.cfg.Room, a.roomMessageID, a.text); err != nil {
		p.log.Warn().Err(err).Int("room_message_id", a.roomMessageID).Msg("Failed to post notice")
		return
	}
	messagesBridged.WithLabelValues(p.cfg.Name, "outbound", "notify").Inc()
}

func (p *Pairing) markTooLong(ctx context.Context, m *discordgo.Message) {
	tooLongTotal.WithLabelValues(p.cfg.Name).Inc()
	if _, ok := p.tooLong.Get(m.ID); ok {
		return
	}
	p.tooLong.Set(m.ID, struct{}{})
	p.react(ctx, m, p.reactions.TooLong)
}

// clearTooLong removes the marker from a message that now fits. Markers set
// by an earlier run of the pairing are only known from the message itself,
// and a message without a record may carry one from a suppressed send.
func (p *Pairing) clearTooLong(ctx context.Context, m *discordgo.Message, unsent bool) {
	_, tracked := p.tooLong.Get(m.ID)
	if !tracked && !unsent && !hasOwnReaction(m, p.reactions.TooLong) {
		return
	}
	p.tooLong.Delete(m.ID)
	if err := p.guild.RemoveOwnReaction(ctx, m.ChannelID, m.ID, p.reactions.TooLong); err != nil && !isGone(err) {
		p.log.Warn().Err(err).Str("message_id", m.ID).Msg("Failed to remove reaction")
	}
}

func hasOwnReaction(m *discordgo.Message, emoji string) bool {
	for _, r := range m.Reactions {
		if r != nil && r.Me && r.Emoji != nil && r.Emoji.Name == emoji {
			return true
		}
	}
	return false
}

func (p *Pairing) react(ctx context.Context, m *discordgo.Message, emoji string) {
	if err := p.guild.AddReaction(ctx, m.ChannelID, m.ID, emoji); err != nil && !isGone(err) {
		p.log.Warn().Err(err).Str("message_id", m.ID).Str("emoji", emoji).Msg("Failed to add reaction")
	}
}

// notice posts a bot message in the pairing's Discord channel.
func (p *Pairing) notice(ctx context.Context, text string) {
	if _, err := p.guild.SendMessage(ctx, p.cfg.Channel, text); err != nil {
		p.log.Warn().Err(err).Msg("Failed to post notice in channel")
	}
}
