// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/bridget/pkg/bridge/sechatfmt"
	"github.com/aiku/bridget/pkg/sechat"
	"github.com/aiku/bridget/pkg/store"
)

// echoMarker starts messages that must not be bridged back.
const echoMarker = "\u200d"

var leadingMentionRe = regexp.MustCompile(`^@\S+ ?`)

func (p *Pairing) runInbound(ctx context.Context) error {
	for evt, err := range p.reader.Events(ctx, p.cfg.Room) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("room event stream failed: %w", err)
		}
		if err := p.handleRoomEvent(ctx, evt); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("room event stream ended")
}

func (p *Pairing) ignoresRoomEvent(m sechat.Message) bool {
	switch {
	case m.RoomID != p.cfg.Room:
		return true
	case p.cfg.ignoresRoomUser(m.UserID):
		return true
	case strings.HasPrefix(m.Content, echoMarker):
		return true
	case m.UserName == "everyone" || m.UserName == "here":
		return true
	case p.room != nil && m.UserID == p.room.UserID():
		return true
	}
	return false
}

func (p *Pairing) handleRoomEvent(ctx context.Context, evt sechat.Event) error {
	if p.ignoresRoomEvent(evt.Base()) {
		return nil
	}
	switch evt := evt.(type) {
	case sechat.MessageEvent:
		return p.handleRoomMessage(ctx, evt.Message)
	case sechat.EditEvent:
		return p.handleRoomEdit(ctx, evt.Message)
	case sechat.DeleteEvent:
		return p.handleRoomDelete(ctx, evt.Message)
	default:
		panic(fmt.Errorf("unhandled room event %T", evt))
	}
}

// roomContent is a room message rendered for Discord.
type roomContent struct {
	text   string
	embeds []*discordgo.MessageEmbed
}

// renderRoom converts a room message. It returns nil if the message cannot
// be converted.
func (p *Pairing) renderRoom(ctx context.Context, m sechat.Message) (*roomContent, error) {
	res, err := p.converter.Convert(ctx, m.Content)
	if err != nil {
		p.log.Warn().Err(err).Int("room_message_id", m.MessageID).Msg("Dropping unconvertible room message")
		messagesDropped.WithLabelValues(p.cfg.Name, "unconvertible").Inc()
		return nil, nil
	}
	var out roomContent
	switch res := res.(type) {
	case sechatfmt.Text:
		out.text = string(res)
	case sechatfmt.Embed:
		out.embeds = append(out.embeds, res.MessageEmbed)
	default:
		panic(fmt.Errorf("unhandled conversion result %T", res))
	}

	if m.ParentID == 0 || !m.ShowParent {
		return &out, nil
	}
	out.text = leadingMentionRe.ReplaceAllString(out.text, "")
	back, err := p.backReference(ctx, m.ParentID)
	if err != nil {
		return nil, err
	}
	if back != "" {
		out.text = back + out.text
	} else {
		out.embeds = append(out.embeds, p.parentEmbed(ctx, m.ParentID))
	}
	return &out, nil
}

// backReference links a reply to the Discord copy of its parent. It
// returns "" when the parent cannot be linked.
func (p *Pairing) backReference(ctx context.Context, parentID int) (string, error) {
	if p.cfg.Direction != TwoWay {
		return "", nil
	}
	rec, err := p.store.FindByRoomID(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("failed to look up record of room message %d: %w", parentID, err)
	} else if rec == nil {
		return "", nil
	}

	var parent *discordgo.Message
	if rec.GuildUserID == p.webhook.ID {
		parent, err = p.guild.WebhookMessage(ctx, p.webhook, rec.GuildMessageID)
	} else {
		parent, err = p.guild.Message(ctx, p.cfg.Channel, rec.GuildMessageID)
	}
	if err != nil {
		if !isGone(err) {
			p.log.Warn().Err(err).Str("message_id", rec.GuildMessageID).Msg("Failed to fetch replied message")
		}
		return "", nil
	}

	back := "[⤷](" + jumpURL(p.cfg.Guild, p.cfg.Channel, rec.GuildMessageID) + ") "
	if parent.Author != nil && parent.Author.ID == p.webhook.ID {
		back += mention(parent.Author.ID) + " "
	}
	return back, nil
}

// parentEmbed previews the replied room message from its markdown source.
func (p *Pairing) parentEmbed(ctx context.Context, parentID int) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Reply to #%d", parentID),
		URL:   p.reader.TranscriptURL(parentID),
	}
	raw, err := p.reader.RawMessage(ctx, parentID)
	if err != nil {
		p.log.Debug().Err(err).Int("room_message_id", parentID).Msg("Failed to fetch replied message source")
		return embed
	}
	embed.Description, _, _ = strings.Cut(raw, "\n")
	return embed
}

func (p *Pairing) handleRoomMessage(ctx context.Context, m sechat.Message) error {
	content, err := p.renderRoom(ctx, m)
	if err != nil || content == nil {
		return err
	}
	avatar, err := p.reader.AvatarURL(ctx, m.UserID)
	if err != nil {
		p.log.Debug().Err(err).Int("user_id", m.UserID).Msg("Failed to resolve avatar")
	}
	params := &discordgo.WebhookParams{
		Content:   content.text,
		Username:  m.UserName,
		AvatarURL: avatar,
		Embeds:    content.embeds,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	if p.cfg.noEmbed(m.UserID) && len(content.embeds) == 0 {
		params.Flags = discordgo.MessageFlagsSuppressEmbeds
	}

	sent, err := p.guild.ExecuteWebhook(ctx, p.webhook, params)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn().Err(err).Int("room_message_id", m.MessageID).Msg("Failed to deliver room message")
		messagesDropped.WithLabelValues(p.cfg.Name, "webhook_failed").Inc()
		return nil
	}
	rec := &store.Record{
		RoomMessageID:  m.MessageID,
		GuildMessageID: sent.ID,
		RoomUserID:     m.UserID,
		GuildUserID:    p.webhook.ID,
		ReceivedAt:     p.now(),
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to save record of room message %d: %w", m.MessageID, err)
	}
	messagesBridged.WithLabelValues(p.cfg.Name, "inbound", "send").Inc()
	return nil
}

func (p *Pairing) handleRoomEdit(ctx context.Context, m sechat.Message) error {
	rec, err := p.store.FindByRoomID(ctx, m.MessageID)
	if err != nil {
		return fmt.Errorf("failed to look up record of room message %d: %w", m.MessageID, err)
	}
	if rec == nil || rec.GuildUserID != p.webhook.ID {
		return nil
	}
	content, err := p.renderRoom(ctx, m)
	if err != nil || content == nil {
		return err
	}
	if _, err := p.guild.WebhookMessage(ctx, p.webhook, rec.GuildMessageID); err != nil {
		if !isGone(err) {
			p.log.Warn().Err(err).Str("message_id", rec.GuildMessageID).Msg("Failed to fetch edited message")
		}
		return nil
	}
	err = p.guild.EditWebhookMessage(ctx, p.webhook, rec.GuildMessageID, content.text, content.embeds)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isGone(err) {
			p.log.Warn().Err(err).Str("message_id", rec.GuildMessageID).Msg("Failed to edit webhook message")
		}
		return nil
	}
	messagesBridged.WithLabelValues(p.cfg.Name, "inbound", "edit").Inc()
	return nil
}

func (p *Pairing) handleRoomDelete(ctx context.Context, m sechat.Message) error {
	rec, err := p.store.FindByRoomID(ctx, m.MessageID)
	if err != nil {
		return fmt.Errorf("failed to look up record of room message %d: %w", m.MessageID, err)
	} else if rec == nil {
		return nil
	}
	if rec.GuildUserID == p.webhook.ID {
		err := p.guild.DeleteWebhookMessage(ctx, p.webhook, rec.GuildMessageID)
		switch {
		case err == nil:
			messagesBridged.WithLabelValues(p.cfg.Name, "inbound", "delete").Inc()
		case ctx.Err() != nil:
			return ctx.Err()
		case !isGone(err):
			p.log.Warn().Err(err).Str("message_id", rec.GuildMessageID).Msg("Failed to delete webhook message")
		}
	}
	if err := p.store.Delete(ctx, rec); err != nil {
		return fmt.Errorf("failed to delete record of room message %d: %w", m.MessageID, err)
	}
	return nil
}
