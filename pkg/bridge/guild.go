// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/ptr"
)

// GuildAPI is the part of the Discord API the pipelines use.
type GuildAPI interface {
	BotUserID() string
	Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error)
	Role(ctx context.Context, guildID, roleID string) (*discordgo.Role, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	SendMessage(ctx context.Context, channelID, content string) (*discordgo.Message, error)
	SendReply(ctx context.Context, channelID, messageID, content string) (*discordgo.Message, error)
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveOwnReaction(ctx context.Context, channelID, messageID, emoji string) error

	ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error)
	CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error)
	WebhookWithToken(ctx context.Context, webhookID, token string) (*discordgo.Webhook, error)
	ExecuteWebhook(ctx context.Context, hook *discordgo.Webhook, params *discordgo.WebhookParams) (*discordgo.Message, error)
	WebhookMessage(ctx context.Context, hook *discordgo.Webhook, messageID string) (*discordgo.Message, error)
	EditWebhookMessage(ctx context.Context, hook *discordgo.Webhook, messageID, content string, embeds []*discordgo.MessageEmbed) error
	DeleteWebhookMessage(ctx context.Context, hook *discordgo.Webhook, messageID string) error
}

// sessionGuild implements GuildAPI on a gateway session, preferring the
// session state cache for lookups.
type sessionGuild struct {
	s *discordgo.Session
}

var _ GuildAPI = (*sessionGuild)(nil)

// NewSessionGuild wraps a discordgo session.
func NewSessionGuild(s *discordgo.Session) GuildAPI {
	return &sessionGuild{s: s}
}

func (g *sessionGuild) BotUserID() string {
	if g.s.State == nil || g.s.State.User == nil {
		return ""
	}
	return g.s.State.User.ID
}

func (g *sessionGuild) Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	if m, err := g.s.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	return g.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
}

func (g *sessionGuild) Role(ctx context.Context, guildID, roleID string) (*discordgo.Role, error) {
	if r, err := g.s.State.Role(guildID, roleID); err == nil {
		return r, nil
	}
	roles, err := g.s.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		if r.ID == roleID {
			return r, nil
		}
	}
	return nil, discordgo.ErrStateNotFound
}

func (g *sessionGuild) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if c, err := g.s.State.Channel(channelID); err == nil {
		return c, nil
	}
	return g.s.Channel(channelID, discordgo.WithContext(ctx))
}

func (g *sessionGuild) Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	return g.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
}

func (g *sessionGuild) SendMessage(ctx context.Context, channelID, content string) (*discordgo.Message, error) {
	return g.s.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
}

func (g *sessionGuild) SendReply(ctx context.Context, channelID, messageID, content string) (*discordgo.Message, error) {
	ref := &discordgo.MessageReference{MessageID: messageID, ChannelID: channelID}
	return g.s.ChannelMessageSendReply(channelID, content, ref, discordgo.WithContext(ctx))
}

func (g *sessionGuild) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return g.s.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
}

func (g *sessionGuild) RemoveOwnReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return g.s.MessageReactionRemove(channelID, messageID, emoji, "@me", discordgo.WithContext(ctx))
}

func (g *sessionGuild) ChannelWebhooks(ctx context.Context, channelID string) ([]*discordgo.Webhook, error) {
	return g.s.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
}

func (g *sessionGuild) CreateWebhook(ctx context.Context, channelID, name string) (*discordgo.Webhook, error) {
	return g.s.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
}

func (g *sessionGuild) WebhookWithToken(ctx context.Context, webhookID, token string) (*discordgo.Webhook, error) {
	return g.s.WebhookWithToken(webhookID, token, discordgo.WithContext(ctx))
}

func (g *sessionGuild) ExecuteWebhook(ctx context.Context, hook *discordgo.Webhook, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	return g.s.WebhookExecute(hook.ID, hook.Token, true, params, discordgo.WithContext(ctx))
}

func (g *sessionGuild) WebhookMessage(ctx context.Context, hook *discordgo.Webhook, messageID string) (*discordgo.Message, error) {
	return g.s.WebhookMessage(hook.ID, hook.Token, messageID, discordgo.WithContext(ctx))
}

func (g *sessionGuild) EditWebhookMessage(ctx context.Context, hook *discordgo.Webhook, messageID, content string, embeds []*discordgo.MessageEmbed) error {
	edit := &discordgo.WebhookEdit{Content: ptr.Ptr(content)}
	if embeds != nil {
		edit.Embeds = &embeds
	}
	_, err := g.s.WebhookMessageEdit(hook.ID, hook.Token, messageID, edit, discordgo.WithContext(ctx))
	return err
}

func (g *sessionGuild) DeleteWebhookMessage(ctx context.Context, hook *discordgo.Webhook, messageID string) error {
	return g.s.WebhookMessageDelete(hook.ID, hook.Token, messageID, discordgo.WithContext(ctx))
}

// isGone reports whether err says the Discord resource no longer exists or
// is not accessible to the bot.
func isGone(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return true
		}
	}
	return errors.Is(err, discordgo.ErrStateNotFound)
}

// webhookName is the name of webhooks created for two-way pairings.
const webhookName = "Bridget"

var webhookURLRe = regexp.MustCompile(`/api(?:/v\d+)?/webhooks/(\d+)/([\w-]+)`)

// parseWebhookURL extracts the id and token from a Discord webhook URL.
func parseWebhookURL(raw string) (id, token string, err error) {
	m := webhookURLRe.FindStringSubmatch(raw)
	if m == nil {
		return "", "", fmt.Errorf("invalid webhook url %q", raw)
	}
	return m[1], m[2], nil
}

// resolveWebhook returns the webhook a pairing delivers room messages
// through. Two-way pairings reuse a webhook the bot created in the channel
// before, or create one; one-way pairings use the configured URL.
func resolveWebhook(ctx context.Context, api GuildAPI, cfg PairingConfig) (*discordgo.Webhook, error) {
	if cfg.Webhook != "" {
		id, token, err := parseWebhookURL(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		hook, err := api.WebhookWithToken(ctx, id, token)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch webhook %s: %w", id, err)
		}
		if hook.Token == "" {
			hook.Token = token
		}
		return hook, nil
	}

	hooks, err := api.ChannelWebhooks(ctx, cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks of channel %s: %w", cfg.Channel, err)
	}
	botID := api.BotUserID()
	for _, hook := range hooks {
		if hook.User != nil && hook.User.ID == botID && hook.Token != "" {
			return hook, nil
		}
	}
	hook, err := api.CreateWebhook(ctx, cfg.Channel, webhookName)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook in channel %s: %w", cfg.Channel, err)
	}
	return hook, nil
}
