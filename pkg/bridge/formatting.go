// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/bridget/pkg/bridge/discordfmt"
)

// guildDirectory resolves mention targets for discordfmt through the guild
// API.
type guildDirectory struct {
	ctx     context.Context
	api     GuildAPI
	guildID string
}

func (d guildDirectory) MemberName(id string) (string, bool) {
	m, err := d.api.Member(d.ctx, d.guildID, id)
	if err != nil || m == nil {
		return "", false
	}
	name := memberName(m, nil)
	return name, name != ""
}

func (d guildDirectory) RoleName(id string) (string, bool) {
	r, err := d.api.Role(d.ctx, d.guildID, id)
	if err != nil || r == nil {
		return "", false
	}
	return r.Name, true
}

func (d guildDirectory) ChannelName(id string) (string, bool) {
	c, err := d.api.Channel(d.ctx, id)
	if err != nil || c == nil {
		return "", false
	}
	return c.Name, true
}

// memberName returns the name a member is shown with in the guild. Gateway
// message payloads carry a member without its user, so the author is passed
// separately.
func memberName(m *discordgo.Member, author *discordgo.User) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if m != nil && m.User != nil {
		author = m.User
	}
	if author == nil {
		return ""
	}
	return author.DisplayName()
}

// render turns a Discord message into the text sent to the room.
func (p *Pairing) render(ctx context.Context, m *discordgo.Message) (string, error) {
	content := discordfmt.Convert(m.Content, guildDirectory{ctx: ctx, api: p.guild, guildID: p.cfg.Guild})
	if !strings.Contains(content, "\n") {
		content = appendLinks(content, m)
	}

	reply, err := p.replyMarker(ctx, m, content)
	if err != nil {
		return "", err
	}
	prefix := p.senderPrefix(ctx, m)

	switch {
	case strings.HasPrefix(content, "    "):
		return "    " + prefix + "\n" + content, nil
	case strings.HasPrefix(content, "> "):
		return strings.TrimLeft(reply+" > "+prefix+"\n"+content, " "), nil
	default:
		return strings.TrimLeft(reply+" "+prefix+" "+content, " "), nil
	}
}

// appendLinks adds a markdown link per attachment and per rich embed.
func appendLinks(content string, m *discordgo.Message) string {
	var links []string
	for _, a := range m.Attachments {
		links = append(links, fmt.Sprintf("[%s](%s)", a.Filename, a.URL))
	}
	for _, e := range m.Embeds {
		if e.Type != discordgo.EmbedTypeRich || e.URL == "" {
			continue
		}
		title := e.Title
		if title == "" {
			title = e.URL
		}
		links = append(links, fmt.Sprintf("[%s](%s)", title, e.URL))
	}
	if len(links) == 0 {
		return content
	}
	if content == "" {
		return strings.Join(links, " ")
	}
	return content + " " + strings.Join(links, " ")
}

// senderPrefix renders "[Name symbols]" for the message author.
func (p *Pairing) senderPrefix(ctx context.Context, m *discordgo.Message) string {
	member := m.Member
	if member == nil {
		member, _ = p.guild.Member(ctx, p.cfg.Guild, m.Author.ID)
	}
	var symbols strings.Builder
	if m.Author.Bot {
		symbols.WriteString("⚙")
	}
	if member != nil {
		for _, role := range member.Roles {
			symbols.WriteString(p.cfg.RoleSymbols[role])
		}
	}
	name := memberName(member, m.Author)
	if symbols.Len() == 0 {
		return "[" + name + "]"
	}
	return "[" + name + " " + symbols.String() + "]"
}

// replyMarker points the room message at the one it answers: a chat reply
// when the parent was bridged, otherwise a link back to Discord.
func (p *Pairing) replyMarker(ctx context.Context, m *discordgo.Message, content string) (string, error) {
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" {
		return "", nil
	}
	rec, err := p.store.FindByGuildID(ctx, ref.MessageID)
	if err != nil {
		return "", fmt.Errorf("failed to look up replied message %s: %w", ref.MessageID, err)
	}
	if rec != nil {
		return fmt.Sprintf(":%d", rec.RoomMessageID), nil
	}
	if strings.Contains(content, "\n") {
		return "", nil
	}
	channelID := ref.ChannelID
	if channelID == "" {
		channelID = m.ChannelID
	}
	return "[[⤷](" + jumpURL(p.cfg.Guild, channelID, ref.MessageID) + ")]", nil
}

// exceedsCap reports whether text is a single line longer than the room
// accepts.
func (p *Pairing) exceedsCap(text string) bool {
	return !strings.Contains(text, "\n") && utf8.RuneCountInString(text) > p.limits.MaxSingleLine
}
