// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sechatfmt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bwmarrin/discordgo"
)

func find(sel *goquery.Selection, selector string) (*goquery.Selection, error) {
	found := sel.Find(selector).First()
	if found.Length() == 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, selector)
	}
	return found, nil
}

func attr(sel *goquery.Selection, name string) (string, error) {
	v, ok := sel.Attr(name)
	if !ok {
		return "", fmt.Errorf("%w: missing %s attribute", ErrMalformed, name)
	}
	return v, nil
}

func (c *Converter) onebox(ctx context.Context, div *goquery.Selection) (Result, error) {
	switch {
	case div.HasClass("ob-post"):
		return c.postOnebox(ctx, div)
	case div.HasClass("ob-user"):
		return c.userOnebox(div)
	case div.HasClass("ob-message"):
		return c.messageOnebox(ctx, div)
	case div.HasClass("ob-youtube"):
		link, err := find(div, "a")
		if err != nil {
			return nil, err
		}
		href, err := attr(link, "href")
		if err != nil {
			return nil, err
		}
		return Text(href), nil
	case div.HasClass("ob-image"):
		img, err := find(div, "img")
		if err != nil {
			return nil, err
		}
		src, err := attr(img, "src")
		if err != nil {
			return nil, err
		}
		return Text(c.FixURL(src)), nil
	case div.HasClass("ob-wikipedia"):
		link, err := find(div, ".ob-wikipedia-title a")
		if err != nil {
			return nil, err
		}
		href, err := attr(link, "href")
		if err != nil {
			return nil, err
		}
		return Text(href), nil
	}
	if href, ok := div.Find("a[href]").First().Attr("href"); ok {
		return Text(c.FixURL(href)), nil
	}
	return nil, ErrUnsupported
}

func (c *Converter) postOnebox(ctx context.Context, div *goquery.Selection) (Result, error) {
	title, err := find(div, ".ob-post-title a")
	if err != nil {
		return nil, err
	}
	href, err := attr(title, "href")
	if err != nil {
		return nil, err
	}
	body, err := find(div, ".ob-post-body")
	if err != nil {
		return nil, err
	}
	avatar, err := find(body, ".user-gravatar32")
	if err != nil {
		return nil, err
	}
	icon, err := find(div, ".ob-post-siteicon")
	if err != nil {
		return nil, err
	}
	score, err := find(div, ".ob-post-votes")
	if err != nil {
		return nil, err
	}
	avatar.Remove()
	avatarSrc, _ := avatar.Attr("src")
	author, _ := avatar.Attr("title")
	site, _ := icon.Attr("title")
	iconSrc, _ := icon.Attr("src")

	return Embed{&discordgo.MessageEmbed{
		Title:       title.Text(),
		URL:         c.FixURL(href),
		Description: c.markdown(ctx, body),
		Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: avatarSrc},
		Author:      &discordgo.MessageEmbedAuthor{Name: author},
		Footer:      &discordgo.MessageEmbedFooter{Text: site, IconURL: c.FixURL(iconSrc)},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Score", Value: strings.TrimSpace(score.Text()), Inline: true},
		},
	}}, nil
}

func (c *Converter) userOnebox(div *goquery.Selection) (Result, error) {
	avatar, err := find(div, ".user-gravatar64 img")
	if err != nil {
		return nil, err
	}
	name, err := find(div, ".ob-user-username")
	if err != nil {
		return nil, err
	}
	icon := name.PrevAllFiltered("img").First()
	if icon.Length() == 0 {
		return nil, fmt.Errorf("%w: missing site icon", ErrMalformed)
	}
	rep, err := find(div, ".reputation-score")
	if err != nil {
		return nil, err
	}
	href, _ := name.Attr("href")
	avatarSrc, _ := avatar.Attr("src")
	site, _ := icon.Attr("title")
	iconSrc, _ := icon.Attr("src")

	return Embed{&discordgo.MessageEmbed{
		Title:     name.Text(),
		URL:       c.FixURL(href),
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: avatarSrc},
		Footer:    &discordgo.MessageEmbedFooter{Text: site, IconURL: c.FixURL(iconSrc)},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Reputation", Value: strings.TrimSpace(rep.Text()), Inline: true},
		},
	}}, nil
}

func (c *Converter) messageOnebox(ctx context.Context, div *goquery.Selection) (Result, error) {
	permalink, err := find(div, ".roomname")
	if err != nil {
		return nil, err
	}
	stamp, err := find(permalink, "span")
	if err != nil {
		return nil, err
	}
	user, err := find(div, ".user-name")
	if err != nil {
		return nil, err
	}
	content, err := find(div, ".quote")
	if err != nil {
		return nil, err
	}
	href, _ := permalink.Attr("href")
	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{Name: user.Text(), URL: c.FixURL(href)},
	}
	if title, ok := stamp.Attr("title"); ok {
		if ts, ok := parseTimestamp(title); ok {
			embed.Timestamp = ts.Format(time.RFC3339)
		}
	}
	embed.Description = c.markdown(ctx, content)
	return Embed{embed}, nil
}

func (c *Converter) roomCard(div *goquery.Selection) (Result, error) {
	name, err := find(div, ".room-name a")
	if err != nil {
		return nil, err
	}
	desc, err := find(div, ".room-mini-description")
	if err != nil {
		return nil, err
	}
	users, err := find(div, ".room-current-user-count")
	if err != nil {
		return nil, err
	}
	href, _ := name.Attr("href")
	description, _ := desc.Attr("title")

	return Embed{&discordgo.MessageEmbed{
		Title:       name.Text(),
		URL:         c.FixURL(href),
		Description: description,
		Footer:      &discordgo.MessageEmbedFooter{Text: strings.TrimSpace(users.Text()) + " users chatting"},
	}}, nil
}

func (c *Converter) bookmark(ctx context.Context, div *goquery.Selection) (Result, error) {
	title, err := find(div, "h3 a")
	if err != nil {
		return nil, err
	}
	desc, err := find(div, "p")
	if err != nil {
		return nil, err
	}
	user, err := find(div, ".bookmark-user a")
	if err != nil {
		return nil, err
	}
	href, _ := title.Attr("href")
	userHref, _ := user.Attr("href")

	return Embed{&discordgo.MessageEmbed{
		Title:       title.Text(),
		URL:         c.FixURL(href),
		Description: c.markdown(ctx, desc),
		Author:      &discordgo.MessageEmbedAuthor{Name: user.Text(), URL: c.FixURL(userHref)},
	}}, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
