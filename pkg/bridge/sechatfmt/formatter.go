// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sechatfmt converts StackExchange chat message HTML to Discord
// markdown or embeds.
package sechatfmt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"maunium.net/go/mautrix/format"
)

var (
	// ErrUnsupported is returned for oneboxes that cannot be represented.
	ErrUnsupported = errors.New("unsupported onebox")
	// ErrMalformed is returned when a recognised structure lacks a required element.
	ErrMalformed = errors.New("malformed message html")
)

// Result is either Text or Embed.
type Result interface {
	isResult()
}

// Text is plain Discord markdown.
type Text string

// Embed is a rich preview built from a onebox.
type Embed struct {
	*discordgo.MessageEmbed
}

func (Text) isResult()  {}
func (Embed) isResult() {}

// Converter turns chat HTML fragments into Discord content. It is safe for
// concurrent use.
type Converter struct {
	host   string
	parser *format.HTMLParser
}

// New creates a converter that resolves host-relative links against host.
func New(host string) *Converter {
	return &Converter{
		host: host,
		parser: &format.HTMLParser{
			TabsToSpaces:   4,
			Newline:        "\n",
			HorizontalLine: "\n---\n",
			TextConverter:  escapeText,
			BoldConverter: func(text string, _ format.Context) string {
				return "**" + text + "**"
			},
			ItalicConverter: func(text string, _ format.Context) string {
				return "*" + text + "*"
			},
			StrikethroughConverter: func(text string, _ format.Context) string {
				return "~~" + text + "~~"
			},
			MonospaceConverter: func(text string, _ format.Context) string {
				return "`" + text + "`"
			},
			MonospaceBlockConverter: func(code, language string, _ format.Context) string {
				return "```" + language + "\n" + strings.TrimSuffix(code, "\n") + "\n```"
			},
			LinkConverter: func(text, href string, _ format.Context) string {
				if text == "" || markdownUnescaper.Replace(text) == href {
					return href
				}
				return fmt.Sprintf("[%s](%s)", text, href)
			},
			SpoilerConverter: func(text, _ string, _ format.Context) string {
				return "||" + text + "||"
			},
		},
	}
}

// Convert classifies the fragment and renders it.
func (c *Converter) Convert(ctx context.Context, fragment string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	body := doc.Find("body")

	if full := body.ChildrenFiltered(".full, .partial").First(); full.Length() > 0 {
		if full.HasClass("quote") {
			rename(full, atom.Blockquote)
		}
		return Text(c.markdown(ctx, full)), nil
	}

	if div := body.ChildrenFiltered("div").First(); div.Length() > 0 {
		switch {
		case div.HasClass("onebox"):
			return c.onebox(ctx, div)
		case div.HasClass("room-mini"):
			return c.roomCard(div)
		case div.HasClass("conversation-info"):
			return c.bookmark(ctx, div)
		}
	}
	return Text(c.markdown(ctx, body)), nil
}

// FixURL fills in the scheme and host the chat server omits.
func (c *Converter) FixURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	if u.Host == "" {
		u.Host = c.host
	}
	return u.String()
}

// markdown runs the html-to-markdown pass over sel. It mutates sel.
func (c *Converter) markdown(ctx context.Context, sel *goquery.Selection) string {
	sel.Find("div.quote").Each(func(_ int, q *goquery.Selection) {
		rename(q, atom.Blockquote)
	})
	sel.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = c.FixURL(href)
		if isSpoiler(a.Text(), href) {
			title, _ := a.Attr("title")
			a.ReplaceWithHtml(`<span data-mx-spoiler="">` + html.EscapeString(title) + `</span>`)
			return
		}
		a.SetAttr("href", href)
	})
	raw, err := goquery.OuterHtml(sel)
	if err != nil {
		return strings.TrimSpace(sel.Text())
	}
	return strings.TrimSpace(c.parser.Parse(raw, format.NewContext(ctx)))
}

var (
	markdownEscaper = strings.NewReplacer(
		"\\", "\\\\", "*", "\\*", "_", "\\_", "~", "\\~", "|", "\\|", "`", "\\`",
	)
	markdownUnescaper = strings.NewReplacer(
		"\\\\", "\\", "\\*", "*", "\\_", "_", "\\~", "~", "\\|", "|", "\\`", "`",
	)
)

// escapeText keeps literal chat text from being read as Discord markup.
// Code spans and blocks are left verbatim.
func escapeText(text string, ctx format.Context) string {
	if ctx.TagStack.Has("code") || ctx.TagStack.Has("pre") {
		return text
	}
	return markdownEscaper.Replace(text)
}

func isSpoiler(text, href string) bool {
	if strings.TrimSpace(text) == "spoiler" {
		return true
	}
	u, err := url.Parse(href)
	return err == nil && u.Host == "spoiler"
}

func rename(sel *goquery.Selection, a atom.Atom) {
	for _, n := range sel.Nodes {
		n.Data = a.String()
		n.DataAtom = a
	}
}
