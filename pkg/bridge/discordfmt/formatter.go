// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discordfmt converts Discord-flavored markdown into the markdown
// dialect understood by StackExchange chat.
package discordfmt

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark/ast"
	extast "github.com/yuin/goldmark/extension/ast"
)

// Directory resolves Discord ids to display names. The boolean reports
// whether the id was known.
type Directory interface {
	MemberName(id string) (string, bool)
	RoleName(id string) (string, bool)
	ChannelName(id string) (string, bool)
}

// Convert renders Discord markdown as StackExchange chat markdown.
func Convert(markdown string, dir Directory) string {
	blocks := splitBlocks(markdown, true)
	r := &renderer{dir: dir}
	var b strings.Builder
	for _, blk := range blocks {
		r.block(&b, blk)
	}
	if len(blocks) == 1 && blocks[0].kind != blockText {
		return b.String()
	}
	return strings.Trim(b.String(), "\n")
}

type renderer struct {
	dir    Directory
	source []byte
}

func (r *renderer) block(b *strings.Builder, blk block) {
	switch blk.kind {
	case blockText:
		r.text(b, blk.text)
	case blockCode:
		lines := strings.Split(blk.text, "\n")
		for i, line := range lines {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("    ")
			b.WriteString(line)
		}
	case blockQuote:
		var inner strings.Builder
		for _, child := range blk.children {
			r.block(&inner, child)
		}
		for i, line := range strings.Split(inner.String(), "\n") {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("> ")
			b.WriteString(line)
		}
	}
	if blk.newline {
		b.WriteByte('\n')
	}
}

// text renders one run of plain markdown. Gaps between paragraphs are
// reproduced from the source offsets since goldmark drops blank lines.
func (r *renderer) text(b *strings.Builder, src string) {
	doc, source := parseInline(src)
	r.source = source
	prevEnd := 0
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		lines := n.Lines()
		if lines == nil || lines.Len() == 0 {
			continue
		}
		start := lines.At(0).Start
		if start >= prevEnd {
			b.WriteString(strings.Repeat("\n", strings.Count(src[prevEnd:start], "\n")))
		}
		r.children(b, n)
		prevEnd = lines.At(lines.Len() - 1).Stop
	}
	if prevEnd <= len(src) {
		b.WriteString(strings.Repeat("\n", strings.Count(src[prevEnd:], "\n")))
	}
}

// lineGap returns the source from the end of a line's text through the
// indentation of the following line, both of which goldmark trims.
func (r *renderer) lineGap(stop int) []byte {
	nl := bytes.IndexByte(r.source[stop:], '\n')
	if nl < 0 {
		return []byte{'\n'}
	}
	end := stop + nl + 1
	for end < len(r.source) && (r.source[end] == ' ' || r.source[end] == '\t') {
		end++
	}
	return r.source[stop:end]
}

func (r *renderer) children(b *strings.Builder, n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		r.inline(b, c)
	}
}

func (r *renderer) wrap(b *strings.Builder, n ast.Node, open, close string) {
	b.WriteString(open)
	r.children(b, n)
	b.WriteString(close)
}

func (r *renderer) inline(b *strings.Builder, n ast.Node) {
	switch n := n.(type) {
	case *ast.Text:
		b.Write(n.Segment.Value(r.source))
		if n.SoftLineBreak() || n.HardLineBreak() {
			b.Write(r.lineGap(n.Segment.Stop))
		}
	case *ast.String:
		b.Write(n.Value)
	case *ast.CodeSpan:
		b.WriteByte('`')
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				b.WriteString(strings.ReplaceAll(string(t.Segment.Value(r.source)), "\n", " "))
			}
		}
		b.WriteByte('`')
	case *ast.Emphasis:
		r.wrap(b, n, "_", "_")
	case *extast.Strikethrough:
		r.wrap(b, n, "---", "---")
	case *Spoiler:
		r.wrap(b, n, `[spoiler](https://spoiler "`, `")`)
	case *ast.AutoLink:
		b.Write(n.Label(r.source))
	case *PlainURL:
		b.WriteString(n.URL)
	case *ast.Link:
		r.wrap(b, n, "[", "]("+string(n.Destination)+")")
	case *Mention:
		r.mention(b, n)
	case *Emoji:
		b.WriteString(":" + n.Name + ":")
	default:
		r.children(b, n)
	}
}

func (r *renderer) mention(b *strings.Builder, m *Mention) {
	var (
		name string
		ok   bool
	)
	switch m.Target {
	case MentionUser:
		if r.dir != nil {
			name, ok = r.dir.MemberName(m.ID)
		}
		if !ok {
			name = "<unknown user>"
		}
		b.WriteString("﹫" + name)
	case MentionRole:
		if r.dir != nil {
			name, ok = r.dir.RoleName(m.ID)
		}
		if !ok {
			name = "<unknown role>"
		}
		b.WriteString("﹫" + name)
	case MentionChannel:
		if r.dir != nil {
			name, ok = r.dir.ChannelName(m.ID)
		}
		if !ok {
			name = "<unknown channel>"
		}
		b.WriteString("#" + name)
	}
}
