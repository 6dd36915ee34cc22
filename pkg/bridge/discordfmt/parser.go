// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discordfmt

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// MentionType distinguishes the three Discord mention forms.
type MentionType int

const (
	MentionUser MentionType = iota
	MentionRole
	MentionChannel
)

var (
	KindMention  = ast.NewNodeKind("DiscordMention")
	KindEmoji    = ast.NewNodeKind("DiscordEmoji")
	KindSpoiler  = ast.NewNodeKind("DiscordSpoiler")
	KindPlainURL = ast.NewNodeKind("DiscordPlainURL")
)

// Mention is a <@id>, <@!id>, <@&id> or <#id> token.
type Mention struct {
	ast.BaseInline
	Target MentionType
	ID     string
}

func (n *Mention) Kind() ast.NodeKind { return KindMention }

func (n *Mention) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"ID": n.ID}, nil)
}

// Emoji is a custom emoji (<:name:id>, <a:name:id>) or a :shortcode:.
type Emoji struct {
	ast.BaseInline
	Name string
	ID     string
}

func (n *Emoji) Kind() ast.NodeKind { return KindEmoji }

func (n *Emoji) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Name": n.Name}, nil)
}

// Spoiler wraps ||hidden|| content.
type Spoiler struct {
	ast.BaseInline
}

func (n *Spoiler) Kind() ast.NodeKind { return KindSpoiler }

func (n *Spoiler) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, nil, nil)
}

// PlainURL is a <https://...> link with its preview suppressed.
type PlainURL struct {
	ast.BaseInline
	URL string
}

func (n *PlainURL) Kind() ast.NodeKind { return KindPlainURL }

func (n *PlainURL) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"URL": n.URL}, nil)
}

var angleRe = regexp.MustCompile(`^<(?:(@!?|@&|#)(\d+)|(a?):(\w{2,}):(\d+)|(https?://[^\s<>]+))>`)

type angleParser struct{}

func (angleParser) Trigger() []byte {
	return []byte{'<'}
}

func (angleParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	line, _ := block.PeekLine()
	m := angleRe.FindSubmatch(line)
	if m == nil {
		return nil
	}
	block.Advance(len(m[0]))
	switch {
	case m[1] != nil:
		mention := &Mention{ID: string(m[2])}
		switch string(m[1]) {
		case "@&":
			mention.Target = MentionRole
		case "#":
			mention.Target = MentionChannel
		default:
			mention.Target = MentionUser
		}
		return mention
	case m[4] != nil:
		return &Emoji{Name: string(m[4]), ID: string(m[5])}
	default:
		return &PlainURL{URL: string(m[6])}
	}
}

var shortcodeRe = regexp.MustCompile(`^:([A-Za-z0-9_+\-]{2,}):`)

type shortcodeParser struct{}

func (shortcodeParser) Trigger() []byte {
	return []byte{':'}
}

func (shortcodeParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	line, _ := block.PeekLine()
	m := shortcodeRe.FindSubmatch(line)
	if m == nil {
		return nil
	}
	block.Advance(len(m[0]))
	return &Emoji{Name: string(m[1])}
}

type spoilerDelimiterProcessor struct{}

func (spoilerDelimiterProcessor) IsDelimiter(b byte) bool {
	return b == '|'
}

func (spoilerDelimiterProcessor) CanOpenCloser(opener, closer *parser.Delimiter) bool {
	return opener.Char == closer.Char
}

func (spoilerDelimiterProcessor) OnMatch(_ int) ast.Node {
	return &Spoiler{}
}

type spoilerParser struct{}

func (spoilerParser) Trigger() []byte {
	return []byte{'|'}
}

func (spoilerParser) Parse(_ ast.Node, block text.Reader, pc parser.Context) ast.Node {
	before := block.PrecendingCharacter()
	line, segment := block.PeekLine()
	node := parser.ScanDelimiter(line, before, 2, spoilerDelimiterProcessor{})
	if node == nil || node.OriginalLength != 2 {
		return nil
	}
	node.Segment = segment.WithStop(segment.Start + node.OriginalLength)
	block.Advance(node.OriginalLength)
	pc.PushDelimiter(node)
	return node
}

// inlineParser only knows paragraphs at block level. Quotes and code fences
// follow Discord's line rules and are split off before goldmark sees the text.
var inlineParser = parser.NewParser(
	parser.WithBlockParsers(
		util.Prioritized(parser.NewParagraphParser(), 1000),
	),
	parser.WithInlineParsers(
		util.Prioritized(parser.NewCodeSpanParser(), 100),
		util.Prioritized(angleParser{}, 150),
		util.Prioritized(parser.NewLinkParser(), 200),
		util.Prioritized(parser.NewEmphasisParser(), 500),
		util.Prioritized(extension.NewStrikethroughParser(), 500),
		util.Prioritized(spoilerParser{}, 500),
		util.Prioritized(shortcodeParser{}, 600),
		util.Prioritized(extension.NewLinkifyParser(), 999),
	),
)

type blockKind int

const (
	blockText blockKind = iota
	blockQuote
	blockCode
)

// block is one Discord block-level element. Text and code blocks carry
// their source in text; quotes carry parsed children.
type block struct {
	kind     blockKind
	text     string
	children []block
	// newline is set when the block consumed the line break that ended it.
	newline bool
}

var codeLangRe = regexp.MustCompile(`^[A-Za-z0-9_+#.\-]+$`)

// splitBlocks separates code fences and quotes from plain text.
func splitBlocks(src string, allowQuotes bool) []block {
	var blocks []block
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			blocks = append(blocks, block{kind: blockText, text: buf.String()})
			buf.Reset()
		}
	}

	lineStart := true
	for i := 0; i < len(src); {
		rest := src[i:]
		if strings.HasPrefix(rest, "```") {
			if end := strings.Index(rest[3:], "```"); end >= 0 {
				flush()
				b := block{kind: blockCode, text: codeBody(rest[3 : 3+end])}
				i += 3 + end + 3
				lineStart = false
				if i < len(src) && src[i] == '\n' {
					b.newline = true
					i++
					lineStart = true
				}
				blocks = append(blocks, b)
				continue
			}
		}
		if allowQuotes && lineStart {
			if strings.HasPrefix(rest, ">>> ") {
				flush()
				blocks = append(blocks, block{kind: blockQuote, children: splitBlocks(rest[4:], false)})
				return blocks
			}
			if strings.HasPrefix(rest, "> ") {
				flush()
				var lines []string
				b := block{kind: blockQuote}
				for i < len(src) && strings.HasPrefix(src[i:], "> ") {
					line, next, hadNewline := cutLine(src, i+2)
					lines = append(lines, line)
					b.newline = hadNewline
					i = next
				}
				b.children = splitBlocks(strings.Join(lines, "\n"), false)
				blocks = append(blocks, b)
				continue
			}
		}
		buf.WriteByte(src[i])
		lineStart = src[i] == '\n'
		i++
	}
	flush()
	return blocks
}

func cutLine(src string, start int) (line string, next int, hadNewline bool) {
	if idx := strings.IndexByte(src[start:], '\n'); idx >= 0 {
		return src[start : start+idx], start + idx + 1, true
	}
	return src[start:], len(src), false
}

// codeBody strips the optional language line and the newlines hugging the
// fences.
func codeBody(body string) string {
	if first, rest, ok := strings.Cut(body, "\n"); ok && codeLangRe.MatchString(first) && strings.TrimSpace(rest) != "" {
		body = rest
	}
	body = strings.TrimPrefix(body, "\n")
	return strings.TrimSuffix(body, "\n")
}

// parseInline runs goldmark over a text block.
func parseInline(src string) (ast.Node, []byte) {
	source := []byte(src)
	return inlineParser.Parse(text.NewReader(source)), source
}
