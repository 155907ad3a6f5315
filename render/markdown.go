// Copyright 2026 The Takopi Authors
// SPDX-License-Identifier: Apache-2.0

package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// mrkdwnParser is initialized once and reused. The parser configuration
// never changes and a goldmark Parser is safe to share; parsing creates
// per-call state via Parse(reader).
var (
	mrkdwnParser     goldmark.Markdown
	mrkdwnParserOnce sync.Once
)

func getMrkdwnParser() goldmark.Markdown {
	mrkdwnParserOnce.Do(func() {
		mrkdwnParser = goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
				extension.Linkify,
			),
		)
	})
	return mrkdwnParser
}

// ToMrkdwn converts engine-produced markdown to Slack mrkdwn: *bold*,
// _italic_, ~strike~, <url|label> links, • bullets, and "&", "<", ">"
// escaped in plain text. Unknown constructs degrade to their text
// content rather than leaking raw markup.
func ToMrkdwn(input string) string {
	if input == "" {
		return ""
	}
	source := []byte(input)
	document := getMrkdwnParser().Parser().Parse(text.NewReader(source))

	renderer := &mrkdwnRenderer{source: source}
	ast.Walk(document, renderer.walk)
	return strings.TrimRight(renderer.output.String(), "\n")
}

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// mrkdwnRenderer walks a goldmark AST accumulating Slack mrkdwn. Inline
// content collects in a buffer and is flushed with line prefixes when
// the containing block closes.
type mrkdwnRenderer struct {
	source []byte
	output strings.Builder
	inline strings.Builder

	// linePrefix applies to every emitted line: "> " segments for
	// blockquote nesting plus indentation for nested lists.
	prefixStack []string

	// pendingBullet replaces the prefix for the first line of the next
	// flushed block, carrying the list bullet.
	pendingBullet string

	listStack []mrkdwnList
}

type mrkdwnList struct {
	ordered bool
	counter int
}

func (r *mrkdwnRenderer) linePrefix() string {
	return strings.Join(r.prefixStack, "")
}

func (r *mrkdwnRenderer) pushPrefix(prefix string) {
	r.prefixStack = append(r.prefixStack, prefix)
}

func (r *mrkdwnRenderer) popPrefix() {
	if len(r.prefixStack) > 0 {
		r.prefixStack = r.prefixStack[:len(r.prefixStack)-1]
	}
}

// flushBlock writes the accumulated inline content as one block,
// prefixing the first line with any pending bullet.
func (r *mrkdwnRenderer) flushBlock() {
	content := r.inline.String()
	r.inline.Reset()
	if content == "" {
		r.pendingBullet = ""
		return
	}
	for i, line := range strings.Split(content, "\n") {
		if i == 0 && r.pendingBullet != "" {
			r.output.WriteString(r.pendingBullet)
			r.pendingBullet = ""
		} else {
			r.output.WriteString(r.linePrefix())
		}
		r.output.WriteString(line)
		r.output.WriteString("\n")
	}
}

func (r *mrkdwnRenderer) blankLine() {
	out := r.output.String()
	if out != "" && !strings.HasSuffix(out, "\n\n") {
		r.output.WriteString("\n")
	}
}

func (r *mrkdwnRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {

	case ast.KindDocument:

	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			r.inline.Reset()
		} else {
			r.flushBlock()
			if len(r.listStack) == 0 {
				r.blankLine()
			}
		}

	case ast.KindHeading:
		if entering {
			r.inline.Reset()
		} else {
			// Slack has no headings; render as a bold line.
			content := r.inline.String()
			r.inline.Reset()
			if content != "" {
				r.inline.WriteString("*" + content + "*")
				r.flushBlock()
				r.blankLine()
			}
		}

	case ast.KindFencedCodeBlock:
		if entering {
			r.writeCodeBlock(node)
			return ast.WalkSkipChildren, nil
		}

	case ast.KindCodeBlock:
		if entering {
			r.writeCodeBlock(node)
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			r.pushPrefix("> ")
		} else {
			r.popPrefix()
			r.blankLine()
		}

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			start := 0
			if list.IsOrdered() {
				start = list.Start
			}
			if len(r.listStack) > 0 {
				r.pushPrefix("    ")
			}
			r.listStack = append(r.listStack, mrkdwnList{ordered: list.IsOrdered(), counter: start})
		} else {
			r.listStack = r.listStack[:len(r.listStack)-1]
			if len(r.listStack) > 0 {
				r.popPrefix()
			} else {
				r.blankLine()
			}
		}

	case ast.KindListItem:
		if entering && len(r.listStack) > 0 {
			top := &r.listStack[len(r.listStack)-1]
			bullet := "•  "
			if top.ordered {
				bullet = fmt.Sprintf("%d. ", top.counter)
				top.counter++
			}
			r.pendingBullet = r.linePrefix() + bullet
		}

	case ast.KindThematicBreak:
		if entering {
			r.output.WriteString(r.linePrefix() + "---\n")
			r.blankLine()
		}

	case ast.KindHTMLBlock:
		if entering {
			r.inline.WriteString(mrkdwnEscaper.Replace(stripTags(r.blockLines(node))))
			r.flushBlock()
			return ast.WalkSkipChildren, nil
		}

	// Inline nodes.
	case ast.KindText:
		if entering {
			textNode := node.(*ast.Text)
			r.inline.WriteString(mrkdwnEscaper.Replace(string(textNode.Segment.Value(r.source))))
			if textNode.SoftLineBreak() {
				r.inline.WriteString(" ")
			}
			if textNode.HardLineBreak() {
				r.inline.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			r.inline.WriteString(mrkdwnEscaper.Replace(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		if node.(*ast.Emphasis).Level >= 2 {
			r.inline.WriteString("*")
		} else {
			r.inline.WriteString("_")
		}

	case extast.KindStrikethrough:
		r.inline.WriteString("~")

	case ast.KindCodeSpan:
		if entering {
			r.inline.WriteString("`" + r.codeSpanText(node) + "`")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		if entering {
			link := node.(*ast.Link)
			r.writeLink(string(link.Destination), r.inlineText(node))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindAutoLink:
		if entering {
			autoLink := node.(*ast.AutoLink)
			r.writeLink(string(autoLink.URL(r.source)), "")
		}

	case ast.KindImage:
		if entering {
			image := node.(*ast.Image)
			r.writeLink(string(image.Destination), r.inlineText(node))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindRawHTML:
		if entering {
			raw := node.(*ast.RawHTML)
			var html strings.Builder
			for i := 0; i < raw.Segments.Len(); i++ {
				segment := raw.Segments.At(i)
				html.Write(segment.Value(r.source))
			}
			r.inline.WriteString(mrkdwnEscaper.Replace(stripTags(html.String())))
		}
	}

	return ast.WalkContinue, nil
}

func (r *mrkdwnRenderer) writeLink(url, label string) {
	if url == "" {
		r.inline.WriteString(label)
		return
	}
	if label == "" || label == url {
		r.inline.WriteString("<" + url + ">")
		return
	}
	r.inline.WriteString("<" + url + "|" + label + ">")
}

// blockLines joins the raw source lines of a block node.
func (r *mrkdwnRenderer) blockLines(node ast.Node) string {
	var content strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		content.Write(line.Value(r.source))
	}
	return content.String()
}

func (r *mrkdwnRenderer) writeCodeBlock(node ast.Node) {
	code := strings.TrimRight(r.blockLines(node), "\n")
	prefix := r.linePrefix()
	r.output.WriteString(prefix + "```\n")
	for _, line := range strings.Split(code, "\n") {
		r.output.WriteString(prefix + line + "\n")
	}
	r.output.WriteString(prefix + "```\n")
	r.blankLine()
}

func (r *mrkdwnRenderer) codeSpanText(node ast.Node) string {
	var code strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch typed := child.(type) {
		case *ast.Text:
			code.Write(typed.Segment.Value(r.source))
		case *ast.String:
			code.Write(typed.Value)
		}
	}
	return code.String()
}

// inlineText collects a node's descendant text, escaped, without any
// surrounding markup. Used for link labels and image alt text.
func (r *mrkdwnRenderer) inlineText(node ast.Node) string {
	var collected strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch typed := child.(type) {
		case *ast.Text:
			collected.WriteString(mrkdwnEscaper.Replace(string(typed.Segment.Value(r.source))))
		case *ast.String:
			collected.WriteString(mrkdwnEscaper.Replace(string(typed.Value)))
		default:
			collected.WriteString(r.inlineText(child))
		}
	}
	return collected.String()
}

func stripTags(html string) string {
	var result strings.Builder
	inTag := false
	for _, character := range html {
		switch {
		case character == '<':
			inTag = true
		case character == '>':
			inTag = false
		case !inTag:
			result.WriteRune(character)
		}
	}
	return strings.TrimSpace(result.String())
}
