// Package format converts assistant-produced markdown into the constrained
// HTML subset the messaging port accepts, and renders tool-invocation status
// lines shown while a turn streams.
package format

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	reHeading     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reBlockquote  = regexp.MustCompile(`(?m)(^&gt;[ \t]?.*$\n?)+`)
	reLink        = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reBoldStar    = regexp.MustCompile(`\*\*\*(.+?)\*\*\*`)
	reBold        = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnder   = regexp.MustCompile(`__(.+?)__`)
	reItalicStar  = regexp.MustCompile(`\*([^*\n]+)\*`)
	reItalicUnder = regexp.MustCompile(`_([^_\n]+)_`)
	reListItem    = regexp.MustCompile(`(?m)^[-*]\s+`)
	reHRule       = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	reCodeBlock   = regexp.MustCompile("```([\\w]*)\\n?([\\s\\S]*?)```")
	reInlineCode  = regexp.MustCompile("`([^`]+)`")
)

// MarkdownToHTML converts text to the chat surface's constrained HTML
// subset: <b> <i> <a> <code> <pre> <blockquote>. Fenced code blocks and
// inline code spans are extracted before any other transformation runs, so
// markdown punctuation inside them is never rewritten, then HTML-escaped
// and restored last.
func MarkdownToHTML(text string) string {
	if text == "" {
		return ""
	}

	blocks := extractCodeBlocks(text)
	text = blocks.text

	inline := extractInlineCode(text)
	text = inline.text

	text = EscapeHTML(text)

	text = reHeading.ReplaceAllString(text, "<b>$1</b>")
	text = convertBlockquotes(text)
	text = reHRule.ReplaceAllString(text, "———")
	text = reLink.ReplaceAllString(text, `<a href="$2">$1</a>`)

	text = reBoldStar.ReplaceAllString(text, "<b><i>$1</i></b>")
	text = reBold.ReplaceAllString(text, "<b>$1</b>")
	text = reBoldUnder.ReplaceAllString(text, "<b>$1</b>")

	text = reListItem.ReplaceAllString(text, "• ")

	text = reItalicStar.ReplaceAllString(text, "<i>$1</i>")
	text = reItalicUnder.ReplaceAllString(text, "<i>$1</i>")

	for i, code := range inline.codes {
		placeholder := fmt.Sprintf("\x00IC%d\x00", i)
		text = strings.ReplaceAll(text, placeholder, "<code>"+EscapeHTML(code)+"</code>")
	}

	// Restored as a bare <pre>, with no nested <code>: the original
	// implementation this was ported from drops the language tag rather
	// than exposing it as a class attribute.
	for i, code := range blocks.codes {
		placeholder := fmt.Sprintf("\x00CB%d\x00", i)
		text = strings.ReplaceAll(text, placeholder, "<pre>"+EscapeHTML(code)+"</pre>")
	}

	text = collapseBlankRuns(text)
	return text
}

// EscapeHTML escapes the four characters Telegram's HTML subset requires
// escaped outside of tags: &, <, >, and the double quote (needed because
// link hrefs are emitted as quoted attributes).
func EscapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	text = strings.ReplaceAll(text, `"`, "&quot;")
	return text
}

func convertBlockquotes(text string) string {
	return reBlockquote.ReplaceAllStringFunc(text, func(block string) string {
		lines := strings.Split(strings.TrimRight(block, "\n"), "\n")
		cleaned := make([]string, 0, len(lines))
		for _, line := range lines {
			line = strings.TrimPrefix(line, "&gt; ")
			line = strings.TrimPrefix(line, "&gt;")
			cleaned = append(cleaned, line)
		}
		return "<blockquote>" + strings.Join(cleaned, "\n") + "</blockquote>\n"
	})
}

// collapseBlankRuns folds three-or-more consecutive newlines down to two,
// since list/heading/blockquote conversion above can leave gaps.
func collapseBlankRuns(text string) string {
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return text
}

type codeBlockExtraction struct {
	text  string
	codes []string
}

func extractCodeBlocks(text string) codeBlockExtraction {
	var codes []string
	idx := 0
	text = reCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		match := reCodeBlock.FindStringSubmatch(m)
		code := m
		if len(match) >= 3 {
			code = match[2]
		}
		codes = append(codes, code)
		placeholder := fmt.Sprintf("\x00CB%d\x00", idx)
		idx++
		return placeholder
	})
	return codeBlockExtraction{text: text, codes: codes}
}

type inlineCodeExtraction struct {
	text  string
	codes []string
}

func extractInlineCode(text string) inlineCodeExtraction {
	var codes []string
	idx := 0
	text = reInlineCode.ReplaceAllStringFunc(text, func(m string) string {
		match := reInlineCode.FindStringSubmatch(m)
		code := m
		if len(match) >= 2 {
			code = match[1]
		}
		codes = append(codes, code)
		placeholder := fmt.Sprintf("\x00IC%d\x00", idx)
		idx++
		return placeholder
	})
	return inlineCodeExtraction{text: text, codes: codes}
}

// SplitMessage breaks text into chunks no longer than maxLen, preferring
// to split on the last newline within the limit so a line is never cut
// mid-sentence when avoidable.
func SplitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		chunk := text[:maxLen]
		splitAt := strings.LastIndex(chunk, "\n")
		if splitAt <= 0 {
			splitAt = maxLen
		}
		chunks = append(chunks, strings.TrimRight(text[:splitAt], "\n"))
		text = strings.TrimLeft(text[splitAt:], "\n")
	}
	return chunks
}
