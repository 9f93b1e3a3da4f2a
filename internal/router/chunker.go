package router

import "strings"

// chunkHTML splits html into pieces of about maxLen bytes, tracking an
// open-tag stack so a chunk boundary that falls inside `<b>...</b>` (etc.)
// closes the open tags before the break and reopens them at the start of
// the next chunk. A piece is cut only once its text has reached maxLen
// bytes, a tag is never split, and the closing tags are appended after
// the cut, so a piece can be longer than maxLen. This differs from format.SplitMessage, which only finds
// a safe newline boundary and has no notion of HTML nesting: the
// router's command replies can be long pre-existing HTML (status dumps,
// help text) rather than incrementally-built streaming segments.
func chunkHTML(html string, maxLen int) []string {
	if maxLen <= 0 || len(html) <= maxLen {
		return []string{html}
	}

	var chunks []string
	var stack []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		var closing strings.Builder
		for i := len(stack) - 1; i >= 0; i-- {
			closing.WriteString("</" + stack[i] + ">")
		}
		chunks = append(chunks, cur.String()+closing.String())
		cur.Reset()
		for _, tag := range stack {
			cur.WriteString("<" + tag + ">")
		}
	}

	i := 0
	for i < len(html) {
		if cur.Len() >= maxLen {
			flush()
		}

		if html[i] == '<' {
			end := strings.IndexByte(html[i:], '>')
			if end == -1 {
				cur.WriteString(html[i:])
				break
			}
			tag := html[i : i+end+1]
			cur.WriteString(tag)
			i += end + 1

			inner := strings.Trim(tag, "<>")
			switch {
			case strings.HasPrefix(inner, "/"):
				name := inner[1:]
				for j := len(stack) - 1; j >= 0; j-- {
					if stack[j] == name {
						stack = append(stack[:j], stack[j+1:]...)
						break
					}
				}
			case strings.HasSuffix(inner, "/"):
				// self-closing, nothing to track
			default:
				name, _, _ := strings.Cut(inner, " ")
				stack = append(stack, name)
			}
			continue
		}

		cur.WriteByte(html[i])
		i++
	}
	flush()

	return chunks
}
