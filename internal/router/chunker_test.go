package router

import (
	"strings"
	"testing"
)

func TestChunkHTMLShortPassesThrough(t *testing.T) {
	in := "<b>hello</b>"
	out := chunkHTML(in, 4096)
	if len(out) != 1 || out[0] != in {
		t.Fatalf("expected single unchanged chunk, got %#v", out)
	}
}

func TestChunkHTMLClosesAndReopensOpenTags(t *testing.T) {
	in := "<b>" + strings.Repeat("a", 20) + "</b>"
	out := chunkHTML(in, 10)
	if len(out) < 2 {
		t.Fatalf("expected multiple chunks, got %#v", out)
	}
	for i, c := range out {
		if i < len(out)-1 {
			if !strings.HasSuffix(c, "</b>") {
				t.Fatalf("chunk %d should close the open <b> tag, got %q", i, c)
			}
		}
		if i > 0 {
			if !strings.HasPrefix(c, "<b>") {
				t.Fatalf("chunk %d should reopen the <b> tag, got %q", i, c)
			}
		}
	}
}

func TestChunkHTMLHandlesNestedTags(t *testing.T) {
	in := "<b><i>" + strings.Repeat("x", 30) + "</i></b>"
	out := chunkHTML(in, 12)
	if len(out) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(out))
	}
	first := out[0]
	if !strings.HasSuffix(first, "</i></b>") {
		t.Fatalf("expected innermost-first closing order, got %q", first)
	}
	second := out[1]
	if !strings.HasPrefix(second, "<b><i>") {
		t.Fatalf("expected outermost-first reopening order, got %q", second)
	}
}
