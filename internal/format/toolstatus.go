package format

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ImageExtensions are the file suffixes that make a Read invocation a
// "viewing" rather than a "reading" status.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}

// ToolInvocation is the subset of a tool_use event's fields the status
// renderer needs.
type ToolInvocation struct {
	Name        string
	Path        string
	Description string
	Command     string
	Pattern     string
	Query       string
}

// IsAskUserTool reports whether name is the ask-user tool in either of its
// two observed forms — neither renders a tool-status line, since the
// ask-user rendezvous path owns the chat message for that turn instead.
func IsAskUserTool(name string) bool {
	return strings.HasPrefix(name, "mcp__ask-user") || name == "AskUserQuestion"
}

// ToolStatusLine renders the one-line status shown in chat while a tool
// invocation is in flight. workingDir, when non-empty and a prefix of a
// path field, is stripped to shorten it.
func ToolStatusLine(inv ToolInvocation, workingDir string) string {
	switch inv.Name {
	case "Read":
		if isImagePath(inv.Path) {
			return "👀 Viewing"
		}
		return fmt.Sprintf("📖 Reading <code>%s</code>", shortPath(inv.Path, workingDir))
	case "Write":
		return fmt.Sprintf("✏️ Writing <code>%s</code>", shortPath(inv.Path, workingDir))
	case "Edit":
		return fmt.Sprintf("✏️ Editing <code>%s</code>", shortPath(inv.Path, workingDir))
	case "Bash":
		if inv.Description != "" {
			return "🔧 Running: " + inv.Description
		}
		return "🔧 Running: " + truncate(inv.Command, 50)
	case "Glob":
		return "🔍 Searching files: " + inv.Pattern
	case "Grep":
		return "🔍 Searching: " + inv.Pattern
	case "Task":
		return "🚀 Spawning agent: " + inv.Description
	case "WebSearch":
		return "🌐 Searching web: " + inv.Query
	case "TodoWrite":
		return "📝 Updating task list"
	default:
		return "🔧 " + inv.Name
	}
}

func isImagePath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range ImageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// shortPath strips workingDir as a prefix, mirroring the original's
// short-id path-shortening philosophy of not repeating context the user
// already has from the session's working directory.
func shortPath(path, workingDir string) string {
	if workingDir == "" || path == "" {
		return path
	}
	clean := filepath.Clean(path)
	prefix := filepath.Clean(workingDir) + string(filepath.Separator)
	if strings.HasPrefix(clean, prefix) {
		return strings.TrimPrefix(clean, prefix)
	}
	return path
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
