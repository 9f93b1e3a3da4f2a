// Package pipeline owns per-turn event handling: it consumes classified
// assistant events, reconciles streamed text snapshots into segments,
// runs tool-safety checks before a tool is allowed to proceed, detects
// and forwards ask-user requests, and produces the turn's final result.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/conduit/internal/assistant"
	"github.com/anatolykoptev/conduit/internal/format"
	"github.com/anatolykoptev/conduit/internal/messaging"
	"github.com/anatolykoptev/conduit/internal/safety"
	"github.com/anatolykoptev/conduit/internal/streaming"
)

// SecurityError marks a turn as aborted because a tool invocation failed
// a safety check, as opposed to any other run failure.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string { return "pipeline security: " + e.Reason }

// Canceler cancels the subprocess a pipeline is driving. Satisfied by
// *assistant.Supervisor; kept as an interface so the pipeline can be
// tested without a real subprocess.
type Canceler interface {
	Cancel() error
}

// Deps bundles a pipeline's per-turn collaborators.
type Deps struct {
	ChatID       int64
	WorkingDir   string
	Messenger    messaging.Port
	Stream       *streaming.State
	Cancel       Canceler
	Paths        *safety.PathPolicy
	BlockedCmds  []string
	TempPaths    []string
	ButtonMaxLen int
	AskUserDir   string // well-known scan directory, default /tmp
}

// Output is the final result of a single turn.
type Output struct {
	Text           string
	WaitingForUser bool
	Usage          assistant.Usage
	HasUsage       bool
	SessionID      string
}

// Pipeline is per-turn state; construct one per call into the subprocess
// supervisor and discard it when the turn finishes.
type Pipeline struct {
	deps Deps

	currentSegmentID   int
	currentSegmentText string
	lastSnapshotText   string
	lastTextEmit       time.Time
	hasEmitted         bool
	responseParts      []string

	observedSessionID string
	finalResultText   string
	hasFinalResult     bool
	lastUsage          assistant.Usage
	hasUsage           bool

	askUserTriggered   bool
	askUserButtonsSent bool

	throttle time.Duration
}

// New creates a pipeline for a single turn.
func New(deps Deps, throttle time.Duration) *Pipeline {
	if deps.AskUserDir == "" {
		deps.AskUserDir = "/tmp"
	}
	return &Pipeline{deps: deps, throttle: throttle}
}

// HandleEvent processes one classified assistant event. An error return
// means the turn must stop (a safety violation); the caller should not
// call HandleEvent again after an error.
func (p *Pipeline) HandleEvent(ctx context.Context, ev assistant.Event) error {
	if sid, ok := ev.Raw["session_id"].(string); ok && sid != "" {
		p.observedSessionID = sid
	}

	switch ev.Kind {
	case assistant.EventResult:
		if text, ok := ev.Raw["result"].(string); ok {
			p.finalResultText = text
			p.hasFinalResult = true
		}
		if usage, ok := assistantParseUsage(ev.Raw); ok {
			p.lastUsage = usage
			p.hasUsage = true
		}
	case assistant.EventAssistant:
		return p.handleAssistant(ctx, ev.Raw)
	}
	return nil
}

// assistantParseUsage mirrors assistant.parseUsage (unexported there);
// duplicated at the package boundary rather than exported solely for this
// one call site.
func assistantParseUsage(raw map[string]any) (assistant.Usage, bool) {
	usageAny, ok := raw["usage"].(map[string]any)
	if !ok {
		return assistant.Usage{}, false
	}
	get := func(key string) uint64 {
		if v, ok := usageAny[key].(float64); ok && v >= 0 {
			return uint64(v)
		}
		return 0
	}
	return assistant.Usage{
		InputTokens:         get("input_tokens"),
		OutputTokens:        get("output_tokens"),
		CacheReadTokens:     get("cache_read_input_tokens"),
		CacheCreationTokens: get("cache_creation_input_tokens"),
	}, true
}

func (p *Pipeline) handleAssistant(ctx context.Context, raw map[string]any) error {
	message, _ := raw["message"].(map[string]any)
	if message == nil {
		return nil
	}
	content, _ := message["content"].([]any)
	if content == nil {
		return nil
	}

	if allText, snapshot := allTextBlocks(content); allText {
		p.handleTextSnapshot(ctx, snapshot)
		return nil
	}

	for _, blockAny := range content {
		block, _ := blockAny.(map[string]any)
		if block == nil {
			continue
		}
		switch block["type"] {
		case "thinking":
			text, _ := block["thinking"].(string)
			_ = p.deps.Stream.OnStatus(ctx, streaming.Thinking, text, 0)
		case "tool_use":
			if err := p.handleToolUse(ctx, block); err != nil {
				return err
			}
			if p.askUserTriggered {
				return nil
			}
		case "text":
			text, _ := block["text"].(string)
			p.appendTextDelta(ctx, text)
		}
	}
	return nil
}

// allTextBlocks reports whether every content block is a text block, and
// if so returns their concatenation as a single snapshot.
func allTextBlocks(content []any) (bool, string) {
	var sb strings.Builder
	for _, blockAny := range content {
		block, _ := blockAny.(map[string]any)
		if block == nil || block["type"] != "text" {
			return false, ""
		}
		text, _ := block["text"].(string)
		sb.WriteString(text)
	}
	return true, sb.String()
}

// handleTextSnapshot reconciles a new cumulative text snapshot against
// the last one seen. When the new snapshot extends the old one, only the
// delta is appended. Otherwise — a non-prefix-matching snapshot, which the
// assistant CLI can emit when it revises earlier text — the entire new
// snapshot is appended as if it were itself a delta (best-effort; segment
// state is never reset mid-turn), and last_snapshot_text is reset to the
// actually-rendered segment text so the next prefix-check is meaningful.
func (p *Pipeline) handleTextSnapshot(ctx context.Context, snapshot string) {
	if strings.HasPrefix(snapshot, p.lastSnapshotText) {
		delta := snapshot[len(p.lastSnapshotText):]
		if delta != "" {
			p.appendTextDelta(ctx, delta)
		}
		p.lastSnapshotText = snapshot
		return
	}

	if snapshot != "" {
		p.appendTextDelta(ctx, snapshot)
	}
	p.lastSnapshotText = p.currentSegmentText
}

func (p *Pipeline) appendTextDelta(ctx context.Context, text string) {
	p.responseParts = append(p.responseParts, text)
	p.currentSegmentText += text
	p.lastSnapshotText += text

	now := time.Now()
	shouldEmit := len(p.currentSegmentText) > 20 &&
		(!p.hasEmitted || now.Sub(p.lastTextEmit) > p.throttle)

	if shouldEmit {
		_ = p.deps.Stream.OnStatus(ctx, streaming.Text, p.currentSegmentText, p.currentSegmentID)
		p.lastTextEmit = now
		p.hasEmitted = true
	}
}

func (p *Pipeline) handleToolUse(ctx context.Context, block map[string]any) error {
	toolName, _ := block["name"].(string)
	if toolName == "" {
		toolName = "Tool"
	}
	input, _ := block["input"].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}

	if strings.EqualFold(toolName, "Bash") {
		cmd, _ := input["command"].(string)
		result := safety.CheckCommand(cmd, p.deps.BlockedCmds, p.deps.Paths)
		if !result.Allowed {
			_ = p.deps.Cancel.Cancel()
			msg := "BLOCKED: " + format.EscapeHTML(result.Reason)
			_ = p.deps.Stream.OnStatus(ctx, streaming.Tool, msg, 0)
			return &SecurityError{Reason: "unsafe command blocked: " + result.Reason}
		}
	}

	if isFileTool(toolName) {
		path, _ := input["file_path"].(string)
		if path != "" {
			exempt := strings.EqualFold(toolName, "Read") && p.isReadExempt(path)
			if !exempt && (p.deps.Paths == nil || !p.deps.Paths.IsPathAllowed(path)) {
				_ = p.deps.Cancel.Cancel()
				msg := "Access denied: " + format.EscapeHTML(path)
				_ = p.deps.Stream.OnStatus(ctx, streaming.Tool, msg, 0)
				return &SecurityError{Reason: "file access blocked: " + path}
			}
		}
	}

	if p.currentSegmentText != "" {
		_ = p.deps.Stream.OnStatus(ctx, streaming.SegmentEnd, p.currentSegmentText, p.currentSegmentID)
		p.currentSegmentID++
		p.currentSegmentText = ""
		p.lastSnapshotText = ""
		p.hasEmitted = false
	}

	if format.IsAskUserTool(toolName) {
		p.askUserTriggered = true
		time.Sleep(200 * time.Millisecond)
		for attempt := 0; attempt < 3; attempt++ {
			sent, err := CheckPendingAskUserRequests(ctx, p.deps.Messenger, p.deps.AskUserDir, p.deps.ChatID, p.deps.ButtonMaxLen)
			if err != nil {
				break
			}
			if sent {
				p.askUserButtonsSent = true
				break
			}
			if attempt < 2 {
				time.Sleep(100 * time.Millisecond)
			}
		}
		_ = p.deps.Cancel.Cancel()
		return nil
	}

	status := format.ToolStatusLine(toolInvocationFrom(toolName, input), p.deps.WorkingDir)
	_ = p.deps.Stream.OnStatus(ctx, streaming.Tool, status, 0)
	return nil
}

func toolInvocationFrom(name string, input map[string]any) format.ToolInvocation {
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}
	return format.ToolInvocation{
		Name:        name,
		Path:        str("file_path"),
		Description: str("description"),
		Command:     str("command"),
		Pattern:     str("pattern"),
		Query:       str("query"),
	}
}

func isFileTool(name string) bool {
	return strings.EqualFold(name, "Read") || strings.EqualFold(name, "Write") || strings.EqualFold(name, "Edit")
}

// isReadExempt allows Read to pass the path policy unconditionally for
// paths under .claude/ or a configured temp prefix, matching the
// project's own config/session scratch files that legitimately live
// outside the user's allowed directories.
func (p *Pipeline) isReadExempt(path string) bool {
	if strings.Contains(path, "/.claude/") {
		return true
	}
	for _, t := range p.deps.TempPaths {
		if strings.HasPrefix(path, t) {
			return true
		}
	}
	return false
}

// AskUserTriggered reports whether this turn invoked the ask-user tool.
// A consumer driving HandleEvent in a loop should stop feeding it further
// events once this is true, since the subprocess is being cancelled.
func (p *Pipeline) AskUserTriggered() bool {
	return p.askUserTriggered
}

// Finish concludes the turn: emits the final streaming status and builds
// the caller-visible Output.
func (p *Pipeline) Finish(ctx context.Context) Output {
	if p.askUserTriggered {
		_ = p.deps.Stream.OnStatus(ctx, streaming.Done, "", 0)
		text := "[Waiting for user selection (no request file found yet)]"
		if p.askUserButtonsSent {
			text = "[Waiting for user selection]"
		}
		return Output{
			Text:           text,
			WaitingForUser: true,
			Usage:          p.lastUsage,
			HasUsage:       p.hasUsage,
			SessionID:      p.observedSessionID,
		}
	}

	if p.currentSegmentText != "" {
		_ = p.deps.Stream.OnStatus(ctx, streaming.SegmentEnd, p.currentSegmentText, p.currentSegmentID)
	}
	_ = p.deps.Stream.OnStatus(ctx, streaming.Done, "", 0)

	text := strings.Join(p.responseParts, "")
	if text == "" {
		if p.hasFinalResult {
			text = p.finalResultText
		} else {
			text = "No response from Claude."
		}
	}

	return Output{
		Text:           text,
		WaitingForUser: false,
		Usage:          p.lastUsage,
		HasUsage:       p.hasUsage,
		SessionID:      p.observedSessionID,
	}
}

// askUserFile mirrors the request-file schema written by cmd/askuser-mcp.
type askUserFile struct {
	RequestID string   `json:"request_id"`
	ChatID    any      `json:"chat_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	Status    string   `json:"status"`
	CreatedAt string   `json:"created_at"`
}

// CheckPendingAskUserRequests scans dir for ask-user-*.json files, sends
// an inline keyboard for each pending one addressed to chatID, and
// rewrites it to status "sent". Returns true if at least one was sent.
func CheckPendingAskUserRequests(ctx context.Context, messenger messaging.Port, dir string, chatID int64, buttonMaxLen int) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, nil
	}

	anySent := false
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "ask-user-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)

		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var req askUserFile
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		if req.Status != "pending" {
			continue
		}
		if !chatIDMatches(req.ChatID, chatID) {
			continue
		}
		if req.RequestID == "" || len(req.Options) == 0 {
			continue
		}

		rows := oneButtonPerRow(req.RequestID, req.Options, buttonMaxLen)
		question := "❓ " + format.EscapeHTML(req.Question)
		if _, err := messenger.SendInlineKeyboard(ctx, chatID, question, rows); err != nil {
			continue
		}

		req.Status = "sent"
		if data, err := json.Marshal(req); err == nil {
			_ = os.WriteFile(path, data, 0o644)
		}
		anySent = true
	}
	return anySent, nil
}

func chatIDMatches(raw any, chatID int64) bool {
	switch v := raw.(type) {
	case float64:
		return int64(v) == chatID
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return err == nil && n == chatID
	default:
		return false
	}
}

func oneButtonPerRow(requestID string, options []string, maxLen int) [][]messaging.InlineButton {
	rows := make([][]messaging.InlineButton, 0, len(options))
	for i, opt := range options {
		label := opt
		if maxLen > 0 && len(label) > maxLen {
			label = label[:maxLen]
		}
		data := fmt.Sprintf("askuser:%s:%d", requestID, i)
		rows = append(rows, []messaging.InlineButton{{Label: label, Data: data}})
	}
	return rows
}
