// Package config loads and validates the process-wide Configuration.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Configuration is immutable after Load returns. It backs every other
// package's safety, messaging, streaming, and scheduling decisions.
type Configuration struct {
	TelegramToken   string
	AllowedUsers    map[int64]bool
	WorkingDir      string
	AllowedPaths    []string
	TempPaths       []string
	BlockedPatterns []string

	QueryTimeout time.Duration

	MessageLimit int // hard Telegram protocol limit
	SafeLimit    int // conservative limit used during streaming edits

	StreamingThrottle    time.Duration
	ButtonLabelMaxLength int

	DefaultThinkingTokens int
	ThinkingKeywords      []string
	ThinkingDeepKeywords  []string

	DeleteThinkingMessages bool
	DeleteToolMessages     bool

	AuditLogPath string
	AuditLogJSON bool

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	MediaGroupTimeout time.Duration

	SessionFile   string
	RestartFile   string
	CronFile      string
	AskUserTmpDir string

	ClaudeBinary       string
	ClaudeAllowedTools string
	MCPConfigPath      string
	MCPPort            string

	TranscriptionEnabled bool
}

// Error is a Config-class failure: missing or invalid startup configuration.
// It is always fatal and never retried.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads .env (without overriding already-set variables), then the
// process environment, into a validated Configuration.
func Load() (Configuration, error) {
	loadDotenv(".env")

	cfg := Configuration{
		TelegramToken:          os.Getenv("TELEGRAM_BOT_TOKEN"),
		AllowedUsers:           parseIDSet(os.Getenv("TELEGRAM_ALLOWED_USERS")),
		WorkingDir:             envOr("CLAUDE_WORKING_DIR", mustCwd()),
		AllowedPaths:           splitCSV(os.Getenv("ALLOWED_PATHS")),
		TempPaths:              splitCSV(envOr("TEMP_DIR", os.TempDir())),
		BlockedPatterns:        defaultBlockedPatterns(),
		QueryTimeout:           envDuration("QUERY_TIMEOUT_MS", 180*time.Second),
		MessageLimit:           envInt("TELEGRAM_MESSAGE_LIMIT", 4096),
		SafeLimit:              envInt("TELEGRAM_SAFE_LIMIT", 4000),
		StreamingThrottle:      envDuration("STREAMING_THROTTLE_MS", 500*time.Millisecond),
		ButtonLabelMaxLength:   envInt("BUTTON_LABEL_MAX_LENGTH", 30),
		DefaultThinkingTokens:  clampInt(envInt("DEFAULT_THINKING_TOKENS", 4000), 0, 128000),
		ThinkingKeywords:       splitCSVOr(os.Getenv("THINKING_KEYWORDS"), []string{"think", "consider carefully"}),
		ThinkingDeepKeywords:   splitCSVOr(os.Getenv("THINKING_DEEP_KEYWORDS"), []string{"think hard", "think harder", "ultrathink"}),
		DeleteThinkingMessages: envBool("DELETE_THINKING_MESSAGES", false),
		DeleteToolMessages:     envBool("DELETE_TOOL_MESSAGES", true),
		AuditLogPath:           os.Getenv("AUDIT_LOG_PATH"),
		AuditLogJSON:           envBool("AUDIT_LOG_JSON", true),
		RateLimitEnabled:       envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests:      envInt("RATE_LIMIT_REQUESTS", 20),
		RateLimitWindow:        envDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		MediaGroupTimeout:      envDuration("MEDIA_GROUP_TIMEOUT_MS", time.Second),
		SessionFile:            envOr("SESSION_FILE", ".conduit-session.json"),
		RestartFile:            envOr("RESTART_FILE", ".conduit-restart.json"),
		CronFile:               envOr("CRON_FILE", "cron.yaml"),
		AskUserTmpDir:          envOr("ASK_USER_TMP_DIR", "/tmp"),
		ClaudeBinary:           envOr("CLAUDE_BINARY", "claude"),
		ClaudeAllowedTools:     os.Getenv("CLAUDE_ALLOWED_TOOLS"),
		MCPConfigPath:          os.Getenv("CLAUDE_MCP_CONFIG_PATH"),
		MCPPort:                os.Getenv("CONDUIT_MCP_PORT"),
		TranscriptionEnabled:   os.Getenv("TRANSCRIPTION_PROVIDER") != "",
	}

	if err := cfg.validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func (c Configuration) validate() error {
	if c.SafeLimit >= c.MessageLimit {
		return &Error{Field: "TELEGRAM_SAFE_LIMIT", Reason: "must be less than TELEGRAM_MESSAGE_LIMIT"}
	}
	if c.TelegramToken == "" {
		return &Error{Field: "TELEGRAM_BOT_TOKEN", Reason: "required"}
	}
	return nil
}

// defaultBlockedPatterns mirrors the original implementation's conservative
// command denylist: destructive filesystem ops, credential paths, and shell
// constructs that could smuggle arbitrary commands past a surface scan.
func defaultBlockedPatterns() []string {
	return []string{
		"rm -rf /", "mkfs", "dd if=", ":(){ :|:& };:",
		"/etc/shadow", "/etc/passwd", ".ssh/", ".gnupg/", ".aws/credentials",
		"> /dev/sda", "chmod -r 777 /",
	}
}

func mustCwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitCSVOr(s string, fallback []string) []string {
	if v := splitCSV(s); len(v) > 0 {
		return v
	}
	return fallback
}

func parseIDSet(csv string) map[int64]bool {
	out := make(map[int64]bool)
	for _, p := range splitCSV(csv) {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			out[id] = true
		}
	}
	return out
}

// loadDotenv loads KEY=VALUE pairs from path into the process environment,
// skipping keys already set. Values may be wrapped in a single layer of
// matching quotes, which is stripped.
func loadDotenv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		val = unquote(val)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

// IsAuthorized mirrors §4.A: a non-empty allowlist must contain the user id.
func (c Configuration) IsAuthorized(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return false
	}
	return c.AllowedUsers[userID]
}

// FirstAllowedUser returns the lowest allowlisted user id for routing cron
// notifications, or 0 if none are configured. The allowlist is kept as a
// set, so the order in which ids were configured is not preserved.
func (c Configuration) FirstAllowedUser() int64 {
	var first int64
	for id := range c.AllowedUsers {
		if first == 0 || id < first {
			first = id
		}
	}
	return first
}

// SaveIDFilePath returns the path to the context-save marker file.
func (c Configuration) SaveIDFilePath() string {
	return filepath.Join(c.WorkingDir, ".last-save-id")
}
