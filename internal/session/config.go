package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBinary            = "claude"
	defaultAllowedTools      = "mcp__*,Read,Edit,Write,Bash,Glob,Grep,WebFetch,WebSearch,Task"
	defaultQueryTimeout      = 10 * time.Minute
	defaultSafeLimit         = 3800
	defaultMessageLimit      = 4096
	defaultStreamingThrottle = 500 * time.Millisecond
	defaultButtonMaxLen      = 64
	defaultThinkingTokens    = 4_000
	deepThinkingTokens       = 50_000
	normalThinkingTokens     = 10_000
)

// Config holds the settings a session Orchestrator needs to launch and
// pace turns against the assistant CLI.
type Config struct {
	Binary        string
	WorkingDir    string
	AllowedTools  string
	MCPConfigPath string

	QueryTimeout      time.Duration
	SafeLimit         int
	MessageLimit      int
	StreamingThrottle time.Duration
	ButtonMaxLen      int

	DefaultThinkingTokens  int
	DeepThinkingKeywords   []string
	NormalThinkingKeywords []string

	DeleteThinkingMessages bool
	DeleteToolMessages     bool

	BlockedCommands []string
	AllowedPaths    []string
	TempPaths       []string

	PersistenceFilePath string
}

// ConfigFromEnv reads orchestrator configuration from the process
// environment, following the teacher's convention of DOZOR_-prefixed
// variables with sane built-in defaults.
func ConfigFromEnv() Config {
	binary := strings.TrimSpace(os.Getenv("DOZOR_CLAUDE_BINARY"))
	if binary == "" {
		binary = defaultBinary
	}

	allowedTools := os.Getenv("DOZOR_CLAUDE_ALLOWED_TOOLS")
	if allowedTools == "" {
		allowedTools = defaultAllowedTools
	}

	return Config{
		Binary:                 binary,
		WorkingDir:             os.Getenv("DOZOR_WORKING_DIR"),
		AllowedTools:           allowedTools,
		QueryTimeout:           durationFromEnvMillis("DOZOR_QUERY_TIMEOUT_MS", defaultQueryTimeout),
		SafeLimit:              intFromEnv("DOZOR_TELEGRAM_SAFE_LIMIT", defaultSafeLimit),
		MessageLimit:           intFromEnv("DOZOR_TELEGRAM_MESSAGE_LIMIT", defaultMessageLimit),
		StreamingThrottle:      durationFromEnvMillis("DOZOR_STREAMING_THROTTLE_MS", defaultStreamingThrottle),
		ButtonMaxLen:           intFromEnv("DOZOR_BUTTON_LABEL_MAX_LEN", defaultButtonMaxLen),
		DefaultThinkingTokens:  intFromEnv("DOZOR_DEFAULT_THINKING_TOKENS", defaultThinkingTokens),
		DeepThinkingKeywords:   csvFromEnv("DOZOR_DEEP_THINKING_KEYWORDS"),
		NormalThinkingKeywords: csvFromEnv("DOZOR_NORMAL_THINKING_KEYWORDS"),
		DeleteThinkingMessages: boolFromEnv("DOZOR_DELETE_THINKING_MESSAGES"),
		DeleteToolMessages:     boolFromEnv("DOZOR_DELETE_TOOL_MESSAGES"),
		BlockedCommands:        csvFromEnv("DOZOR_BLOCKED_COMMANDS"),
		AllowedPaths:           csvFromEnv("DOZOR_ALLOWED_PATHS"),
		TempPaths:              csvFromEnv("DOZOR_TEMP_PATHS"),
		PersistenceFilePath:    os.Getenv("DOZOR_SESSION_STATE_PATH"),
	}
}

// ThinkingBudgetFor selects the max-thinking-tokens hint for prompt,
// matching a deep-thinking keyword first, then a normal-thinking one,
// else the configured default.
func (c Config) ThinkingBudgetFor(prompt string) int {
	lower := strings.ToLower(prompt)
	for _, kw := range c.DeepThinkingKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return deepThinkingTokens
		}
	}
	for _, kw := range c.NormalThinkingKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return normalThinkingTokens
		}
	}
	return c.DefaultThinkingTokens
}

func intFromEnv(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func durationFromEnvMillis(key string, def time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func boolFromEnv(key string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return v
}

func csvFromEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
