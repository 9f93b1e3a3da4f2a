// Command askuser-mcp is a standalone MCP stdio server exposing a single
// ask_user tool. The running assistant subprocess calls it to pose a
// question back to the chat it was launched from. The pipeline's ask-user
// reader posts the question as inline buttons, and the router delivers
// the option the user taps as the next message of the conversation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const rendezvousDir = "/tmp"

type askUserInput struct {
	Question string   `json:"question" jsonschema:"the question to ask the user"`
	Options  []string `json:"options,omitempty" jsonschema:"optional short reply choices shown as buttons"`
}

type textOutput struct {
	Text string `json:"text"`
}

// request is the rendezvous file schema: the pipeline's ask-user reader
// picks up files whose status is "pending" and rewrites them to "sent";
// the router marks a file "answered" once an option is tapped.
type request struct {
	RequestID string   `json:"request_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
	Status    string   `json:"status"`
	ChatID    int64    `json:"chat_id"`
	CreatedAt string   `json:"created_at"`
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "askuser-mcp",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: "ask_user",
		Description: `Ask the user a clarifying question and wait for their reply.
Writes a rendezvous request file and returns immediately with instructions
to stop and wait; the orchestrator delivers the user's answer on the next
turn once they respond.`,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input askUserInput) (*mcp.CallToolResult, textOutput, error) {
		chatID, err := chatIDFromEnv()
		if err != nil {
			return nil, textOutput{}, err
		}

		id := uuid.NewString()
		req := request{
			RequestID: id,
			Question:  input.Question,
			Options:   input.Options,
			Status:    "pending",
			ChatID:    chatID,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}

		if err := writeRequest(req); err != nil {
			return nil, textOutput{}, fmt.Errorf("ask_user: %w", err)
		}

		slog.Info("ask_user: request posted", slog.String("request_id", id), slog.Int64("chat_id", chatID))
		return nil, textOutput{
			Text: "Question sent to the user. Stop here and wait: their answer will be provided as the next message in this conversation.",
		}, nil
	})

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		slog.Error("askuser-mcp: stdio server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func chatIDFromEnv() (int64, error) {
	raw := os.Getenv("TELEGRAM_CHAT_ID")
	if raw == "" {
		return 0, fmt.Errorf("ask_user: TELEGRAM_CHAT_ID is not set in this process's environment")
	}
	var chatID int64
	if _, err := fmt.Sscanf(raw, "%d", &chatID); err != nil {
		return 0, fmt.Errorf("ask_user: invalid TELEGRAM_CHAT_ID %q: %w", raw, err)
	}
	return chatID, nil
}

func writeRequest(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	path := filepath.Join(rendezvousDir, fmt.Sprintf("ask-user-%s.json", req.RequestID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
