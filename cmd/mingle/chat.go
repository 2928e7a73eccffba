package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/mingle/pkg/logger"
	"github.com/dotsetgreg/mingle/pkg/memory"
	"github.com/dotsetgreg/mingle/pkg/providers"
)

func newChatCommand() *cobra.Command {
	var (
		user  string
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the character locally, no platform required",
		Long: strings.TrimSpace(`Open a local conversation with the character. Messages go
through the same store and social memory as live platforms, so the
character remembers you across sessions.`),
		Example: strings.Join([]string{
			"  mingle chat",
			"  mingle chat --user alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return chatCmd(user, debug)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "you", "Name to chat under")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

const chatPlatform = "chat"

func chatCmd(user string, debug bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg.Agent.LogLevel, debug)
	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
		return fmt.Errorf("providers.openai.api_key is required in %s or MINGLE_PROVIDERS_OPENAI_API_KEY", getConfigPath())
	}

	char, store, provider, engine, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	conversationID := "chat-" + user
	fmt.Printf("Chatting with %s (exit or Ctrl+C to quit)\n\n", char.Name)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", user),
		HistoryFile:     filepath.Join(os.TempDir(), ".mingle_chat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer func() { _ = rl.Close() }()

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		reply, err := chatTurn(ctx, store, engine, provider, char.Name, char.Username(chatPlatform), user, conversationID, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s: %s\n\n", char.Name, reply)
	}
}

// chatTurn runs one exchange through the same store and memory paths a
// live platform would use.
func chatTurn(
	ctx context.Context,
	store *memory.SQLiteStore,
	engine *memory.Engine,
	provider *providers.OpenAI,
	characterName, characterUser, user, conversationID, input string,
) (string, error) {
	inID := "chat-" + uuid.NewString()
	saved, err := store.AddMessage(ctx, inID, memory.Envelope{
		ConversationID: conversationID,
		Platform:       chatPlatform,
		Author:         user,
		Content:        input,
		WenPosted:      time.Now().UTC(),
	}, memory.TypeMessage, "", characterName)
	if err != nil {
		return "", fmt.Errorf("store message: %w", err)
	}
	if _, err := engine.UpdateMemory(ctx, user, chatPlatform, inID, input, "user"); err != nil {
		logger.WarnCF("chat", "Failed to update social memory", map[string]any{"error": err.Error()})
	}

	opinion := ""
	if rec, err := engine.GetSocialMemory(ctx, user, chatPlatform); err == nil && rec != nil {
		opinion = rec.Opinion
	}
	conversation, err := store.GetMessages(ctx, memory.MessageQuery{
		ConversationID: conversationID,
		SortBy:         "wen_posted",
		SortOrder:      "asc",
	})
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}

	reply, err := provider.GenerateResponse(ctx, providers.ResponseRequest{
		Platform:     chatPlatform,
		Message:      saved,
		Conversation: conversation,
		Opinion:      opinion,
	})
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	if reply == "" {
		return "", fmt.Errorf("the character had nothing to say")
	}

	outID := "chat-" + uuid.NewString()
	if _, err := store.AddMessage(ctx, outID, memory.Envelope{
		ConversationID: conversationID,
		Platform:       chatPlatform,
		Author:         characterUser,
		Content:        reply,
		ResponseTo:     inID,
		WenPosted:      time.Now().UTC(),
	}, memory.TypeReply, "", characterName); err != nil {
		return "", fmt.Errorf("store reply: %w", err)
	}
	if _, err := engine.UpdateMemory(ctx, user, chatPlatform, outID, reply, "assistant"); err != nil {
		logger.WarnCF("chat", "Failed to update social memory", map[string]any{"error": err.Error()})
	}
	return reply, nil
}
