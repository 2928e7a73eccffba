package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dotsetgreg/mingle/pkg/character"
	"github.com/dotsetgreg/mingle/pkg/config"
	"github.com/dotsetgreg/mingle/pkg/logger"
	"github.com/dotsetgreg/mingle/pkg/memory"
)

// OpenAI backs every collaborator contract (generation, moderation,
// opinion summarization, engagement selection) with one chat-completions
// client.
type OpenAI struct {
	client          openai.Client
	model           string
	moderationModel string
	char            *character.Character
}

func NewOpenAI(cfg config.OpenAIConfig, char *character.Character) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("providers.openai.api_key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	moderationModel := cfg.ModerationModel
	if moderationModel == "" {
		moderationModel = "omni-moderation-latest"
	}

	return &OpenAI{
		client:          openai.NewClient(opts...),
		model:           model,
		moderationModel: moderationModel,
		char:            char,
	}, nil
}

func (o *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (o *OpenAI) personaPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s: %s.\n\n", o.char.Name, o.char.Intro)
	if o.char.Lore != "" {
		fmt.Fprintf(&b, "Here's more about you:\n%s\n\n", o.char.Lore)
	}
	if o.char.Instructions != "" {
		fmt.Fprintf(&b, "Important instructions:\n%s\n\n", o.char.Instructions)
	}
	if len(o.char.Traits) > 0 {
		fmt.Fprintf(&b, "Your traits: %s.\n", strings.Join(o.char.Traits, ", "))
	}
	b.WriteString("You are an individual with your own personality and views, not an assistant. Keep replies short and in character.")
	return b.String()
}

func timeOfDay(now time.Time) string {
	switch h := now.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 21:
		return "evening"
	default:
		return "night"
	}
}

func (o *OpenAI) GeneratePost(ctx context.Context, req PostRequest) (string, []string, error) {
	tod := req.TimeOfDay
	if tod == "" {
		tod = timeOfDay(time.Now())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Write a single %s post for the %s. ", req.Platform, tod)
	topics := req.Topics
	if len(topics) == 0 {
		topics = o.char.Topics
	}
	if len(topics) > 0 {
		fmt.Fprintf(&b, "Possible topics: %s. ", strings.Join(topics, ", "))
	}
	b.WriteString("Output only the post text, no quotes, no hashtag spam.")

	content, err := o.complete(ctx, o.personaPrompt(), b.String())
	if err != nil {
		return "", nil, err
	}
	return content, nil, nil
}

func (o *OpenAI) GenerateResponse(ctx context.Context, req ResponseRequest) (string, error) {
	var b strings.Builder
	if req.Opinion != "" {
		fmt.Fprintf(&b, "Your current view of @%s: %s\n\n", req.Message.Author, req.Opinion)
	}
	if len(req.Conversation) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range req.Conversation {
			fmt.Fprintf(&b, "@%s: %s\n", m.Author, m.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Reply to this %s message from @%s:\n%s\n\n", req.Platform, req.Message.Author, req.Message.Content)
	if len(req.FilteringRules) > 0 {
		fmt.Fprintf(&b, "Only respond if the message passes these rules, otherwise output nothing: %s\n", strings.Join(req.FilteringRules, "; "))
	}
	b.WriteString("Output only the reply text, or nothing to skip.")

	return o.complete(ctx, o.personaPrompt(), b.String())
}

// Opine implements memory.Opiner: it folds the unprocessed window into a
// short rolling opinion about the counterpart.
func (o *OpenAI) Opine(ctx context.Context, characterName, previous string, entries []memory.HistoryEntry) (string, error) {
	var b strings.Builder
	if previous != "" {
		fmt.Fprintf(&b, "Your previous opinion of this user: %s\n\n", previous)
	}
	b.WriteString("Recent exchanges:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Role, e.Content)
	}
	b.WriteString("\nSummarize your opinion of this user in at most two sentences. Output only the opinion.")

	return o.complete(ctx, o.personaPrompt(), b.String())
}

func (o *OpenAI) Moderate(ctx context.Context, text string) (bool, error) {
	resp, err := o.client.Moderations.New(ctx, openai.ModerationNewParams{
		Model: openai.ModerationModel(o.moderationModel),
		Input: openai.ModerationNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return false, fmt.Errorf("moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return false, fmt.Errorf("moderation: empty results")
	}
	return resp.Results[0].Flagged, nil
}

func (o *OpenAI) SelectCandidate(ctx context.Context, platform string, candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You found these %s messages. Pick the single one most worth replying to.\n\n", platform)
	for _, c := range candidates {
		fmt.Fprintf(&b, "[%s] @%s: %s\n", c.ID, c.Author, c.Content)
	}
	b.WriteString("\nOutput only the id in brackets of your pick, or NONE.")

	answer, err := o.complete(ctx, o.personaPrompt(), b.String())
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if strings.Contains(answer, c.ID) {
			return c.ID, nil
		}
	}
	logger.DebugCF("providers", "Selection answer matched no candidate", map[string]any{
		"platform": platform,
		"answer":   answer,
	})
	return "", nil
}
