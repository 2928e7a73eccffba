package memory

import (
	"context"
	"time"

	"github.com/dotsetgreg/mingle/pkg/logger"
)

// Opiner summarizes a conversation window into a short opinion about the
// counterpart user. previous may be empty on first generation.
type Opiner interface {
	Opine(ctx context.Context, characterName, previous string, entries []HistoryEntry) (string, error)
}

// opinionFallback is stored when summarization fails before any opinion
// exists. It is replaced by the first successful generation.
const opinionFallback = "unable to form opinion"

// Engine maintains per-user social memory on top of the store. Safe for
// concurrent use across platform loops; all state lives in the store.
type Engine struct {
	store         *SQLiteStore
	characterName string
	// usernameFor maps a platform to the character's own handle there,
	// used to refuse building memory about oneself.
	usernameFor func(platform string) string
	opiner      Opiner
}

func NewEngine(store *SQLiteStore, characterName string, usernameFor func(platform string) string, opiner Opiner) *Engine {
	return &Engine{
		store:         store,
		characterName: characterName,
		usernameFor:   usernameFor,
		opiner:        opiner,
	}
}

// GetSocialMemory is a pure lookup; nil record means no relationship yet.
func (e *Engine) GetSocialMemory(ctx context.Context, userID, platform string) (*SocialMemory, error) {
	rec, ok, err := e.store.GetSocialMemory(ctx, e.characterName, userID, platform)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// UpdateMemory records one exchange with userID and refreshes the rolling
// window and opinion. Returns nil (no error) when userID is the character
// itself. Summarization failures never propagate; the previous opinion is
// kept and the interaction is still recorded.
func (e *Engine) UpdateMemory(ctx context.Context, userID, platform, messageID, content, role string) (*SocialMemory, error) {
	if userID == "" || userID == e.usernameFor(platform) {
		return nil, nil
	}

	rec, ok, err := e.store.GetSocialMemory(ctx, e.characterName, userID, platform)
	if err != nil {
		return nil, err
	}
	if !ok {
		rec, err = e.seedMemory(ctx, userID, platform, messageID)
		if err != nil {
			return nil, err
		}
	}

	rec.ConversationHistory = append(rec.ConversationHistory, HistoryEntry{
		MessageID: messageID,
		Role:      role,
		Content:   content,
	})
	if len(rec.ConversationHistory) > historyLimit {
		rec.ConversationHistory = rec.ConversationHistory[len(rec.ConversationHistory)-historyLimit:]
	}
	rec.InteractionCount++
	rec.LastInteraction = time.Now().UTC()

	unprocessed := unprocessedSuffix(rec.ConversationHistory, rec.LastProcessedMessageID)
	if rec.LastProcessedMessageID == "" || len(unprocessed) >= opinionRefreshThreshold {
		rec.Opinion = e.opine(ctx, rec.Opinion, unprocessed)
		rec.LastProcessedMessageID = messageID
	}

	if err := e.store.UpsertSocialMemory(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// seedMemory builds the initial record for a user, reconstructing
// alternating history from everything they previously said on the
// platform and this character's replies to it.
func (e *Engine) seedMemory(ctx context.Context, userID, platform, messageID string) (SocialMemory, error) {
	rec := SocialMemory{
		CharacterName: e.characterName,
		UserID:        userID,
		Platform:      platform,
	}

	theirs, err := e.store.GetMessages(ctx, MessageQuery{
		Platform:  platform,
		Author:    userID,
		SortBy:    "wen_posted",
		SortOrder: "asc",
	})
	if err != nil {
		return SocialMemory{}, err
	}
	if len(theirs) == 0 {
		// Brand new relationship. The caller appends the current entry;
		// mark it processed so the first opinion waits for real history.
		rec.LastProcessedMessageID = messageID
		return rec, nil
	}

	replies, err := e.store.GetMessages(ctx, MessageQuery{
		Platform:      platform,
		Author:        e.usernameFor(platform),
		Character:     e.characterName,
		HasResponseTo: true,
	})
	if err != nil {
		return SocialMemory{}, err
	}
	repliesTo := make(map[string][]Message)
	for _, r := range replies {
		repliesTo[r.ResponseTo] = append(repliesTo[r.ResponseTo], r)
	}

	for _, m := range theirs {
		if m.ID == messageID {
			// Current message is appended by the caller.
			continue
		}
		rec.ConversationHistory = append(rec.ConversationHistory, HistoryEntry{
			MessageID: m.ID,
			Role:      "user",
			Content:   m.Content,
		})
		for _, r := range repliesTo[m.ID] {
			rec.ConversationHistory = append(rec.ConversationHistory, HistoryEntry{
				MessageID: r.ID,
				Role:      "assistant",
				Content:   r.Content,
			})
		}
	}
	if len(rec.ConversationHistory) > historyLimit {
		rec.ConversationHistory = rec.ConversationHistory[len(rec.ConversationHistory)-historyLimit:]
	}

	if len(rec.ConversationHistory) > 0 {
		rec.Opinion = e.opine(ctx, "", rec.ConversationHistory)
	}
	// LastProcessedMessageID left empty so the first update after seeding
	// re-evaluates the opinion over the merged window.
	return rec, nil
}

func (e *Engine) opine(ctx context.Context, previous string, entries []HistoryEntry) string {
	if e.opiner == nil {
		return previous
	}
	opinion, err := e.opiner.Opine(ctx, e.characterName, previous, entries)
	if err != nil {
		logger.WarnCF("memory", "Opinion generation failed, keeping previous", map[string]any{
			"character": e.characterName,
			"error":     err.Error(),
		})
		if previous == "" {
			return opinionFallback
		}
		return previous
	}
	return opinion
}

func unprocessedSuffix(history []HistoryEntry, lastProcessed string) []HistoryEntry {
	if lastProcessed == "" {
		return history
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].MessageID == lastProcessed {
			return history[i+1:]
		}
	}
	return history
}
