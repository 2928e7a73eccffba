package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dotsetgreg/mingle/pkg/character"
	"github.com/dotsetgreg/mingle/pkg/logger"
	"github.com/dotsetgreg/mingle/pkg/memory"
	"github.com/dotsetgreg/mingle/pkg/platforms"
	"github.com/dotsetgreg/mingle/pkg/providers"
)

func failureKind(err error) string {
	switch {
	case errors.Is(err, platforms.ErrForbidden):
		return "forbidden"
	case errors.Is(err, platforms.ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}

// replyPhase answers new mentions under the hourly cap. Candidates are
// shuffled before the cap is applied so no conversation starves others.
func (c *Coordinator) replyPhase(ctx context.Context, p platforms.Platform, ps character.PlatformSettings) {
	if !ps.Responding.Enabled {
		return
	}
	username := c.char.Username(p.Name())

	sinceID, err := c.replyWatermark(ctx, p.Name(), username)
	if err != nil {
		logger.ErrorCF("agent", "Failed to compute reply watermark", map[string]any{
			"platform": p.Name(),
			"error":    err.Error(),
		})
		return
	}

	query := fmt.Sprintf("to:%s OR @%s", username, username)
	result, err := p.SearchRecent(ctx, query, platforms.SearchOptions{SinceID: sinceID})
	if err != nil {
		logger.WarnCF("agent", "Mention search failed, aborting phase", map[string]any{
			"platform": p.Name(),
			"kind":     failureKind(err),
			"error":    err.Error(),
		})
		return
	}

	var candidates []memory.Message
	for _, item := range result.ReferencedItems {
		if item.Author == username {
			continue
		}
		if _, err := c.saveItem(ctx, p.Name(), item, ""); err != nil {
			logger.WarnCF("agent", "Failed to persist referenced item", map[string]any{
				"platform": p.Name(), "id": item.ID, "error": err.Error(),
			})
		}
	}
	for _, item := range result.Items {
		if item.Author == username {
			continue
		}
		saved, err := c.saveItem(ctx, p.Name(), item, "")
		if err != nil {
			logger.WarnCF("agent", "Failed to persist mention", map[string]any{
				"platform": p.Name(), "id": item.ID, "error": err.Error(),
			})
			continue
		}
		candidates = append(candidates, saved)
	}
	if len(candidates) == 0 {
		logger.DebugCF("agent", "No new mentions", map[string]any{"platform": p.Name()})
		return
	}

	budget, err := c.replyBudget(ctx, p.Name(), username, ps.Responding.ResponsesPerHour)
	if err != nil {
		logger.ErrorCF("agent", "Failed to compute reply budget", map[string]any{
			"platform": p.Name(), "error": err.Error(),
		})
		return
	}
	if budget <= 0 {
		logger.InfoCF("agent", "Hourly reply cap reached, deferring mentions", map[string]any{
			"platform": p.Name(),
			"pending":  len(candidates),
		})
		return
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return
		}
		if budget <= 0 {
			logger.InfoCF("agent", "Hourly reply cap reached mid-phase", map[string]any{
				"platform": p.Name(),
			})
			return
		}
		if candidate.Flagged {
			logger.InfoCF("agent", "Skipping flagged mention", map[string]any{
				"platform": p.Name(), "id": candidate.ID,
			})
			continue
		}
		skip, err := c.conversationSaturated(ctx, candidate.ConversationID, username)
		if err != nil {
			logger.WarnCF("agent", "Failed to check conversation, skipping", map[string]any{
				"platform": p.Name(), "id": candidate.ID, "error": err.Error(),
			})
			continue
		}
		if skip {
			logger.InfoCF("agent", "Conversation reply ceiling reached, skipping", map[string]any{
				"platform":     p.Name(),
				"conversation": candidate.ConversationID,
			})
			continue
		}

		if !c.replyTo(ctx, p, candidate) {
			continue
		}
		budget--
		c.sleep(ctx, c.jitter(c.timings.InterReplyMin, c.timings.InterReplyMax))
	}
}

// replyTo generates, publishes, and persists one reply. Returns false
// when no reply was sent.
func (c *Coordinator) replyTo(ctx context.Context, p platforms.Platform, candidate memory.Message) bool {
	username := c.char.Username(p.Name())

	if _, err := c.engine.UpdateMemory(ctx, candidate.Author, p.Name(), candidate.ID, candidate.Content, "user"); err != nil {
		logger.WarnCF("agent", "Failed to update social memory", map[string]any{
			"platform": p.Name(), "user": candidate.Author, "error": err.Error(),
		})
	}

	opinion := ""
	if rec, err := c.engine.GetSocialMemory(ctx, candidate.Author, p.Name()); err == nil && rec != nil {
		opinion = rec.Opinion
	}
	conversation, err := c.store.GetMessages(ctx, memory.MessageQuery{
		ConversationID: candidate.ConversationID,
		SortBy:         "wen_posted",
		SortOrder:      "asc",
	})
	if err != nil {
		logger.WarnCF("agent", "Failed to load conversation context", map[string]any{
			"platform": p.Name(), "conversation": candidate.ConversationID, "error": err.Error(),
		})
	}

	response, err := c.generator.GenerateResponse(ctx, providers.ResponseRequest{
		Platform:       p.Name(),
		Message:        candidate,
		Conversation:   conversation,
		Opinion:        opinion,
		FilteringRules: c.char.Platform(p.Name()).Responding.FilteringRules,
	})
	if err != nil || response == "" {
		reason := "empty response"
		if err != nil {
			reason = err.Error()
		}
		logger.InfoCF("agent", "Skipping mention, no response generated", map[string]any{
			"platform": p.Name(), "id": candidate.ID, "reason": reason,
		})
		return false
	}

	id, err := p.Publish(ctx, response, nil, candidate.ID)
	if err != nil {
		logger.ErrorCF("agent", "Reply publish failed", map[string]any{
			"platform": p.Name(),
			"id":       candidate.ID,
			"kind":     failureKind(err),
			"error":    err.Error(),
		})
		if errors.Is(err, platforms.ErrForbidden) {
			logger.WarnCF("agent", "Publish forbidden, cooling down", map[string]any{
				"platform": p.Name(),
				"cooldown": c.timings.ForbiddenCooldown.String(),
			})
			c.sleep(ctx, c.timings.ForbiddenCooldown)
		}
		return false
	}

	if _, err := c.store.AddMessage(ctx, id, memory.Envelope{
		ConversationID: candidate.ConversationID,
		Platform:       p.Name(),
		Author:         username,
		Content:        response,
		ResponseTo:     candidate.ID,
		WenPosted:      c.now(),
	}, memory.TypeReply, "", c.char.Name); err != nil {
		logger.ErrorCF("agent", "Failed to persist reply", map[string]any{
			"platform": p.Name(), "id": id, "error": err.Error(),
		})
	}

	if _, err := c.engine.UpdateMemory(ctx, candidate.Author, p.Name(), id, response, "assistant"); err != nil {
		logger.WarnCF("agent", "Failed to record reply in social memory", map[string]any{
			"platform": p.Name(), "user": candidate.Author, "error": err.Error(),
		})
	}

	logger.InfoCF("agent", "Replied", map[string]any{
		"platform": p.Name(),
		"to":       candidate.ID,
		"id":       id,
	})
	return true
}

// replyWatermark is the highest foreign-authored message id this
// character has seen, used as since-id so already-seen mentions are not
// refetched. Scoped by character: in a shared store another character's
// observations must not advance this one's watermark.
func (c *Coordinator) replyWatermark(ctx context.Context, platform, username string) (string, error) {
	msgs, err := c.store.GetMessages(ctx, memory.MessageQuery{
		Platform:      platform,
		Character:     c.char.Name,
		ExcludeAuthor: username,
	})
	if err != nil {
		return "", err
	}
	watermark := ""
	for _, m := range msgs {
		watermark = maxID(watermark, m.ID)
	}
	return watermark, nil
}

// replyBudget counts replies sent in the trailing hour, sliding window
// anchored to now, and returns how many are still allowed.
func (c *Coordinator) replyBudget(ctx context.Context, platform, username string, perHour int) (int, error) {
	sent, err := c.store.GetMessages(ctx, memory.MessageQuery{
		Platform:      platform,
		Author:        username,
		HasResponseTo: true,
		FromTime:      c.now().Add(-time.Hour),
	})
	if err != nil {
		return 0, err
	}
	return perHour - len(sent), nil
}

func (c *Coordinator) conversationSaturated(ctx context.Context, conversationID, username string) (bool, error) {
	own, err := c.store.GetMessages(ctx, memory.MessageQuery{
		ConversationID: conversationID,
		Author:         username,
	})
	if err != nil {
		return false, err
	}
	return len(own) >= conversationReplyCeiling, nil
}
