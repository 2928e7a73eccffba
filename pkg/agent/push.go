package agent

import (
	"context"
	"sync"
	"time"

	"github.com/dotsetgreg/mingle/pkg/bus"
	"github.com/dotsetgreg/mingle/pkg/character"
	"github.com/dotsetgreg/mingle/pkg/logger"
	"github.com/dotsetgreg/mingle/pkg/memory"
	"github.com/dotsetgreg/mingle/pkg/platforms"
	"github.com/dotsetgreg/mingle/pkg/providers"
)

// runPushPlatform drives a platform that delivers messages over a
// gateway instead of being polled. Three sub-tasks run until shutdown:
// the supervised subscription, the inbound handler, and the periodic
// post ticker. Each failure is isolated to its own sub-task.
func (c *Coordinator) runPushPlatform(ctx context.Context, p platforms.Platform, ps character.PlatformSettings) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := platforms.RunSubscription(ctx, p); err != nil {
			logger.ErrorCF("agent", "Subscription terminated", map[string]any{
				"platform": p.Name(),
				"error":    err.Error(),
			})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, ok := c.bus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			if msg.Platform != p.Name() {
				logger.WarnCF("agent", "Discarding inbound message for unhandled platform", map[string]any{
					"platform": msg.Platform,
					"handler":  p.Name(),
					"id":       msg.MessageID,
				})
				continue
			}
			c.handleInbound(ctx, p, msg)
		}
	}()

	if ps.Post.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runPeriodicPost(ctx, p, ps)
		}()
	}

	wg.Wait()
}

// handleInbound persists one delivered message and replies when the
// character is addressed directly.
func (c *Coordinator) handleInbound(ctx context.Context, p platforms.Platform, msg bus.InboundMessage) {
	saved, err := c.saveItem(ctx, p.Name(), platforms.Item{
		ID:             msg.MessageID,
		ConversationID: msg.ConversationID,
		AuthorID:       msg.AuthorID,
		Author:         msg.Author,
		Content:        msg.Content,
		ResponseTo:     msg.ResponseTo,
		CreatedAt:      msg.Posted,
		Raw:            msg.Raw,
	}, memory.TypeMessage)
	if err != nil {
		logger.ErrorCF("agent", "Failed to persist inbound message", map[string]any{
			"platform": p.Name(), "id": msg.MessageID, "error": err.Error(),
		})
		return
	}

	if _, err := c.engine.UpdateMemory(ctx, msg.Author, p.Name(), msg.MessageID, msg.Content, "user"); err != nil {
		logger.WarnCF("agent", "Failed to update social memory", map[string]any{
			"platform": p.Name(), "user": msg.Author, "error": err.Error(),
		})
	}

	if !msg.Mention && !msg.ReplyToSelf {
		return
	}
	if saved.Flagged {
		logger.InfoCF("agent", "Skipping flagged inbound message", map[string]any{
			"platform": p.Name(), "id": msg.MessageID,
		})
		return
	}

	opinion := ""
	if rec, err := c.engine.GetSocialMemory(ctx, msg.Author, p.Name()); err == nil && rec != nil {
		opinion = rec.Opinion
	}
	conversation, err := c.store.GetMessages(ctx, memory.MessageQuery{
		ConversationID: saved.ConversationID,
		SortBy:         "wen_posted",
		SortOrder:      "asc",
	})
	if err != nil {
		logger.WarnCF("agent", "Failed to load conversation context", map[string]any{
			"platform": p.Name(), "conversation": saved.ConversationID, "error": err.Error(),
		})
	}

	response, err := c.generator.GenerateResponse(ctx, providers.ResponseRequest{
		Platform:       p.Name(),
		Message:        saved,
		Conversation:   conversation,
		Opinion:        opinion,
		FilteringRules: c.char.Platform(p.Name()).Responding.FilteringRules,
	})
	if err != nil || response == "" {
		reason := "empty response"
		if err != nil {
			reason = err.Error()
		}
		logger.InfoCF("agent", "No response generated for inbound message", map[string]any{
			"platform": p.Name(), "id": msg.MessageID, "reason": reason,
		})
		return
	}

	id, err := p.Publish(ctx, response, nil, msg.MessageID)
	if err != nil {
		logger.ErrorCF("agent", "Inbound reply publish failed", map[string]any{
			"platform": p.Name(),
			"id":       msg.MessageID,
			"kind":     failureKind(err),
			"error":    err.Error(),
		})
		return
	}

	if _, err := c.store.AddMessage(ctx, id, memory.Envelope{
		ConversationID: saved.ConversationID,
		Platform:       p.Name(),
		Author:         c.char.Username(p.Name()),
		Content:        response,
		ResponseTo:     msg.MessageID,
		WenPosted:      c.now(),
	}, memory.TypeReply, "", c.char.Name); err != nil {
		logger.ErrorCF("agent", "Failed to persist inbound reply", map[string]any{
			"platform": p.Name(), "id": id, "error": err.Error(),
		})
	}

	if _, err := c.engine.UpdateMemory(ctx, msg.Author, p.Name(), id, response, "assistant"); err != nil {
		logger.WarnCF("agent", "Failed to record reply in social memory", map[string]any{
			"platform": p.Name(), "user": msg.Author, "error": err.Error(),
		})
	}

	logger.InfoCF("agent", "Replied to inbound message", map[string]any{
		"platform": p.Name(),
		"to":       msg.MessageID,
		"id":       id,
	})
}

// runPeriodicPost checks every tick whether the latest stored post in
// the configured channel is older than the posting frequency, and
// publishes a fresh one when it is. With no prior post a post is due
// immediately.
func (c *Coordinator) runPeriodicPost(ctx context.Context, p platforms.Platform, ps character.PlatformSettings) {
	ticker := time.NewTicker(c.timings.PushPostInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := c.pushPostDue(ctx, p.Name(), ps)
		if err != nil {
			logger.ErrorCF("agent", "Failed to check post cadence", map[string]any{
				"platform": p.Name(), "error": err.Error(),
			})
			continue
		}
		if !due {
			continue
		}

		content, media, err := c.generator.GeneratePost(ctx, providers.PostRequest{Platform: p.Name()})
		if err != nil {
			logger.WarnCF("agent", "Post generation failed", map[string]any{
				"platform": p.Name(), "error": err.Error(),
			})
			continue
		}
		if content == "" && len(media) == 0 {
			continue
		}

		id, err := p.Publish(ctx, content, media, "")
		if err != nil {
			logger.ErrorCF("agent", "Post publish failed", map[string]any{
				"platform": p.Name(),
				"kind":     failureKind(err),
				"error":    err.Error(),
			})
			continue
		}

		if _, err := c.store.AddMessage(ctx, id, memory.Envelope{
			ConversationID: ps.ChatID,
			Platform:       p.Name(),
			Author:         c.char.Username(p.Name()),
			Content:        content,
			WenPosted:      c.now(),
		}, memory.TypePost, "", c.char.Name); err != nil {
			logger.ErrorCF("agent", "Failed to persist post", map[string]any{
				"platform": p.Name(), "id": id, "error": err.Error(),
			})
		}

		logger.InfoCF("agent", "Posted", map[string]any{"platform": p.Name(), "id": id})
	}
}

func (c *Coordinator) pushPostDue(ctx context.Context, platform string, ps character.PlatformSettings) (bool, error) {
	latest, err := c.store.GetMessages(ctx, memory.MessageQuery{
		Platform:       platform,
		Author:         c.char.Username(platform),
		IsPost:         true,
		ConversationID: ps.ChatID,
		Limit:          1,
	})
	if err != nil {
		return false, err
	}
	if len(latest) == 0 {
		return true, nil
	}
	freq := time.Duration(ps.Post.FrequencyHours * float64(time.Hour))
	return c.now().Sub(latest[0].WenPosted) >= freq, nil
}
