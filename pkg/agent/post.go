package agent

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/mingle/pkg/character"
	"github.com/dotsetgreg/mingle/pkg/logger"
	"github.com/dotsetgreg/mingle/pkg/memory"
	"github.com/dotsetgreg/mingle/pkg/platforms"
	"github.com/dotsetgreg/mingle/pkg/providers"
)

const nextPostTimeKey = "next_post_time"

// postPhase publishes a standalone post when the persisted cadence says
// it is due. A failed publish leaves next_post_time untouched so the
// post is retried next cycle instead of waiting a full frequency window.
func (c *Coordinator) postPhase(ctx context.Context, p platforms.Platform, ps character.PlatformSettings) {
	if !ps.Post.Enabled {
		return
	}

	now := c.now()
	nextSec, _ := c.platformSetting(ctx, p.Name(), nextPostTimeKey)
	next := time.Unix(int64(nextSec), 0).UTC()
	if !now.After(next) {
		logger.DebugCF("agent", "Post phase not due", map[string]any{
			"platform": p.Name(),
			"next":     next.Format(time.RFC3339),
		})
		return
	}

	content, media, err := c.generator.GeneratePost(ctx, providers.PostRequest{Platform: p.Name()})
	if err != nil {
		logger.WarnCF("agent", "Post generation failed, skipping", map[string]any{
			"platform": p.Name(),
			"error":    err.Error(),
		})
		return
	}
	if content == "" && len(media) == 0 {
		logger.InfoCF("agent", "Post generation produced nothing, skipping", map[string]any{
			"platform": p.Name(),
		})
		return
	}

	id, err := p.Publish(ctx, content, media, "")
	if err != nil {
		logger.ErrorCF("agent", "Post publish failed", map[string]any{
			"platform": p.Name(),
			"kind":     failureKind(err),
			"error":    err.Error(),
		})
		return
	}

	if _, err := c.store.AddMessage(ctx, id, memory.Envelope{
		ConversationID: id,
		Platform:       p.Name(),
		Author:         c.char.Username(p.Name()),
		Content:        content,
		WenPosted:      now,
	}, memory.TypePost, "", c.char.Name); err != nil {
		logger.ErrorCF("agent", "Failed to persist post", map[string]any{
			"platform": p.Name(),
			"error":    err.Error(),
		})
	}

	newNext := c.nextPostTime(now, ps.Post)
	if err := c.setPlatformSetting(ctx, p.Name(), nextPostTimeKey, float64(newNext.Unix())); err != nil {
		logger.ErrorCF("agent", "Failed to persist next post time", map[string]any{
			"platform": p.Name(),
			"error":    err.Error(),
		})
	}

	logger.InfoCF("agent", "Posted", map[string]any{
		"platform":  p.Name(),
		"id":        id,
		"next_post": newNext.Format(time.RFC3339),
	})

	c.sleep(ctx, c.timings.SettleAfterPost)
}

// nextPostTime derives the next cadence point: the cron expression when
// configured, the frequency window otherwise.
func (c *Coordinator) nextPostTime(now time.Time, post character.PostSettings) time.Time {
	if post.Cron != "" {
		next, err := gronx.NextTickAfter(post.Cron, now, false)
		if err == nil {
			return next
		}
		logger.WarnCF("agent", "Invalid post cron, falling back to frequency", map[string]any{
			"cron":  post.Cron,
			"error": err.Error(),
		})
	}
	return now.Add(time.Duration(post.FrequencyHours * float64(time.Hour)))
}
