package agent

import (
	"context"
	"time"

	"github.com/dotsetgreg/mingle/pkg/character"
	"github.com/dotsetgreg/mingle/pkg/logger"
	"github.com/dotsetgreg/mingle/pkg/memory"
	"github.com/dotsetgreg/mingle/pkg/platforms"
	"github.com/dotsetgreg/mingle/pkg/providers"
)

// engagePhase searches configured topics and joins at most one foreign
// conversation per run. Cadence is derived from the newest stored
// message outside the character's own conversations, so discovered
// items that never got a response still count as a completed search.
func (c *Coordinator) engagePhase(ctx context.Context, p platforms.Platform, ps character.PlatformSettings) {
	if !ps.Engage.Enabled && !c.ForceEngage {
		return
	}
	if len(ps.Engage.SearchQueries) == 0 {
		logger.DebugCF("agent", "No search queries configured", map[string]any{"platform": p.Name()})
		return
	}
	username := c.char.Username(p.Name())
	now := c.now()
	freq := time.Duration(ps.Engage.SearchFrequencyHours * float64(time.Hour))

	if !c.ForceEngage {
		// Scoped by character so another character's discoveries in a
		// shared store cannot postpone this one's cadence.
		latest, err := c.store.GetMessages(ctx, memory.MessageQuery{
			Platform:               p.Name(),
			Character:              c.char.Name,
			ExcludeConversationsOf: username,
			Limit:                  1,
		})
		if err != nil {
			logger.ErrorCF("agent", "Failed to read engagement cadence", map[string]any{
				"platform": p.Name(), "error": err.Error(),
			})
			return
		}
		if len(latest) > 0 && now.Sub(latest[0].WenPosted) < freq {
			logger.DebugCF("agent", "Engage phase not due", map[string]any{
				"platform": p.Name(),
				"last":     latest[0].WenPosted.Format(time.RFC3339),
			})
			return
		}
	}

	var candidates []memory.Message
	for _, query := range ps.Engage.SearchQueries {
		if ctx.Err() != nil {
			return
		}
		result, err := p.SearchRecent(ctx, query, platforms.SearchOptions{
			StartTime: now.Add(-freq),
		})
		if err != nil {
			logger.WarnCF("agent", "Topic search failed", map[string]any{
				"platform": p.Name(),
				"query":    query,
				"kind":     failureKind(err),
				"error":    err.Error(),
			})
			continue
		}
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
				logger.WarnCF("agent", "Failed to persist search result", map[string]any{
					"platform": p.Name(), "id": item.ID, "error": err.Error(),
				})
				continue
			}
			if saved.Flagged {
				continue
			}
			responded, err := c.alreadyResponded(ctx, saved.ID, username)
			if err != nil {
				logger.WarnCF("agent", "Failed to check prior response", map[string]any{
					"platform": p.Name(), "id": saved.ID, "error": err.Error(),
				})
				continue
			}
			if responded && excludeRespondedTo(ps) {
				continue
			}
			candidates = append(candidates, saved)
		}
	}
	if len(candidates) == 0 {
		logger.InfoCF("agent", "No engagement candidates found", map[string]any{"platform": p.Name()})
		return
	}

	provCandidates := make([]providers.Candidate, 0, len(candidates))
	byID := make(map[string]memory.Message, len(candidates))
	for _, cand := range candidates {
		provCandidates = append(provCandidates, providers.Candidate{
			ID:      cand.ID,
			Author:  cand.Author,
			Content: cand.Content,
		})
		byID[cand.ID] = cand
	}

	chosenID, err := c.selector.SelectCandidate(ctx, p.Name(), provCandidates)
	if err != nil {
		logger.WarnCF("agent", "Candidate selection failed", map[string]any{
			"platform": p.Name(), "error": err.Error(),
		})
		return
	}
	chosen, ok := byID[chosenID]
	if !ok {
		logger.InfoCF("agent", "Selector declined all candidates", map[string]any{
			"platform":   p.Name(),
			"candidates": len(provCandidates),
		})
		return
	}

	c.engageWith(ctx, p, chosen)
}

// engageWith generates and publishes one reply into a discovered
// conversation. The stored reply anchors a new conversation rooted at
// the chosen message so the cadence query sees it as the character's own.
func (c *Coordinator) engageWith(ctx context.Context, p platforms.Platform, chosen memory.Message) {
	username := c.char.Username(p.Name())

	if _, err := c.engine.UpdateMemory(ctx, chosen.Author, p.Name(), chosen.ID, chosen.Content, "user"); err != nil {
		logger.WarnCF("agent", "Failed to update social memory", map[string]any{
			"platform": p.Name(), "user": chosen.Author, "error": err.Error(),
		})
	}
	opinion := ""
	if rec, err := c.engine.GetSocialMemory(ctx, chosen.Author, p.Name()); err == nil && rec != nil {
		opinion = rec.Opinion
	}

	response, err := c.generator.GenerateResponse(ctx, providers.ResponseRequest{
		Platform:       p.Name(),
		Message:        chosen,
		Opinion:        opinion,
		FilteringRules: c.char.Platform(p.Name()).Responding.FilteringRules,
	})
	if err != nil || response == "" {
		reason := "empty response"
		if err != nil {
			reason = err.Error()
		}
		logger.InfoCF("agent", "No engagement response generated", map[string]any{
			"platform": p.Name(), "id": chosen.ID, "reason": reason,
		})
		return
	}

	id, err := p.Publish(ctx, response, nil, chosen.ID)
	if err != nil {
		logger.ErrorCF("agent", "Engagement publish failed", map[string]any{
			"platform": p.Name(),
			"id":       chosen.ID,
			"kind":     failureKind(err),
			"error":    err.Error(),
		})
		if failureKind(err) == "forbidden" {
			c.sleep(ctx, c.timings.ForbiddenCooldown)
		}
		return
	}

	if _, err := c.store.AddMessage(ctx, id, memory.Envelope{
		ConversationID: chosen.ID,
		Platform:       p.Name(),
		Author:         username,
		Content:        response,
		ResponseTo:     chosen.ID,
		WenPosted:      c.now(),
	}, memory.TypeReply, "", c.char.Name); err != nil {
		logger.ErrorCF("agent", "Failed to persist engagement reply", map[string]any{
			"platform": p.Name(), "id": id, "error": err.Error(),
		})
	}

	if _, err := c.engine.UpdateMemory(ctx, chosen.Author, p.Name(), id, response, "assistant"); err != nil {
		logger.WarnCF("agent", "Failed to record engagement in social memory", map[string]any{
			"platform": p.Name(), "user": chosen.Author, "error": err.Error(),
		})
	}

	logger.InfoCF("agent", "Engaged", map[string]any{
		"platform": p.Name(),
		"to":       chosen.ID,
		"id":       id,
	})
}

func (c *Coordinator) alreadyResponded(ctx context.Context, messageID, username string) (bool, error) {
	replies, err := c.store.GetMessages(ctx, memory.MessageQuery{
		ResponseTo: messageID,
		Author:     username,
		Limit:      1,
	})
	if err != nil {
		return false, err
	}
	return len(replies) > 0, nil
}

func excludeRespondedTo(ps character.PlatformSettings) bool {
	if ps.Engage.ExcludeRespondedTo == nil {
		return true
	}
	return *ps.Engage.ExcludeRespondedTo
}
