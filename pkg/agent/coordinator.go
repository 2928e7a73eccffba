package agent

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/mingle/pkg/bus"
	"github.com/dotsetgreg/mingle/pkg/character"
	"github.com/dotsetgreg/mingle/pkg/logger"
	"github.com/dotsetgreg/mingle/pkg/memory"
	"github.com/dotsetgreg/mingle/pkg/platforms"
	"github.com/dotsetgreg/mingle/pkg/providers"
)

// Timings are the pacing knobs of the engagement loop. Defaults mirror
// live operation; tests shrink them.
type Timings struct {
	SettleAfterPost   time.Duration
	InterReplyMin     time.Duration
	InterReplyMax     time.Duration
	ForbiddenCooldown time.Duration
	CycleSleepMin     time.Duration
	CycleSleepMax     time.Duration
	PushPostInterval  time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		SettleAfterPost:   30 * time.Second,
		InterReplyMin:     70 * time.Second,
		InterReplyMax:     90 * time.Second,
		ForbiddenCooldown: 10 * time.Minute,
		CycleSleepMin:     time.Minute,
		CycleSleepMax:     2 * time.Minute,
		PushPostInterval:  time.Minute,
	}
}

// conversationReplyCeiling caps the character's own replies within one
// conversation, an anti-loop guard against two bots talking forever.
const conversationReplyCeiling = 3

// Coordinator drives one independent engagement state machine per
// enabled platform: Post, Reply, Engage, Sleep. The store and the
// social memory engine are the only state shared across platform tasks.
type Coordinator struct {
	store   *memory.SQLiteStore
	engine  *memory.Engine
	char    *character.Character
	manager *platforms.Manager
	bus     *bus.MessageBus

	generator providers.Generator
	moderator providers.Moderator
	selector  providers.Selector

	timings Timings
	now     func() time.Time
	// ForceEngage runs the engage phase regardless of cadence and
	// configuration, for test runs.
	ForceEngage bool
}

func NewCoordinator(
	store *memory.SQLiteStore,
	engine *memory.Engine,
	char *character.Character,
	manager *platforms.Manager,
	messageBus *bus.MessageBus,
	generator providers.Generator,
	moderator providers.Moderator,
	selector providers.Selector,
) *Coordinator {
	return &Coordinator{
		store:     store,
		engine:    engine,
		char:      char,
		manager:   manager,
		bus:       messageBus,
		generator: generator,
		moderator: moderator,
		selector:  selector,
		timings:   DefaultTimings(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetTimings overrides the pacing knobs. Call before Run.
func (c *Coordinator) SetTimings(t Timings) {
	c.timings = t
}

// Run starts one task per registered platform and blocks until every
// task has observed the shutdown signal. A platform task only ever ends
// on shutdown; single-phase failures are logged and the loop continues.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range c.manager.Names() {
		p, ok := c.manager.Get(name)
		if !ok {
			continue
		}
		ps := c.char.Platform(name)
		if !ps.Enabled {
			logger.InfoCF("agent", "Platform disabled, skipping", map[string]any{"platform": name})
			continue
		}
		g.Go(func() error {
			c.runPlatform(ctx, p, ps)
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) runPlatform(ctx context.Context, p platforms.Platform, ps character.PlatformSettings) {
	logger.InfoCF("agent", "Platform task started", map[string]any{"platform": p.Name()})
	defer logger.InfoCF("agent", "Platform task stopped", map[string]any{"platform": p.Name()})

	if _, ok := p.(platforms.Subscriber); ok {
		c.runPushPlatform(ctx, p, ps)
		return
	}

	for ctx.Err() == nil {
		c.postPhase(ctx, p, ps)
		if ctx.Err() != nil {
			return
		}
		c.replyPhase(ctx, p, ps)
		if ctx.Err() != nil {
			return
		}
		c.engagePhase(ctx, p, ps)

		c.sleep(ctx, c.jitter(c.timings.CycleSleepMin, c.timings.CycleSleepMax))
	}
}

// sleep waits for d, returning early on shutdown.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Coordinator) jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// platformSetting reads one numeric value from the character's settings
// bag namespace for the platform.
func (c *Coordinator) platformSetting(ctx context.Context, platform, key string) (float64, bool) {
	bag, err := c.store.GetCharacterSettings(ctx, c.char.Name)
	if err != nil {
		logger.WarnCF("agent", "Failed to read character settings", map[string]any{
			"platform": platform,
			"error":    err.Error(),
		})
		return 0, false
	}
	ns, ok := bag[platform].(map[string]any)
	if !ok {
		return 0, false
	}
	val, ok := ns[key].(float64)
	return val, ok
}

// setPlatformSetting writes one value into the platform namespace,
// preserving the namespace's other keys.
func (c *Coordinator) setPlatformSetting(ctx context.Context, platform, key string, value any) error {
	bag, err := c.store.GetCharacterSettings(ctx, c.char.Name)
	if err != nil {
		return err
	}
	ns, _ := bag[platform].(map[string]any)
	if ns == nil {
		ns = map[string]any{}
	}
	ns[key] = value
	return c.store.UpdateCharacterSettings(ctx, c.char.Name, map[string]any{platform: ns})
}

// saveItem moderates and persists one discovered message. An empty
// messageType is inferred from the item. Moderation failures are
// fail-open: the item is stored unflagged and the error is logged.
func (c *Coordinator) saveItem(ctx context.Context, platform string, item platforms.Item, messageType string) (memory.Message, error) {
	flagged := false
	meta := map[string]any{}
	if c.moderator != nil {
		var err error
		flagged, err = c.moderator.Moderate(ctx, item.Content)
		if err != nil {
			flagged = false
			logger.WarnCF("agent", "Moderation failed, treating as unflagged", map[string]any{
				"platform":   platform,
				"message_id": item.ID,
				"error":      err.Error(),
			})
		} else {
			meta["moderation_flagged"] = flagged
		}
	}

	if messageType == "" {
		messageType = memory.TypePost
		if item.ResponseTo != "" {
			messageType = memory.TypeReply
		}
	}
	return c.store.AddMessage(ctx, item.ID, memory.Envelope{
		ConversationID: item.ConversationID,
		Platform:       platform,
		Author:         item.Author,
		Content:        item.Content,
		ResponseTo:     item.ResponseTo,
		WenPosted:      item.CreatedAt,
		Flagged:        flagged,
		Metadata:       meta,
	}, messageType, item.Raw, c.char.Name)
}

// maxID picks the larger of two platform message ids, numerically when
// both parse as integers, lexicographically otherwise.
func maxID(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		if nb > na {
			return b
		}
		return a
	}
	if b > a {
		return b
	}
	return a
}
