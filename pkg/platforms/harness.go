package platforms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/mingle/pkg/bus"
)

// HarnessPlatform is an in-memory adapter for tests and the local chat
// console. Searches are scripted, publishes are recorded, and inbound
// messages can be injected onto the bus.
type HarnessPlatform struct {
	*BasePlatform
	mu            sync.Mutex
	searchResults map[string]SearchResult
	conversations map[string][]Item
	published     []PublishedMessage
	publishErr    error
	subscribeErrs []error
	resets        int
	nextID        int
	bus           *bus.MessageBus
}

type PublishedMessage struct {
	ID        string
	Content   string
	Media     []string
	InReplyTo string
}

func NewHarnessPlatform(name string, messageBus *bus.MessageBus) *HarnessPlatform {
	return &HarnessPlatform{
		BasePlatform:  NewBasePlatform(name),
		searchResults: map[string]SearchResult{},
		conversations: map[string][]Item{},
		bus:           messageBus,
	}
}

func (p *HarnessPlatform) Start(ctx context.Context) error {
	p.setRunning(true)
	return nil
}

func (p *HarnessPlatform) Stop(ctx context.Context) error {
	p.setRunning(false)
	return nil
}

func (p *HarnessPlatform) Publish(ctx context.Context, content string, media []string, inReplyTo string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return "", p.publishErr
	}
	p.nextID++
	id := fmt.Sprintf("%s-out-%d", p.Name(), p.nextID)
	p.published = append(p.published, PublishedMessage{
		ID:        id,
		Content:   content,
		Media:     media,
		InReplyTo: inReplyTo,
	})
	return id, nil
}

func (p *HarnessPlatform) SearchRecent(ctx context.Context, query string, opts SearchOptions) (SearchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := p.searchResults[query]
	if opts.SinceID != "" {
		var filtered []Item
		for _, item := range result.Items {
			if item.ID > opts.SinceID {
				filtered = append(filtered, item)
			}
		}
		result.Items = filtered
	}
	return result, nil
}

func (p *HarnessPlatform) FetchConversation(ctx context.Context, conversationID string) ([]Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversations[conversationID], nil
}

// Subscribe replays any scripted errors, then blocks until cancellation.
func (p *HarnessPlatform) Subscribe(ctx context.Context) error {
	p.mu.Lock()
	var err error
	if len(p.subscribeErrs) > 0 {
		err = p.subscribeErrs[0]
		p.subscribeErrs = p.subscribeErrs[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (p *HarnessPlatform) ResetPending(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

// Inject delivers an inbound message as if it arrived from the platform.
func (p *HarnessPlatform) Inject(msg bus.InboundMessage) {
	msg.Platform = p.Name()
	if msg.Posted.IsZero() {
		msg.Posted = time.Now().UTC()
	}
	p.bus.PublishInbound(msg)
}

func (p *HarnessPlatform) ScriptSearch(query string, result SearchResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searchResults[query] = result
}

func (p *HarnessPlatform) ScriptConversation(conversationID string, items []Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conversations[conversationID] = items
}

func (p *HarnessPlatform) ScriptPublishError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishErr = err
}

func (p *HarnessPlatform) ScriptSubscribeErrors(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErrs = append(p.subscribeErrs, errs...)
}

func (p *HarnessPlatform) Published() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedMessage, len(p.published))
	copy(out, p.published)
	return out
}

func (p *HarnessPlatform) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}
