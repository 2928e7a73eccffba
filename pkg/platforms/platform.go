package platforms

import (
	"context"
	"errors"
	"time"
)

// Publish failure kinds. Adapters wrap platform responses into these so
// the engagement loop can pick the right recovery (cooldown, retry next
// cycle, supervisor reset).
var (
	// ErrForbidden: the platform refused the action (blocked, suspended,
	// missing permission). The loop applies a long cooldown.
	ErrForbidden = errors.New("platform forbidden")
	// ErrTransient: rate limit or server-side failure, safe to retry on
	// the next cycle.
	ErrTransient = errors.New("platform transient error")
	// ErrConflict: another consumer holds this platform's subscription
	// channel. Handled by the conflict supervisor.
	ErrConflict = errors.New("platform subscription conflict")
)

// Item is one platform message as returned by search or conversation
// fetch, normalized across adapters.
type Item struct {
	ID             string
	ConversationID string
	AuthorID       string
	Author         string
	Content        string
	ResponseTo     string
	CreatedAt      time.Time
	Raw            string
}

type SearchOptions struct {
	StartTime  time.Time
	EndTime    time.Time
	SinceID    string
	MaxResults int
}

// SearchResult carries matched items plus any referenced items the
// platform included (quoted/replied-to messages), so conversation roots
// can be persisted alongside their replies.
type SearchResult struct {
	Items           []Item
	ReferencedItems []Item
	NewestID        string
}

// Platform is the adapter every concrete integration implements. The
// engagement loop depends only on this interface.
type Platform interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool

	// Publish posts content, optionally as a reply, returning the
	// platform-native id of the created message.
	Publish(ctx context.Context, content string, media []string, inReplyTo string) (string, error)
	SearchRecent(ctx context.Context, query string, opts SearchOptions) (SearchResult, error)
	FetchConversation(ctx context.Context, conversationID string) ([]Item, error)
}

// Subscriber is implemented by push-based platforms. Subscribe connects
// and blocks, delivering messages to the bus, until ctx is canceled or
// the connection fails. The conflict supervisor layers retries on top.
type Subscriber interface {
	Subscribe(ctx context.Context) error
}

// Resettable platforms can destructively drop their pending-update
// buffer, the supervisor's last resort for an unrecoverable conflict.
type Resettable interface {
	ResetPending(ctx context.Context) error
}

// BasePlatform carries the name and running flag shared by adapters.
type BasePlatform struct {
	name    string
	running bool
}

func NewBasePlatform(name string) *BasePlatform {
	return &BasePlatform{name: name}
}

func (p *BasePlatform) Name() string {
	return p.name
}

func (p *BasePlatform) IsRunning() bool {
	return p.running
}

func (p *BasePlatform) setRunning(running bool) {
	p.running = running
}
