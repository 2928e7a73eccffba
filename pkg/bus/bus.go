package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InboundMessage is one message observed on a push-based platform,
// normalized before it reaches the engagement loop.
type InboundMessage struct {
	Platform       string
	MessageID      string
	ConversationID string
	AuthorID       string
	Author         string
	Content        string
	ResponseTo     string
	Mention        bool
	ReplyToSelf    bool
	Posted         time.Time
	Media          []string
	Metadata       map[string]any
	Raw            string
}

// MessageBus carries inbound messages from platform subscriptions to the
// per-platform handler tasks. Publishing never blocks the gateway
// callback for long; overflow is counted and dropped.
type MessageBus struct {
	inbound chan InboundMessage
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

const publishTimeout = 100 * time.Millisecond

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound: make(chan InboundMessage, 100),
	}
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.inbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.inbound <- msg:
		case <-timer.C:
			mb.dropped.Add(1)
		}
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.Load()
}
