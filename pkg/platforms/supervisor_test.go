package platforms

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dotsetgreg/mingle/pkg/bus"
)

func shortBackoff(t *testing.T) {
	t.Helper()
	old := subscribeBackoffBase
	subscribeBackoffBase = 10 * time.Millisecond
	t.Cleanup(func() { subscribeBackoffBase = old })
}

func TestRunSubscription_RecoversAfterConflicts(t *testing.T) {
	shortBackoff(t)
	mb := bus.NewMessageBus()
	defer mb.Close()
	p := NewHarnessPlatform("test", mb)
	p.ScriptSubscribeErrors(
		fmt.Errorf("poll: %w", ErrConflict),
		fmt.Errorf("poll: %w", ErrConflict),
	)

	// The third attempt blocks on ctx; release it shortly after.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := RunSubscription(ctx, p); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if p.Resets() != 0 {
		t.Fatalf("expected no destructive reset, got %d", p.Resets())
	}
}

func TestRunSubscription_ResetsAsLastResort(t *testing.T) {
	shortBackoff(t)
	mb := bus.NewMessageBus()
	defer mb.Close()
	p := NewHarnessPlatform("test", mb)
	p.ScriptSubscribeErrors(
		fmt.Errorf("poll: %w", ErrConflict),
		fmt.Errorf("poll: %w", ErrConflict),
		fmt.Errorf("poll: %w", ErrConflict),
	)

	// The post-reset attempt blocks on ctx; release it shortly after.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := RunSubscription(ctx, p); err != nil {
		t.Fatalf("expected recovery after reset, got %v", err)
	}
	if p.Resets() != 1 {
		t.Fatalf("expected exactly one destructive reset, got %d", p.Resets())
	}
}

func TestRunSubscription_FatalWhenResetDoesNotHelp(t *testing.T) {
	shortBackoff(t)
	mb := bus.NewMessageBus()
	defer mb.Close()
	p := NewHarnessPlatform("test", mb)
	p.ScriptSubscribeErrors(
		fmt.Errorf("poll: %w", ErrConflict),
		fmt.Errorf("poll: %w", ErrConflict),
		fmt.Errorf("poll: %w", ErrConflict),
		fmt.Errorf("poll: %w", ErrConflict),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := RunSubscription(ctx, p)
	if err == nil {
		t.Fatalf("expected fatal error after exhausted recovery")
	}
	if p.Resets() != 1 {
		t.Fatalf("expected exactly one destructive reset, got %d", p.Resets())
	}
}

func TestRunSubscription_CanceledContextIsClean(t *testing.T) {
	shortBackoff(t)
	mb := bus.NewMessageBus()
	defer mb.Close()
	p := NewHarnessPlatform("test", mb)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := RunSubscription(ctx, p); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
