package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type countingOpiner struct {
	calls int
	fail  bool
}

func (o *countingOpiner) Opine(ctx context.Context, characterName, previous string, entries []HistoryEntry) (string, error) {
	o.calls++
	if o.fail {
		return "", errors.New("summarizer down")
	}
	return fmt.Sprintf("opinion-%d", o.calls), nil
}

func newTestEngine(t *testing.T, opiner Opiner) (*Engine, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	engine := NewEngine(store, "sia", func(platform string) string { return "sia_bot" }, opiner)
	return engine, store
}

func TestEngine_SelfMemoryExcluded(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, &countingOpiner{})

	rec, err := engine.UpdateMemory(ctx, "sia_bot", "twitter", "m1", "talking to myself", "user")
	if err != nil {
		t.Fatalf("update memory: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for self, got %#v", rec)
	}
	if n := countRows(t, store, `SELECT COUNT(*) FROM social_memory`); n != 0 {
		t.Fatalf("expected no social memory rows, got %d", n)
	}
}

func TestEngine_BoundedHistory(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, &countingOpiner{})

	var last *SocialMemory
	for i := 1; i <= 25; i++ {
		rec, err := engine.UpdateMemory(ctx, "alice", "twitter", fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i), "user")
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		last = rec
	}

	if len(last.ConversationHistory) != historyLimit {
		t.Fatalf("expected history length %d, got %d", historyLimit, len(last.ConversationHistory))
	}
	if last.ConversationHistory[0].MessageID != "m6" || last.ConversationHistory[19].MessageID != "m25" {
		t.Fatalf("expected window m6..m25, got %s..%s",
			last.ConversationHistory[0].MessageID, last.ConversationHistory[19].MessageID)
	}
	if last.InteractionCount != 25 {
		t.Fatalf("expected interaction count 25, got %d", last.InteractionCount)
	}
}

func TestEngine_OpinionRefreshCadence(t *testing.T) {
	ctx := context.Background()
	opiner := &countingOpiner{}
	engine, _ := newTestEngine(t, opiner)

	var recs []*SocialMemory
	for i := 1; i <= 21; i++ {
		rec, err := engine.UpdateMemory(ctx, "alice", "twitter", fmt.Sprintf("m%d", i), "hi", "user")
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		recs = append(recs, rec)
	}

	// First call seeds an empty relationship and marks itself processed,
	// so the first refresh lands once 10 unprocessed entries accumulate.
	if recs[0].Opinion != "" {
		t.Fatalf("expected no opinion after first call, got %q", recs[0].Opinion)
	}
	for i := 1; i < 10; i++ {
		if recs[i].Opinion != "" {
			t.Fatalf("opinion refreshed early at call %d: %q", i+1, recs[i].Opinion)
		}
	}
	if recs[10].Opinion != "opinion-1" {
		t.Fatalf("expected first refresh at call 11, got %q", recs[10].Opinion)
	}
	for i := 11; i < 20; i++ {
		if recs[i].Opinion != "opinion-1" {
			t.Fatalf("opinion changed before 10 new entries at call %d: %q", i+1, recs[i].Opinion)
		}
	}
	if recs[20].Opinion != "opinion-2" {
		t.Fatalf("expected second refresh at call 21, got %q", recs[20].Opinion)
	}
	if opiner.calls != 2 {
		t.Fatalf("expected 2 opinion generations, got %d", opiner.calls)
	}
}

func TestEngine_OpinionFailureKeepsLoopAlive(t *testing.T) {
	ctx := context.Background()
	opiner := &countingOpiner{fail: true}
	engine, _ := newTestEngine(t, opiner)

	var last *SocialMemory
	for i := 1; i <= 11; i++ {
		rec, err := engine.UpdateMemory(ctx, "alice", "twitter", fmt.Sprintf("m%d", i), "hi", "user")
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		last = rec
	}

	if last.Opinion != opinionFallback {
		t.Fatalf("expected fallback opinion, got %q", last.Opinion)
	}
	if last.InteractionCount != 11 {
		t.Fatalf("interaction still recorded despite summarizer failure, count %d", last.InteractionCount)
	}
}

func TestEngine_SeedReconstructsHistory(t *testing.T) {
	ctx := context.Background()
	opiner := &countingOpiner{}
	engine, store := newTestEngine(t, opiner)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("a%d", i)
		if _, err := store.AddMessage(ctx, id, Envelope{
			Platform: "twitter", Author: "alice", Content: fmt.Sprintf("alice %d", i),
			WenPosted: base.Add(time.Duration(i) * time.Minute),
		}, "", "", "sia"); err != nil {
			t.Fatalf("add alice message: %v", err)
		}
		if _, err := store.AddMessage(ctx, fmt.Sprintf("r%d", i), Envelope{
			ConversationID: id, Platform: "twitter", Author: "sia_bot",
			Content: fmt.Sprintf("reply %d", i), ResponseTo: id,
			WenPosted: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}, TypeReply, "", "sia"); err != nil {
			t.Fatalf("add reply: %v", err)
		}
	}

	rec, err := engine.UpdateMemory(ctx, "alice", "twitter", "a4", "alice 4", "user")
	if err != nil {
		t.Fatalf("update memory: %v", err)
	}

	// 3 user entries, 3 assistant replies, plus the current message.
	if len(rec.ConversationHistory) != 7 {
		t.Fatalf("expected 7 history entries, got %d", len(rec.ConversationHistory))
	}
	if rec.ConversationHistory[0].Role != "user" || rec.ConversationHistory[1].Role != "assistant" {
		t.Fatalf("expected alternating roles, got %#v", rec.ConversationHistory[:2])
	}
	if rec.ConversationHistory[6].MessageID != "a4" {
		t.Fatalf("expected current message last, got %s", rec.ConversationHistory[6].MessageID)
	}
	// One initial summarization over the reconstructed window, then the
	// forced re-evaluation because the seed leaves the watermark unset.
	if opiner.calls != 2 {
		t.Fatalf("expected 2 opinion generations on seed, got %d", opiner.calls)
	}
	if rec.LastProcessedMessageID != "a4" {
		t.Fatalf("expected watermark a4, got %q", rec.LastProcessedMessageID)
	}
}
