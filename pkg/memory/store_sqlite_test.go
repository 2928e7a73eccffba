package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "mingle.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func countRows(t *testing.T, s *SQLiteStore, query string, args ...any) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestSQLiteStore_AddMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	env := Envelope{Platform: "twitter", Author: "alice", Content: "hello"}
	first, err := store.AddMessage(ctx, "t1", env, "", "", "sia")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if first.MessageType != TypePost {
		t.Fatalf("expected default message type %q, got %q", TypePost, first.MessageType)
	}
	if first.ConversationID != "t1" {
		t.Fatalf("expected root conversation id t1, got %q", first.ConversationID)
	}

	second, err := store.AddMessage(ctx, "t1", env, "", "", "sia")
	if err != nil {
		t.Fatalf("re-add message: %v", err)
	}
	if second.ID != first.ID || second.Content != first.Content {
		t.Fatalf("re-add returned different message: %#v", second)
	}

	if n := countRows(t, store, `SELECT COUNT(*) FROM messages`); n != 1 {
		t.Fatalf("expected 1 message row, got %d", n)
	}
	if n := countRows(t, store, `SELECT COUNT(*) FROM message_characters`); n != 1 {
		t.Fatalf("expected 1 association row, got %d", n)
	}
}

func TestSQLiteStore_AddMessageSecondCharacterOnlyAssociates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	posted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := Envelope{Platform: "twitter", Author: "alice", Content: "hello", WenPosted: posted}
	if _, err := store.AddMessage(ctx, "t1", env, "", "", "sia"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := store.AddMessage(ctx, "t1", env, "", "", "nyx"); err != nil {
		t.Fatalf("add message second character: %v", err)
	}

	if n := countRows(t, store, `SELECT COUNT(*) FROM messages`); n != 1 {
		t.Fatalf("expected 1 message row, got %d", n)
	}
	if n := countRows(t, store, `SELECT COUNT(*) FROM message_characters`); n != 2 {
		t.Fatalf("expected 2 association rows, got %d", n)
	}

	// Backfilled association keeps the original wen_posted.
	var createdMS int64
	if err := store.db.QueryRow(`SELECT created_at_ms FROM message_characters WHERE character_name = 'nyx'`).Scan(&createdMS); err != nil {
		t.Fatalf("read association: %v", err)
	}
	if createdMS != posted.UnixMilli() {
		t.Fatalf("expected association created_at %d, got %d", posted.UnixMilli(), createdMS)
	}
}

func TestSQLiteStore_ConversationScenario(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.AddMessage(ctx, "t1", Envelope{
		Platform: "twitter", Author: "alice", Content: "root", WenPosted: base,
	}, "", "", "sia"); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if _, err := store.AddMessage(ctx, "t2", Envelope{
		ConversationID: "t1", Platform: "twitter", Author: "bob",
		Content: "reply", ResponseTo: "t1", WenPosted: base.Add(time.Minute),
	}, TypeReply, "", "sia"); err != nil {
		t.Fatalf("add reply: %v", err)
	}

	ids, err := store.GetConversationIDs(ctx)
	if err != nil {
		t.Fatalf("get conversation ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("expected conversation ids [t1], got %v", ids)
	}

	msgs, err := store.GetMessages(ctx, MessageQuery{
		ConversationID: "t1", SortBy: "wen_posted", SortOrder: "asc",
	})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "t1" || msgs[1].ID != "t2" {
		t.Fatalf("expected [t1 t2], got %#v", msgs)
	}
}

func TestSQLiteStore_GetMessagesFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	add := func(id, author, responseTo, msgType string, flagged bool, offset time.Duration) {
		t.Helper()
		convID := id
		if responseTo != "" {
			convID = responseTo
		}
		if _, err := store.AddMessage(ctx, id, Envelope{
			ConversationID: convID, Platform: "twitter", Author: author,
			Content: id, ResponseTo: responseTo, Flagged: flagged,
			WenPosted: base.Add(offset),
		}, msgType, "", "sia"); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	add("p1", "sia_bot", "", TypePost, false, 0)
	add("p2", "alice", "", TypePost, false, time.Minute)
	add("r1", "bob", "p1", TypeReply, false, 2*time.Minute)
	add("r2", "carol", "p2", TypeReply, true, 3*time.Minute)

	flagged := true
	got, err := store.GetMessages(ctx, MessageQuery{Flagged: &flagged})
	if err != nil {
		t.Fatalf("flagged query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("expected flagged [r2], got %#v", got)
	}

	got, err = store.GetMessages(ctx, MessageQuery{HasResponseTo: true, SortOrder: "asc", SortBy: "id"})
	if err != nil {
		t.Fatalf("has response query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r1" || got[1].ID != "r2" {
		t.Fatalf("expected replies [r1 r2], got %#v", got)
	}

	got, err = store.GetMessages(ctx, MessageQuery{IsPost: true, ExcludeAuthor: "sia_bot"})
	if err != nil {
		t.Fatalf("post query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p2" {
		t.Fatalf("expected posts [p2], got %#v", got)
	}

	got, err = store.GetMessages(ctx, MessageQuery{ExcludeConversationsOf: "sia_bot"})
	if err != nil {
		t.Fatalf("exclude own conversations query: %v", err)
	}
	for _, m := range got {
		if m.ConversationID == "p1" {
			t.Fatalf("message %s belongs to a self-rooted conversation", m.ID)
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages outside own conversations, got %d", len(got))
	}

	got, err = store.GetMessages(ctx, MessageQuery{FromTime: base.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("from time query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages from cutoff, got %d", len(got))
	}
}

func TestSQLiteStore_ClearMessagesScopedToCharacter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	shared := Envelope{Platform: "twitter", Author: "alice", Content: "shared"}
	if _, err := store.AddMessage(ctx, "m1", shared, "", "", "sia"); err != nil {
		t.Fatalf("add shared: %v", err)
	}
	if _, err := store.AddMessage(ctx, "m1", shared, "", "", "nyx"); err != nil {
		t.Fatalf("associate shared: %v", err)
	}
	if _, err := store.AddMessage(ctx, "m2", Envelope{Platform: "twitter", Author: "bob", Content: "solo"}, "", "", "sia"); err != nil {
		t.Fatalf("add solo: %v", err)
	}

	if err := store.ClearMessages(ctx, "sia"); err != nil {
		t.Fatalf("clear messages: %v", err)
	}

	if n := countRows(t, store, `SELECT COUNT(*) FROM messages`); n != 1 {
		t.Fatalf("expected shared message to survive, got %d rows", n)
	}
	if n := countRows(t, store, `SELECT COUNT(*) FROM message_characters WHERE character_name = 'sia'`); n != 0 {
		t.Fatalf("expected sia associations gone, got %d", n)
	}
	if n := countRows(t, store, `SELECT COUNT(*) FROM message_characters WHERE character_name = 'nyx'`); n != 1 {
		t.Fatalf("expected nyx association kept, got %d", n)
	}
}

func TestSQLiteStore_CharacterSettingsMerge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	bag, err := store.GetCharacterSettings(ctx, "sia")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if len(bag) != 0 {
		t.Fatalf("expected empty bag on first read, got %#v", bag)
	}

	if err := store.UpdateCharacterSettings(ctx, "sia", map[string]any{
		"twitter": map[string]any{"next_post_time": float64(1000)},
	}); err != nil {
		t.Fatalf("update twitter namespace: %v", err)
	}
	if err := store.UpdateCharacterSettings(ctx, "sia", map[string]any{
		"discord": map[string]any{"next_post_time": float64(2000)},
	}); err != nil {
		t.Fatalf("update discord namespace: %v", err)
	}

	bag, err = store.GetCharacterSettings(ctx, "sia")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	tw, ok := bag["twitter"].(map[string]any)
	if !ok || tw["next_post_time"] != float64(1000) {
		t.Fatalf("twitter namespace lost on unrelated update: %#v", bag)
	}
	dc, ok := bag["discord"].(map[string]any)
	if !ok || dc["next_post_time"] != float64(2000) {
		t.Fatalf("discord namespace missing: %#v", bag)
	}
}

func TestGetMessagePresence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetMessage(ctx, "unknown"); err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	} else if ok {
		t.Fatal("expected absence for unknown id")
	}

	if _, err := store.AddMessage(ctx, "m1", Envelope{
		Platform:  "test",
		Author:    "alice",
		Content:   "hello",
		WenPosted: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}, TypePost, "", "Sia"); err != nil {
		t.Fatalf("add message: %v", err)
	}

	msg, ok, err := store.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !ok {
		t.Fatal("expected message to be found")
	}
	if msg.Author != "alice" || msg.Content != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
}
