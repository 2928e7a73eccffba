package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dotsetgreg/mingle/pkg/config"
)

func newTestMicroblog(t *testing.T, handler http.Handler) *MicroblogPlatform {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewMicroblogPlatform("twitter", config.TwitterConfig{
		APIBase:     srv.URL,
		BearerToken: "test-token",
	})
	if err != nil {
		t.Fatalf("create platform: %v", err)
	}
	return p
}

func TestMicroblogPublish(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]any
	p := newTestMicroblog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1001"}}`))
	}))

	id, err := p.Publish(context.Background(), "hello world", nil, "999")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "1001" {
		t.Fatalf("id = %q, want 1001", id)
	}
	if gotPath != "/tweets" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	reply, ok := gotPayload["reply"].(map[string]any)
	if !ok || reply["in_reply_to_tweet_id"] != "999" {
		t.Fatalf("payload missing reply target: %v", gotPayload)
	}
}

func TestMicroblogStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrForbidden},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
	}
	for _, tc := range cases {
		p := newTestMicroblog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := p.Publish(context.Background(), "x", nil, "")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}

	p := newTestMicroblog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	_, err := p.Publish(context.Background(), "x", nil, "")
	if err == nil || errors.Is(err, ErrForbidden) || errors.Is(err, ErrTransient) {
		t.Fatalf("bad request should not map to a known failure kind, got %v", err)
	}
}

func TestMicroblogSearchRecent(t *testing.T) {
	var gotQuery string
	p := newTestMicroblog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tweets/search/recent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("query")
		if since := r.URL.Query().Get("since_id"); since != "500" {
			t.Errorf("since_id = %q", since)
		}
		_, _ = w.Write([]byte(`{
			"data": [
				{"id":"601","text":"hey @bot","author_id":"u1","conversation_id":"600",
				 "created_at":"2026-03-01T10:00:00Z",
				 "referenced_tweets":[{"type":"replied_to","id":"600"}]},
				{"id":"602","text":"standalone","author_id":"u2","created_at":"2026-03-01T10:01:00Z"}
			],
			"includes": {
				"users":[{"id":"u1","username":"alice"},{"id":"u2","username":"bob"}],
				"tweets":[{"id":"600","text":"root post","author_id":"u2","conversation_id":"600"}]
			},
			"meta": {"newest_id":"602"}
		}`))
	}))

	result, err := p.SearchRecent(context.Background(), "to:bot OR @bot", SearchOptions{SinceID: "500"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotQuery != "to:bot OR @bot" {
		t.Fatalf("query = %q", gotQuery)
	}
	if result.NewestID != "602" {
		t.Fatalf("newest id = %q", result.NewestID)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(result.Items))
	}

	first := result.Items[0]
	if first.Author != "alice" {
		t.Fatalf("author = %q, want alice (resolved from includes)", first.Author)
	}
	if first.ResponseTo != "600" {
		t.Fatalf("response_to = %q, want 600", first.ResponseTo)
	}
	if first.ConversationID != "600" {
		t.Fatalf("conversation = %q, want 600", first.ConversationID)
	}
	if first.Raw == "" {
		t.Fatalf("raw wire data must be preserved")
	}

	// A tweet with no conversation id roots its own conversation.
	if result.Items[1].ConversationID != "602" {
		t.Fatalf("standalone conversation = %q, want 602", result.Items[1].ConversationID)
	}

	if len(result.ReferencedItems) != 1 || result.ReferencedItems[0].ID != "600" {
		t.Fatalf("referenced items = %+v", result.ReferencedItems)
	}
}

func TestMicroblogFetchConversationOldestFirst(t *testing.T) {
	p := newTestMicroblog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != "conversation_id:600" {
			t.Errorf("query = %q", got)
		}
		_, _ = w.Write([]byte(`{
			"data": [
				{"id":"603","text":"newest","author_id":"u1","conversation_id":"600"},
				{"id":"601","text":"oldest","author_id":"u1","conversation_id":"600"}
			],
			"includes": {"users":[{"id":"u1","username":"alice"}]}
		}`))
	}))

	items, err := p.FetchConversation(context.Background(), "600")
	if err != nil {
		t.Fatalf("fetch conversation: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].ID != "601" || items[1].ID != "603" {
		t.Fatalf("expected oldest first, got %q then %q", items[0].ID, items[1].ID)
	}
}
