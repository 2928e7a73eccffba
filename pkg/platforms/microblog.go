package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dotsetgreg/mingle/pkg/config"
	"github.com/dotsetgreg/mingle/pkg/logger"
)

const microblogTimeout = 30 * time.Second

// MicroblogPlatform is the pull-based adapter for Twitter-style APIs:
// publish, recent search with since-id watermarks, conversation lookup.
type MicroblogPlatform struct {
	*BasePlatform
	client  *http.Client
	apiBase string
	token   string
}

func NewMicroblogPlatform(name string, cfg config.TwitterConfig) (*MicroblogPlatform, error) {
	if cfg.BearerToken == "" {
		return nil, fmt.Errorf("platforms.%s.bearer_token is required", name)
	}
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("platforms.%s.api_base is required", name)
	}
	return &MicroblogPlatform{
		BasePlatform: NewBasePlatform(name),
		client:       &http.Client{Timeout: microblogTimeout},
		apiBase:      cfg.APIBase,
		token:        cfg.BearerToken,
	}, nil
}

func (p *MicroblogPlatform) Start(ctx context.Context) error {
	p.setRunning(true)
	return nil
}

func (p *MicroblogPlatform) Stop(ctx context.Context) error {
	p.setRunning(false)
	p.client.CloseIdleConnections()
	return nil
}

// classifyStatus maps HTTP failures onto the publish failure kinds.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrForbidden, status, body)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, body)
	default:
		return fmt.Errorf("unexpected status %d: %s", status, body)
	}
}

func (p *MicroblogPlatform) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := p.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, string(data))
	}
	return data, nil
}

func (p *MicroblogPlatform) Publish(ctx context.Context, content string, media []string, inReplyTo string) (string, error) {
	payload := map[string]any{"text": content}
	if inReplyTo != "" {
		payload["reply"] = map[string]any{"in_reply_to_tweet_id": inReplyTo}
	}
	if len(media) > 0 {
		payload["media"] = map[string]any{"media_ids": media}
	}

	data, err := p.do(ctx, http.MethodPost, "/tweets", nil, payload)
	if err != nil {
		return "", err
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse publish response: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("publish response missing id")
	}
	return out.Data.ID, nil
}

// rawTweet is the wire shape of one tweet in search responses.
type rawTweet struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	AuthorID         string    `json:"author_id"`
	ConversationID   string    `json:"conversation_id"`
	CreatedAt        time.Time `json:"created_at"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type searchResponse struct {
	Data     []rawTweet `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
		Tweets []rawTweet `json:"tweets"`
	} `json:"includes"`
	Meta struct {
		NewestID string `json:"newest_id"`
	} `json:"meta"`
}

func (t rawTweet) toItem(usernames map[string]string) Item {
	item := Item{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		AuthorID:       t.AuthorID,
		Author:         usernames[t.AuthorID],
		Content:        t.Text,
		CreatedAt:      t.CreatedAt,
	}
	if item.ConversationID == "" {
		item.ConversationID = t.ID
	}
	for _, ref := range t.ReferencedTweets {
		if ref.Type == "replied_to" {
			item.ResponseTo = ref.ID
		}
	}
	if raw, err := json.Marshal(t); err == nil {
		item.Raw = string(raw)
	}
	return item
}

func (p *MicroblogPlatform) search(ctx context.Context, query string, opts SearchOptions) (SearchResult, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("tweet.fields", "author_id,conversation_id,created_at,referenced_tweets")
	q.Set("expansions", "author_id,referenced_tweets.id")
	if !opts.StartTime.IsZero() {
		q.Set("start_time", opts.StartTime.UTC().Format(time.RFC3339))
	}
	if !opts.EndTime.IsZero() {
		q.Set("end_time", opts.EndTime.UTC().Format(time.RFC3339))
	}
	if opts.SinceID != "" {
		q.Set("since_id", opts.SinceID)
	}
	if opts.MaxResults > 0 {
		q.Set("max_results", strconv.Itoa(opts.MaxResults))
	}

	data, err := p.do(ctx, http.MethodGet, "/tweets/search/recent", q, nil)
	if err != nil {
		return SearchResult{}, err
	}

	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return SearchResult{}, fmt.Errorf("parse search response: %w", err)
	}

	usernames := make(map[string]string, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		usernames[u.ID] = u.Username
	}

	result := SearchResult{NewestID: resp.Meta.NewestID}
	for _, t := range resp.Data {
		result.Items = append(result.Items, t.toItem(usernames))
	}
	for _, t := range resp.Includes.Tweets {
		result.ReferencedItems = append(result.ReferencedItems, t.toItem(usernames))
	}
	return result, nil
}

func (p *MicroblogPlatform) SearchRecent(ctx context.Context, query string, opts SearchOptions) (SearchResult, error) {
	result, err := p.search(ctx, query, opts)
	if err != nil {
		return SearchResult{}, err
	}
	logger.DebugCF(p.Name(), "Search completed", map[string]any{
		"query":      query,
		"items":      len(result.Items),
		"referenced": len(result.ReferencedItems),
	})
	return result, nil
}

func (p *MicroblogPlatform) FetchConversation(ctx context.Context, conversationID string) ([]Item, error) {
	result, err := p.search(ctx, "conversation_id:"+conversationID, SearchOptions{MaxResults: 100})
	if err != nil {
		return nil, err
	}
	items := result.Items
	// Oldest first so callers read the thread top-down.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}
