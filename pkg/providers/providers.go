package providers

import (
	"context"

	"github.com/dotsetgreg/mingle/pkg/memory"
)

// The engagement loop treats content generation as a black box: any of
// these calls may return empty output or an error, and the loop maps
// both to "no action this cycle".

// PostRequest asks for a fresh standalone post.
type PostRequest struct {
	Platform  string
	TimeOfDay string
	Topics    []string
}

// ResponseRequest asks for a reply to one message, with relationship
// context when available.
type ResponseRequest struct {
	Platform       string
	Message        memory.Message
	Conversation   []memory.Message
	Opinion        string
	FilteringRules []string
}

// Candidate is one discovered message considered for engagement.
type Candidate struct {
	ID      string
	Author  string
	Content string
}

// Generator produces post and reply content in the character's voice.
type Generator interface {
	GeneratePost(ctx context.Context, req PostRequest) (content string, media []string, err error)
	GenerateResponse(ctx context.Context, req ResponseRequest) (string, error)
}

// Moderator screens text. Callers fail open on error.
type Moderator interface {
	Moderate(ctx context.Context, text string) (flagged bool, err error)
}

// Selector ranks engagement candidates and returns the id of at most one
// to respond to, or "" for none.
type Selector interface {
	SelectCandidate(ctx context.Context, platform string, candidates []Candidate) (string, error)
}
