package memory

import (
	"time"
)

// Message types. Defaults to TypePost when unspecified.
const (
	TypePost    = "post"
	TypeReply   = "reply"
	TypeMessage = "message"
)

// Message is one observed or produced message. Immutable once persisted;
// later observations only add character associations.
type Message struct {
	ID             string
	ConversationID string
	Platform       string
	Author         string
	Content        string
	ResponseTo     string
	MessageType    string
	WenPosted      time.Time
	Flagged        bool
	Metadata       map[string]any
	OriginalData   string
}

// Envelope is the caller-supplied portion of a new message.
type Envelope struct {
	ConversationID string
	Platform       string
	Author         string
	Content        string
	ResponseTo     string
	WenPosted      time.Time
	Flagged        bool
	Metadata       map[string]any
}

// MessageQuery filters combine with AND semantics. Zero values mean
// "no filter" except Flagged, which is tri-state via pointer.
type MessageQuery struct {
	ID             string
	Platform       string
	Author         string
	ExcludeAuthor  string
	Character      string
	ConversationID string
	// ResponseTo matches the parent id exactly. HasResponseTo instead
	// matches any message that is a response (response_to set).
	ResponseTo    string
	HasResponseTo bool
	Flagged       *bool
	FromTime      time.Time
	IsPost        bool
	// ExcludeConversationsOf drops every message whose conversation root
	// was authored by the given username.
	ExcludeConversationsOf string
	SortBy                 string // wen_posted (default) or id
	SortOrder              string // desc (default) or asc
	Limit                  int
}

// HistoryEntry is one turn in a social memory conversation window.
type HistoryEntry struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// SocialMemory is the rolling relationship record for one
// (character, user, platform) pair.
type SocialMemory struct {
	ID                     string
	CharacterName          string
	UserID                 string
	Platform               string
	LastInteraction        time.Time
	InteractionCount       int
	Opinion                string
	ConversationHistory    []HistoryEntry
	LastProcessedMessageID string
}

const historyLimit = 20

// opinionRefreshThreshold is the number of unprocessed history entries
// that triggers an opinion regeneration.
const opinionRefreshThreshold = 10
