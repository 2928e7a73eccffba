package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent message and relationship storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. Use one shared connection to avoid writer
	// lock contention with SQLite under concurrent platform loops.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL,
			author TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			response_to TEXT,
			message_type TEXT NOT NULL DEFAULT 'post',
			wen_posted_ms INTEGER NOT NULL,
			flagged INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			original_data TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS messages_platform_time_idx ON messages(platform, wen_posted_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id);`,
		`CREATE INDEX IF NOT EXISTS messages_author_idx ON messages(author, platform);`,
		`CREATE TABLE IF NOT EXISTS message_characters (
			message_id TEXT NOT NULL,
			character_name TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(message_id, character_name)
		);`,
		`CREATE INDEX IF NOT EXISTS message_characters_char_idx ON message_characters(character_name);`,
		`CREATE TABLE IF NOT EXISTS social_memory (
			id TEXT PRIMARY KEY,
			character_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			last_interaction_ms INTEGER NOT NULL DEFAULT 0,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			opinion TEXT NOT NULL DEFAULT '',
			conversation_history TEXT NOT NULL DEFAULT '[]',
			last_processed_message_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS social_memory_scope_idx ON social_memory(character_name, user_id, platform);`,
		`CREATE INDEX IF NOT EXISTS social_memory_interaction_idx ON social_memory(last_interaction_ms);`,
		`CREATE TABLE IF NOT EXISTS character_settings (
			id TEXT PRIMARY KEY,
			character_name TEXT NOT NULL UNIQUE,
			settings_json TEXT NOT NULL DEFAULT '{}'
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}

	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeAnyMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeAnyMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func encodeHistory(h []HistoryEntry) string {
	if len(h) == 0 {
		return "[]"
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeHistory(raw string) []HistoryEntry {
	if raw == "" {
		return nil
	}
	out := []HistoryEntry{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// AddMessage persists a message and its association with character in one
// transaction. Idempotent: re-adding an existing id never duplicates the
// row; a new character on an existing id only adds the association, with
// created_at backfilled from the original wen_posted.
func (s *SQLiteStore) AddMessage(ctx context.Context, id string, env Envelope, messageType, originalData, characterName string) (Message, error) {
	if id == "" {
		id = "msg-" + uuid.NewString()
	}
	if messageType == "" {
		messageType = TypePost
	}
	if env.WenPosted.IsZero() {
		env.WenPosted = time.Now().UTC()
	}
	if env.ConversationID == "" {
		env.ConversationID = id
	}

	msg, err := s.addMessageTx(ctx, id, env, messageType, originalData, characterName)
	if err == nil {
		return msg, nil
	}

	// Recovering read: a concurrent observer may have won the insert race.
	if existing, ok, getErr := s.GetMessage(ctx, id); getErr == nil && ok {
		return existing, nil
	}
	return Message{}, err
}

func (s *SQLiteStore) addMessageTx(ctx context.Context, id string, env Envelope, messageType, originalData, characterName string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("add message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, found, err := scanMessageRow(tx.QueryRowContext(ctx, selectMessageSQL+` WHERE id = ?`, id))
	if err != nil {
		return Message{}, fmt.Errorf("add message lookup: %w", err)
	}

	if found {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO message_characters(message_id, character_name, created_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(message_id, character_name) DO NOTHING`,
			id, characterName, existing.WenPosted.UnixMilli()); err != nil {
			return Message{}, fmt.Errorf("add message associate: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Message{}, fmt.Errorf("add message commit: %w", err)
		}
		return existing, nil
	}

	flagged := 0
	if env.Flagged {
		flagged = 1
	}
	var responseTo any
	if env.ResponseTo != "" {
		responseTo = env.ResponseTo
	}
	postedMS := env.WenPosted.UnixMilli()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, platform, author, content, response_to, message_type, wen_posted_ms, flagged, metadata_json, original_data)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, env.ConversationID, env.Platform, env.Author, env.Content, responseTo,
		messageType, postedMS, flagged, encodeAnyMap(env.Metadata), originalData); err != nil {
		return Message{}, fmt.Errorf("add message insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO message_characters(message_id, character_name, created_at_ms)
VALUES(?, ?, ?)`, id, characterName, postedMS); err != nil {
		return Message{}, fmt.Errorf("add message associate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("add message commit: %w", err)
	}

	return Message{
		ID:             id,
		ConversationID: env.ConversationID,
		Platform:       env.Platform,
		Author:         env.Author,
		Content:        env.Content,
		ResponseTo:     env.ResponseTo,
		MessageType:    messageType,
		WenPosted:      env.WenPosted,
		Flagged:        env.Flagged,
		Metadata:       env.Metadata,
		OriginalData:   originalData,
	}, nil
}

const selectMessageSQL = `
SELECT id, conversation_id, platform, author, content, COALESCE(response_to, ''), message_type, wen_posted_ms, flagged, metadata_json, original_data
FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (Message, bool, error) {
	var m Message
	var postedMS int64
	var flagged int
	var metaJSON string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Platform, &m.Author, &m.Content, &m.ResponseTo, &m.MessageType, &postedMS, &flagged, &metaJSON, &m.OriginalData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	m.WenPosted = time.UnixMilli(postedMS).UTC()
	m.Flagged = flagged != 0
	m.Metadata = decodeAnyMap(metaJSON)
	return m, true, nil
}

// GetMessage fetches one message by id; ok reports whether it exists.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (Message, bool, error) {
	msg, found, err := scanMessageRow(s.db.QueryRowContext(ctx, selectMessageSQL+` WHERE id = ?`, id))
	if err != nil {
		return Message{}, false, fmt.Errorf("get message: %w", err)
	}
	return msg, found, nil
}

// GetMessages runs a filtered query. Default order is wen_posted
// descending; ties broken by id so results are deterministic.
func (s *SQLiteStore) GetMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	var where []string
	var args []any

	if q.ID != "" {
		where = append(where, "id = ?")
		args = append(args, q.ID)
	}
	if q.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, q.Platform)
	}
	if q.Author != "" {
		where = append(where, "author = ?")
		args = append(args, q.Author)
	}
	if q.ExcludeAuthor != "" {
		where = append(where, "author != ?")
		args = append(args, q.ExcludeAuthor)
	}
	if q.Character != "" {
		where = append(where, "id IN (SELECT message_id FROM message_characters WHERE character_name = ?)")
		args = append(args, q.Character)
	}
	if q.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, q.ConversationID)
	}
	if q.HasResponseTo {
		where = append(where, "response_to IS NOT NULL")
	} else if q.ResponseTo != "" {
		where = append(where, "response_to = ?")
		args = append(args, q.ResponseTo)
	}
	if q.Flagged != nil {
		where = append(where, "flagged = ?")
		if *q.Flagged {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if !q.FromTime.IsZero() {
		where = append(where, "wen_posted_ms >= ?")
		args = append(args, q.FromTime.UnixMilli())
	}
	if q.IsPost {
		where = append(where, "message_type = ?")
		args = append(args, TypePost)
	}
	if q.ExcludeConversationsOf != "" {
		where = append(where, "conversation_id NOT IN (SELECT id FROM messages WHERE author = ? AND id = conversation_id)")
		args = append(args, q.ExcludeConversationsOf)
	}

	query := selectMessageSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	sortBy := "wen_posted_ms"
	if q.SortBy == "id" {
		sortBy = "id"
	}
	order := "DESC"
	if strings.EqualFold(q.SortOrder, "asc") {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", sortBy, order, order)

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, _, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("get messages scan: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get messages rows: %w", err)
	}
	return out, nil
}

// GetConversationIDs returns every distinct conversation id that has at
// least one reply (some message whose id differs from the thread root).
func (s *SQLiteStore) GetConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT conversation_id FROM messages WHERE id != conversation_id ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("get conversation ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("get conversation ids scan: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get conversation ids rows: %w", err)
	}
	return out, nil
}

// ClearMessages deletes messages for one character, scoped through the
// association table. Messages shared with other characters survive; only
// the character's own association is dropped.
func (s *SQLiteStore) ClearMessages(ctx context.Context, characterName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear messages begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM messages
WHERE id IN (SELECT message_id FROM message_characters WHERE character_name = ?)
  AND id NOT IN (SELECT message_id FROM message_characters WHERE character_name != ?)`,
		characterName, characterName); err != nil {
		return fmt.Errorf("clear messages delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM message_characters WHERE character_name = ?`, characterName); err != nil {
		return fmt.Errorf("clear messages associations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear messages commit: %w", err)
	}
	return nil
}

// GetSocialMemory is a pure lookup. Absence is a normal outcome,
// reported via ok=false.
func (s *SQLiteStore) GetSocialMemory(ctx context.Context, characterName, userID, platform string) (SocialMemory, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, character_name, user_id, platform, last_interaction_ms, interaction_count, opinion, conversation_history, last_processed_message_id
FROM social_memory
WHERE character_name = ? AND user_id = ? AND platform = ?`, characterName, userID, platform)

	var rec SocialMemory
	var lastMS int64
	var historyJSON string
	if err := row.Scan(&rec.ID, &rec.CharacterName, &rec.UserID, &rec.Platform, &lastMS, &rec.InteractionCount, &rec.Opinion, &historyJSON, &rec.LastProcessedMessageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SocialMemory{}, false, nil
		}
		return SocialMemory{}, false, fmt.Errorf("get social memory: %w", err)
	}
	if lastMS > 0 {
		rec.LastInteraction = time.UnixMilli(lastMS).UTC()
	}
	rec.ConversationHistory = decodeHistory(historyJSON)
	return rec, true, nil
}

// UpsertSocialMemory writes a full record, keyed by the
// (character, user, platform) scope.
func (s *SQLiteStore) UpsertSocialMemory(ctx context.Context, rec SocialMemory) error {
	if rec.ID == "" {
		rec.ID = "soc-" + uuid.NewString()
	}
	var lastMS int64
	if !rec.LastInteraction.IsZero() {
		lastMS = rec.LastInteraction.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO social_memory(id, character_name, user_id, platform, last_interaction_ms, interaction_count, opinion, conversation_history, last_processed_message_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(character_name, user_id, platform) DO UPDATE SET
	last_interaction_ms = excluded.last_interaction_ms,
	interaction_count = excluded.interaction_count,
	opinion = excluded.opinion,
	conversation_history = excluded.conversation_history,
	last_processed_message_id = excluded.last_processed_message_id`,
		rec.ID, rec.CharacterName, rec.UserID, rec.Platform, lastMS,
		rec.InteractionCount, rec.Opinion, encodeHistory(rec.ConversationHistory), rec.LastProcessedMessageID)
	if err != nil {
		return fmt.Errorf("upsert social memory: %w", err)
	}
	return nil
}

// GetCharacterSettings returns the character's settings bag, creating an
// empty one on first read.
func (s *SQLiteStore) GetCharacterSettings(ctx context.Context, characterName string) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT settings_json FROM character_settings WHERE character_name = ?`, characterName)

	var raw string
	err := row.Scan(&raw)
	if err == nil {
		return decodeAnyMap(raw), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get character settings: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO character_settings(id, character_name, settings_json)
VALUES(?, ?, '{}')
ON CONFLICT(character_name) DO NOTHING`, "set-"+uuid.NewString(), characterName); err != nil {
		return nil, fmt.Errorf("create character settings: %w", err)
	}
	return map[string]any{}, nil
}

// UpdateCharacterSettings merges patch into the bag at the top-level
// namespace. Namespaces absent from patch are untouched; namespaces
// present in patch are replaced wholesale (last writer wins).
func (s *SQLiteStore) UpdateCharacterSettings(ctx context.Context, characterName string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update character settings begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `
SELECT settings_json FROM character_settings WHERE character_name = ?`, characterName).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update character settings read: %w", err)
	}

	bag := decodeAnyMap(raw)
	for k, v := range patch {
		bag[k] = v
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO character_settings(id, character_name, settings_json)
VALUES(?, ?, ?)
ON CONFLICT(character_name) DO UPDATE SET settings_json = excluded.settings_json`,
		"set-"+uuid.NewString(), characterName, encodeAnyMap(bag)); err != nil {
		return fmt.Errorf("update character settings write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update character settings commit: %w", err)
	}
	return nil
}
