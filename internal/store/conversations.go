package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conversation is a message scope keyed by (platform, channel, thread).
// A thread is a distinct conversation from its parent channel; an empty
// ThreadID means "no thread".
type Conversation struct {
	ID           string
	Platform     string
	ChannelID    string
	ThreadID     string
	ServerID     string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Message is one entry in a conversation's append-only log. The log is
// single-writer per request and never reordered or deleted by the loop.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// FindOrCreateConversation returns the conversation for the scope,
// creating it on first contact. Existing conversations get their
// last_active_at bumped. Returns the conversation and whether it was
// created.
func (s *Store) FindOrCreateConversation(ctx context.Context, platform, channelID, threadID, serverID string) (*Conversation, bool, error) {
	now := time.Now()

	conv, err := s.conversationByScope(ctx, platform, channelID, threadID)
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET last_active_at = ? WHERE id = ?`,
			formatTime(now), conv.ID)
		if err != nil {
			return nil, false, fmt.Errorf("touch conversation: %w", err)
		}
		conv.LastActiveAt = now
		return conv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	id, err := newID()
	if err != nil {
		return nil, false, err
	}
	conv = &Conversation{
		ID:           id,
		Platform:     platform,
		ChannelID:    channelID,
		ThreadID:     threadID,
		ServerID:     serverID,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations
			(id, platform, channel_id, thread_id, server_id, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Platform, conv.ChannelID, conv.ThreadID, conv.ServerID,
		formatTime(conv.CreatedAt), formatTime(conv.LastActiveAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, true, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, channel_id, thread_id, server_id, created_at, last_active_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *Store) conversationByScope(ctx context.Context, platform, channelID, threadID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, channel_id, thread_id, server_id, created_at, last_active_at
		 FROM conversations
		 WHERE platform = ? AND channel_id = ? AND thread_id = ?`,
		platform, channelID, threadID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c          Conversation
		created    string
		lastActive string
	)
	err := row.Scan(&c.ID, &c.Platform, &c.ChannelID, &c.ThreadID, &c.ServerID,
		&created, &lastActive)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.LastActiveAt = parseTime(lastActive)
	return &c, nil
}

// AppendMessage adds one message to a conversation's log.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// Messages returns the most recent limit messages of a conversation in
// chronological order. A limit of 0 returns everything. Insertion order
// is preserved via rowid, so same-timestamp messages never swap.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at
	          FROM messages WHERE conversation_id = ?
	          ORDER BY rowid DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			created string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
