package store

import (
	"context"
	"fmt"
	"time"
)

// FileRecord is a stored reference to an attachment or tool-produced
// artifact. Tool modules read these rows through their own database
// connections, so records must be committed before any cross-boundary
// call that might reference them.
type FileRecord struct {
	ID             string
	UserID         string
	ConversationID string
	Name           string
	URL            string
	ContentType    string
	SizeBytes      int64
	CreatedAt      time.Time
}

// CreateFile persists a file record. The insert runs in autocommit mode,
// so the row is durable before this method returns.
func (s *Store) CreateFile(ctx context.Context, rec *FileRecord) error {
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files
			(id, user_id, conversation_id, name, url, content_type, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ConversationID, rec.Name, rec.URL,
		rec.ContentType, rec.SizeBytes, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create file record: %w", err)
	}
	return nil
}

// FilesForConversation returns the file records attached to a conversation.
func (s *Store) FilesForConversation(ctx context.Context, conversationID string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, conversation_id, name, url, content_type, size_bytes, created_at
		 FROM files WHERE conversation_id = ? ORDER BY rowid`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var recs []FileRecord
	for rows.Next() {
		var (
			r       FileRecord
			created string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ConversationID, &r.Name, &r.URL,
			&r.ContentType, &r.SizeBytes, &created); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		r.CreatedAt = parseTime(created)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
