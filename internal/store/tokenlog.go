package store

import (
	"context"
	"fmt"
	"time"
)

// TokenLog is one model call's usage, immutable once written. Rows are
// aggregated into the user's monthly counter by AddTokenUsage; the log
// itself exists for audit and reporting.
type TokenLog struct {
	ID             string
	CreatedAt      time.Time
	UserID         string
	ConversationID string
	Model          string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
}

// UsageSummary holds aggregated token usage and cost totals.
type UsageSummary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
}

// RecordTokenLog persists one token log row. If rec.ID is empty, a
// UUIDv7 is generated.
func (s *Store) RecordTokenLog(ctx context.Context, rec TokenLog) error {
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
		`INSERT INTO token_log
			(id, created_at, user_id, conversation_id, model,
			 input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, formatTime(rec.CreatedAt), rec.UserID, rec.ConversationID,
		rec.Model, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("record token log: %w", err)
	}
	return nil
}

// Usage aggregates token log rows in [since, until).
func (s *Store) Usage(ctx context.Context, since, until time.Time) (*UsageSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM token_log WHERE created_at >= ? AND created_at < ?`,
		formatTime(since), formatTime(until),
	)

	var sum UsageSummary
	err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens,
		&sum.TotalOutputTokens, &sum.TotalCostUSD)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return &sum, nil
}
