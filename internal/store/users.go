package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a person known to the orchestrator, keyed independently of
// any chat platform. Budget fields implement the rolling monthly token
// allowance; a nil TokenBudgetMonthly means unlimited.
type User struct {
	ID                  string
	DisplayName         string
	PermissionLevel     string
	TokenBudgetMonthly  *int64
	TokensUsedThisMonth int64
	BudgetResetAt       time.Time
	CreatedAt           time.Time
}

// ResolveUser looks up the user linked to a platform identity, creating
// a guest user plus the identity link when the identity has never been
// seen. Creation cannot fail business-logic-wise: every unseen identity
// becomes a guest with the default budget (nil = unlimited). Returns
// the user and whether it was created.
func (s *Store) ResolveUser(ctx context.Context, platform, platformUserID, displayName string, defaultBudget *int64) (*User, bool, error) {
	user, err := s.userByIdentity(ctx, platform, platformUserID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id, err := newID()
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	if displayName == "" {
		displayName = platformUserID
	}

	user = &User{
		ID:                 id,
		DisplayName:        displayName,
		PermissionLevel:    PermissionGuest,
		TokenBudgetMonthly: defaultBudget,
		BudgetResetAt:      now.AddDate(0, 1, 0),
		CreatedAt:          now,
	}

	var budget sql.NullInt64
	if defaultBudget != nil {
		budget = sql.NullInt64{Int64: *defaultBudget, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users
			(id, display_name, permission_level, token_budget_monthly,
			 tokens_used_this_month, budget_reset_at, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		user.ID, user.DisplayName, user.PermissionLevel, budget,
		formatTime(user.BudgetResetAt), formatTime(user.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (platform, platform_user_id, user_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		platform, platformUserID, user.ID, formatTime(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return user, true, nil
}

func (s *Store) userByIdentity(ctx context.Context, platform, platformUserID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.display_name, u.permission_level, u.token_budget_monthly,
		        u.tokens_used_this_month, u.budget_reset_at, u.created_at
		 FROM identities i JOIN users u ON u.id = i.user_id
		 WHERE i.platform = ? AND i.platform_user_id = ?`,
		platform, platformUserID,
	)
	return scanUser(row)
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, permission_level, token_budget_monthly,
		        tokens_used_this_month, budget_reset_at, created_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u       User
		budget  sql.NullInt64
		resetAt string
		created string
	)
	err := row.Scan(&u.ID, &u.DisplayName, &u.PermissionLevel, &budget,
		&u.TokensUsedThisMonth, &resetAt, &created)
	if err != nil {
		return nil, err
	}
	if budget.Valid {
		v := budget.Int64
		u.TokenBudgetMonthly = &v
	}
	u.BudgetResetAt = parseTime(resetAt)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// ResetBudget zeroes a user's monthly usage and sets the next reset time.
func (s *Store) ResetBudget(ctx context.Context, userID string, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET tokens_used_this_month = 0, budget_reset_at = ? WHERE id = ?`,
		formatTime(resetAt), userID)
	if err != nil {
		return fmt.Errorf("reset budget: %w", err)
	}
	return nil
}

// AddTokenUsage accrues tokens against a user's monthly counter. The
// increment is a single UPDATE, so concurrent accruals from parallel
// conversations never lose tokens even though the budget check itself
// is read-then-act.
func (s *Store) AddTokenUsage(ctx context.Context, userID string, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET tokens_used_this_month = tokens_used_this_month + ? WHERE id = ?`,
		tokens, userID)
	if err != nil {
		return fmt.Errorf("add token usage: %w", err)
	}
	return nil
}

// SetPermissionLevel updates a user's role.
func (s *Store) SetPermissionLevel(ctx context.Context, userID, level string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET permission_level = ? WHERE id = ?`, level, userID)
	if err != nil {
		return fmt.Errorf("set permission level: %w", err)
	}
	return nil
}
