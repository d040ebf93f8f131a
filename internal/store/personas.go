package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Persona is a named configuration bundle selected per conversation
// scope. Personas are immutable for the duration of a request: the loop
// selects one (or none) and never mutates it.
type Persona struct {
	ID                  string
	Scope               string // "server:{id}", "platform:{name}", or "default"
	Name                string
	SystemPrompt        string
	AllowedModules      []string
	DefaultModel        string
	MaxTokensPerRequest int
	CreatedAt           time.Time
}

// UpsertPersona creates or replaces the persona for a scope.
func (s *Store) UpsertPersona(ctx context.Context, p *Persona) error {
	if p.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		p.ID = id
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	mods, err := json.Marshal(p.AllowedModules)
	if err != nil {
		return fmt.Errorf("marshal allowed modules: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO personas
			(id, scope, name, system_prompt, allowed_modules, default_model,
			 max_tokens_per_request, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET
			name = excluded.name,
			system_prompt = excluded.system_prompt,
			allowed_modules = excluded.allowed_modules,
			default_model = excluded.default_model,
			max_tokens_per_request = excluded.max_tokens_per_request`,
		p.ID, p.Scope, p.Name, p.SystemPrompt, string(mods),
		p.DefaultModel, p.MaxTokensPerRequest, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert persona: %w", err)
	}
	return nil
}

// FindPersona returns the first persona matching the given scopes, in
// order. Callers pass the cascade (server-specific, platform-specific,
// default); a nil result with nil error means no persona resolves, which
// is a legitimate outcome — the context builder then uses the default
// system prompt.
func (s *Store) FindPersona(ctx context.Context, scopes ...string) (*Persona, error) {
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		p, err := s.personaByScope(ctx, scope)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Store) personaByScope(ctx context.Context, scope string) (*Persona, error) {
	var (
		p       Persona
		mods    string
		model   sql.NullString
		maxTok  sql.NullInt64
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scope, name, system_prompt, allowed_modules, default_model,
		        max_tokens_per_request, created_at
		 FROM personas WHERE scope = ?`, scope,
	).Scan(&p.ID, &p.Scope, &p.Name, &p.SystemPrompt, &mods, &model, &maxTok, &created)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(mods), &p.AllowedModules); err != nil {
		return nil, fmt.Errorf("unmarshal allowed modules: %w", err)
	}
	p.DefaultModel = model.String
	p.MaxTokensPerRequest = int(maxTok.Int64)
	p.CreatedAt = parseTime(created)
	return &p, nil
}
