package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
)

const pgUniqueViolation = "23505"

// PostgresStore persists conversations and guardian configuration in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			minor_id TEXT NOT NULL,
			persona_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			minor_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			risk_flag BOOLEAN NOT NULL DEFAULT FALSE,
			risk_category TEXT NOT NULL DEFAULT '',
			risk_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_created ON turns (conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			guardian_id TEXT NOT NULL,
			minor_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			turn_id TEXT NOT NULL UNIQUE,
			category TEXT NOT NULL,
			reason TEXT NOT NULL,
			stage TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_guardian_created ON alerts (guardian_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS guard_rules (
			minor_id TEXT PRIMARY KEY,
			filter_level TEXT NOT NULL,
			allowed_topics TEXT[],
			blocked_keywords TEXT[],
			alerts_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			guardian_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			instruction_text TEXT NOT NULL DEFAULT '',
			value_flags JSONB NOT NULL DEFAULT '{}'::jsonb,
			personality_traits TEXT[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS guardian_links (
			minor_id TEXT PRIMARY KEY,
			guardian_id TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (id, conversation_id, minor_id, role, content, pii_redacted, risk_flag, risk_category, risk_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		turn.ID,
		turn.ConversationID,
		turn.MinorID,
		string(turn.Role),
		turn.Content,
		turn.PIIRedacted,
		turn.RiskFlag,
		string(turn.RiskCategory),
		turn.RiskReason,
		turn.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("save turn: %w", err)
	}
	return turn.ID, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, minor_id, role, content, pii_redacted, risk_flag, risk_category, risk_reason, created_at
		 FROM turns WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT $2`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			t        Turn
			role     string
			category string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.MinorID, &role, &t.Content, &t.PIIRedacted, &t.RiskFlag, &category, &t.RiskReason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		t.RiskCategory = safety.Category(category)
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) SaveAlert(ctx context.Context, alert Alert) (string, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, guardian_id, minor_id, conversation_id, turn_id, category, reason, stage, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		alert.ID,
		alert.GuardianID,
		alert.MinorID,
		alert.ConversationID,
		alert.TurnID,
		string(alert.Category),
		alert.Reason,
		alert.Stage,
		alert.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return "", ErrDuplicateAlert
		}
		return "", fmt.Errorf("save alert: %w", err)
	}
	return alert.ID, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, guardianID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, guardian_id, minor_id, conversation_id, turn_id, category, reason, stage, created_at
		 FROM alerts WHERE guardian_id=$1 ORDER BY created_at DESC LIMIT $2`,
		guardianID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]Alert, 0)
	for rows.Next() {
		var (
			a        Alert
			category string
		)
		if err := rows.Scan(&a.ID, &a.GuardianID, &a.MinorID, &a.ConversationID, &a.TurnID, &category, &a.Reason, &a.Stage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		a.Category = safety.Category(category)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, minor_id, persona_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		c.ID, c.MinorID, c.PersonaID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return s.Conversation(ctx, c.ID)
}

func (s *PostgresStore) Conversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, minor_id, persona_id, created_at, updated_at FROM conversations WHERE id=$1`,
		id,
	).Scan(&c.ID, &c.MinorID, &c.PersonaID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET updated_at=$2 WHERE id=$1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PutGuardRules(ctx context.Context, rules safety.GuardRules) error {
	rules, err := prepareRules(rules)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO guard_rules (minor_id, filter_level, allowed_topics, blocked_keywords, alerts_enabled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (minor_id) DO UPDATE SET
			filter_level = EXCLUDED.filter_level,
			allowed_topics = EXCLUDED.allowed_topics,
			blocked_keywords = EXCLUDED.blocked_keywords,
			alerts_enabled = EXCLUDED.alerts_enabled,
			updated_at = EXCLUDED.updated_at`,
		rules.MinorID,
		string(rules.FilterLevel),
		nonNil(rules.AllowedTopics),
		nonNil(rules.BlockedKeywords),
		rules.AlertsEnabled,
		rules.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put guard rules: %w", err)
	}
	return nil
}

func (s *PostgresStore) GuardRules(ctx context.Context, minorID string) (safety.GuardRules, error) {
	var (
		r     safety.GuardRules
		level string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT minor_id, filter_level, allowed_topics, blocked_keywords, alerts_enabled, updated_at
		 FROM guard_rules WHERE minor_id=$1`,
		minorID,
	).Scan(&r.MinorID, &level, &r.AllowedTopics, &r.BlockedKeywords, &r.AlertsEnabled, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return safety.GuardRules{}, ErrNotFound
	}
	if err != nil {
		return safety.GuardRules{}, fmt.Errorf("load guard rules: %w", err)
	}
	r.FilterLevel = safety.FilterLevel(level)
	return r.Normalize(), nil
}

func (s *PostgresStore) SavePersona(ctx context.Context, p persona.Config) error {
	p, err := preparePersona(p)
	if err != nil {
		return err
	}
	flags := p.ValueFlags
	if flags == nil {
		flags = map[string]string{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO personas (id, guardian_id, name, instruction_text, value_flags, personality_traits, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			guardian_id = EXCLUDED.guardian_id,
			name = EXCLUDED.name,
			instruction_text = EXCLUDED.instruction_text,
			value_flags = EXCLUDED.value_flags,
			personality_traits = EXCLUDED.personality_traits`,
		p.ID,
		p.GuardianID,
		p.Name,
		p.InstructionText,
		flags,
		nonNil(p.PersonalityTraits),
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

func (s *PostgresStore) Persona(ctx context.Context, id string) (persona.Config, error) {
	var p persona.Config
	err := s.pool.QueryRow(ctx,
		`SELECT id, guardian_id, name, instruction_text, value_flags, personality_traits, created_at
		 FROM personas WHERE id=$1`,
		id,
	).Scan(&p.ID, &p.GuardianID, &p.Name, &p.InstructionText, &p.ValueFlags, &p.PersonalityTraits, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return persona.Config{}, ErrNotFound
	}
	if err != nil {
		return persona.Config{}, fmt.Errorf("load persona: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) LinkGuardian(ctx context.Context, guardianID, minorID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO guardian_links (minor_id, guardian_id) VALUES ($1, $2)
		 ON CONFLICT (minor_id) DO UPDATE SET guardian_id = EXCLUDED.guardian_id`,
		minorID, guardianID,
	)
	if err != nil {
		return fmt.Errorf("link guardian: %w", err)
	}
	return nil
}

func (s *PostgresStore) GuardianOf(ctx context.Context, minorID string) (string, bool, error) {
	var guardianID string
	err := s.pool.QueryRow(ctx, `SELECT guardian_id FROM guardian_links WHERE minor_id=$1`, minorID).Scan(&guardianID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load guardian link: %w", err)
	}
	return guardianID, true, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
