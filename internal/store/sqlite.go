package store

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

	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
)

// Fixed width so that lexical order on the TEXT column is chronological.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a single-file store for deployments without Postgres.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; pragmas below are per connection.
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			minor_id TEXT NOT NULL,
			persona_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			minor_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			risk_flag INTEGER NOT NULL DEFAULT 0,
			risk_category TEXT NOT NULL DEFAULT '',
			risk_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
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
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_guardian_created ON alerts (guardian_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS guard_rules (
			minor_id TEXT PRIMARY KEY,
			filter_level TEXT NOT NULL,
			allowed_topics TEXT NOT NULL DEFAULT '[]',
			blocked_keywords TEXT NOT NULL DEFAULT '[]',
			alerts_enabled INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			guardian_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			instruction_text TEXT NOT NULL DEFAULT '',
			value_flags TEXT NOT NULL DEFAULT '{}',
			personality_traits TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS guardian_links (
			minor_id TEXT PRIMARY KEY,
			guardian_id TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, turn Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, minor_id, role, content, pii_redacted, risk_flag, risk_category, risk_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.ConversationID,
		turn.MinorID,
		string(turn.Role),
		turn.Content,
		turn.PIIRedacted,
		turn.RiskFlag,
		string(turn.RiskCategory),
		turn.RiskReason,
		formatTime(turn.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("save turn: %w", err)
	}
	return turn.ID, nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, minor_id, role, content, pii_redacted, risk_flag, risk_category, risk_reason, created_at
		 FROM turns WHERE conversation_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
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
			t                 Turn
			role, category    string
			redacted, flagged bool
			created           string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.MinorID, &role, &t.Content, &redacted, &flagged, &category, &t.RiskReason, &created); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		t.PIIRedacted = redacted
		t.RiskFlag = flagged
		t.RiskCategory = safety.Category(category)
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) SaveAlert(ctx context.Context, alert Alert) (string, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, guardian_id, minor_id, conversation_id, turn_id, category, reason, stage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.GuardianID,
		alert.MinorID,
		alert.ConversationID,
		alert.TurnID,
		string(alert.Category),
		alert.Reason,
		alert.Stage,
		formatTime(alert.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", ErrDuplicateAlert
		}
		return "", fmt.Errorf("save alert: %w", err)
	}
	return alert.ID, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, guardianID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, guardian_id, minor_id, conversation_id, turn_id, category, reason, stage, created_at
		 FROM alerts WHERE guardian_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
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
			a                 Alert
			category, created string
		)
		if err := rows.Scan(&a.ID, &a.GuardianID, &a.MinorID, &a.ConversationID, &a.TurnID, &category, &a.Reason, &a.Stage, &created); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		a.Category = safety.Category(category)
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, minor_id, persona_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		c.ID, c.MinorID, c.PersonaID, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return s.Conversation(ctx, c.ID)
}

func (s *SQLiteStore) Conversation(ctx context.Context, id string) (Conversation, error) {
	var (
		c                Conversation
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, minor_id, persona_id, created_at, updated_at FROM conversations WHERE id=?`,
		id,
	).Scan(&c.ID, &c.MinorID, &c.PersonaID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at=? WHERE id=?`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PutGuardRules(ctx context.Context, rules safety.GuardRules) error {
	rules, err := prepareRules(rules)
	if err != nil {
		return err
	}
	topics, err := json.Marshal(nonNil(rules.AllowedTopics))
	if err != nil {
		return fmt.Errorf("encode allowed topics: %w", err)
	}
	keywords, err := json.Marshal(nonNil(rules.BlockedKeywords))
	if err != nil {
		return fmt.Errorf("encode blocked keywords: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guard_rules (minor_id, filter_level, allowed_topics, blocked_keywords, alerts_enabled, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (minor_id) DO UPDATE SET
			filter_level = excluded.filter_level,
			allowed_topics = excluded.allowed_topics,
			blocked_keywords = excluded.blocked_keywords,
			alerts_enabled = excluded.alerts_enabled,
			updated_at = excluded.updated_at`,
		rules.MinorID,
		string(rules.FilterLevel),
		string(topics),
		string(keywords),
		rules.AlertsEnabled,
		formatTime(rules.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put guard rules: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GuardRules(ctx context.Context, minorID string) (safety.GuardRules, error) {
	var (
		r                       safety.GuardRules
		level, topics, keywords string
		updated                 string
		alertsEnabled           bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT minor_id, filter_level, allowed_topics, blocked_keywords, alerts_enabled, updated_at
		 FROM guard_rules WHERE minor_id=?`,
		minorID,
	).Scan(&r.MinorID, &level, &topics, &keywords, &alertsEnabled, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return safety.GuardRules{}, ErrNotFound
	}
	if err != nil {
		return safety.GuardRules{}, fmt.Errorf("load guard rules: %w", err)
	}
	r.FilterLevel = safety.FilterLevel(level)
	r.AlertsEnabled = alertsEnabled
	if err := json.Unmarshal([]byte(topics), &r.AllowedTopics); err != nil {
		return safety.GuardRules{}, fmt.Errorf("decode allowed topics: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &r.BlockedKeywords); err != nil {
		return safety.GuardRules{}, fmt.Errorf("decode blocked keywords: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return safety.GuardRules{}, err
	}
	return r.Normalize(), nil
}

func (s *SQLiteStore) SavePersona(ctx context.Context, p persona.Config) error {
	p, err := preparePersona(p)
	if err != nil {
		return err
	}
	flags := p.ValueFlags
	if flags == nil {
		flags = map[string]string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode value flags: %w", err)
	}
	traitsJSON, err := json.Marshal(nonNil(p.PersonalityTraits))
	if err != nil {
		return fmt.Errorf("encode personality traits: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO personas (id, guardian_id, name, instruction_text, value_flags, personality_traits, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			guardian_id = excluded.guardian_id,
			name = excluded.name,
			instruction_text = excluded.instruction_text,
			value_flags = excluded.value_flags,
			personality_traits = excluded.personality_traits`,
		p.ID,
		p.GuardianID,
		p.Name,
		p.InstructionText,
		string(flagsJSON),
		string(traitsJSON),
		formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Persona(ctx context.Context, id string) (persona.Config, error) {
	var (
		p                      persona.Config
		flags, traits, created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, guardian_id, name, instruction_text, value_flags, personality_traits, created_at
		 FROM personas WHERE id=?`,
		id,
	).Scan(&p.ID, &p.GuardianID, &p.Name, &p.InstructionText, &flags, &traits, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return persona.Config{}, ErrNotFound
	}
	if err != nil {
		return persona.Config{}, fmt.Errorf("load persona: %w", err)
	}
	if err := json.Unmarshal([]byte(flags), &p.ValueFlags); err != nil {
		return persona.Config{}, fmt.Errorf("decode value flags: %w", err)
	}
	if err := json.Unmarshal([]byte(traits), &p.PersonalityTraits); err != nil {
		return persona.Config{}, fmt.Errorf("decode personality traits: %w", err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return persona.Config{}, err
	}
	return p, nil
}

func (s *SQLiteStore) LinkGuardian(ctx context.Context, guardianID, minorID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guardian_links (minor_id, guardian_id) VALUES (?, ?)
		 ON CONFLICT (minor_id) DO UPDATE SET guardian_id = excluded.guardian_id`,
		minorID, guardianID,
	)
	if err != nil {
		return fmt.Errorf("link guardian: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GuardianOf(ctx context.Context, minorID string) (string, bool, error) {
	var guardianID string
	err := s.db.QueryRowContext(ctx, `SELECT guardian_id FROM guardian_links WHERE minor_id=?`, minorID).Scan(&guardianID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load guardian link: %w", err)
	}
	return guardianID, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}
