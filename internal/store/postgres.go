// Package store persists analysis snapshots, trigger activations and
// conference records. Every write is best effort from the caller's side.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexiqai/coach-gateway/internal/analysis"
	"github.com/lexiqai/coach-gateway/internal/coaching"
	"github.com/lexiqai/coach-gateway/internal/conference"
)

// Schema is the DDL applied by [Postgres.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_snapshots (
    session_id     TEXT PRIMARY KEY,
    conference_id  TEXT NOT NULL DEFAULT '',
    coach_id       TEXT NOT NULL DEFAULT '',
    rep_phone      TEXT NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    turns          INTEGER NOT NULL DEFAULT 0,
    rep_words      INTEGER NOT NULL DEFAULT 0,
    customer_words INTEGER NOT NULL DEFAULT 0,
    talk_ratio     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    sentiment      DOUBLE PRECISION NOT NULL DEFAULT 0,
    objections     INTEGER NOT NULL DEFAULT 0,
    questions      INTEGER NOT NULL DEFAULT 0,
    activated      JSONB NOT NULL DEFAULT '[]',
    ended          BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_analysis_snapshots_conference ON analysis_snapshots(conference_id);

CREATE TABLE IF NOT EXISTS trigger_activations (
    id           BIGSERIAL PRIMARY KEY,
    session_id   TEXT NOT NULL,
    rule_id      TEXT NOT NULL,
    label        TEXT NOT NULL DEFAULT '',
    severity     TEXT NOT NULL,
    activated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trigger_activations_time ON trigger_activations(activated_at);

CREATE TABLE IF NOT EXISTS conferences (
    id            TEXT PRIMARY KEY,
    friendly_name TEXT NOT NULL,
    provider_sid  TEXT NOT NULL DEFAULT '',
    coach_id      TEXT NOT NULL DEFAULT '',
    analysis_id   TEXT NOT NULL DEFAULT '',
    rep_phone     TEXT NOT NULL,
    client_phone  TEXT NOT NULL,
    status        TEXT NOT NULL,
    coach_mode    TEXT NOT NULL,
    legs          JSONB NOT NULL DEFAULT '[]',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
`

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres stores snapshots, activations and conferences in PostgreSQL.
type Postgres struct {
	db DB
}

var (
	_ analysis.SnapshotStore = (*Postgres)(nil)
	_ coaching.ActivationLog = (*Postgres)(nil)
	_ conference.Store       = (*Postgres)(nil)
)

// NewPostgres wraps an existing connection or pool. Call Migrate before use.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the latest snapshot of an analysis session.
func (p *Postgres) SaveSnapshot(ctx context.Context, s analysis.Snapshot) error {
	activated, err := json.Marshal(nonNil(s.Activated))
	if err != nil {
		return fmt.Errorf("store: marshal activated: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO analysis_snapshots (
			session_id, conference_id, coach_id, rep_phone, started_at, updated_at,
			turns, rep_words, customer_words, talk_ratio, sentiment,
			objections, questions, activated, ended
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			turns = EXCLUDED.turns,
			rep_words = EXCLUDED.rep_words,
			customer_words = EXCLUDED.customer_words,
			talk_ratio = EXCLUDED.talk_ratio,
			sentiment = EXCLUDED.sentiment,
			objections = EXCLUDED.objections,
			questions = EXCLUDED.questions,
			activated = EXCLUDED.activated,
			ended = EXCLUDED.ended
		WHERE analysis_snapshots.updated_at <= EXCLUDED.updated_at`,
		s.SessionID, s.ConferenceID, s.CoachID, s.RepPhone, s.StartedAt, s.UpdatedAt,
		s.Turns, s.RepWords, s.CustomerWords, s.TalkRatio, s.Sentiment,
		s.Objections, s.Questions, activated, s.Ended,
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot %s: %w", s.SessionID, err)
	}
	return nil
}

// Record appends an activation to the log.
func (p *Postgres) Record(ctx context.Context, a coaching.Activation) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO trigger_activations (session_id, rule_id, label, severity, activated_at) VALUES ($1, $2, $3, $4, $5)`,
		a.SessionID, a.RuleID, a.Label, string(a.Severity), a.At,
	)
	if err != nil {
		return fmt.Errorf("store: record activation %s: %w", a.RuleID, err)
	}
	return nil
}

// Counts returns activations per rule id since the given time.
func (p *Postgres) Counts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := p.db.Query(ctx,
		`SELECT rule_id, COUNT(*) FROM trigger_activations WHERE activated_at >= $1 GROUP BY rule_id`, since)
	if err != nil {
		return nil, fmt.Errorf("store: count activations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var rule string
		var n int64
		if err := rows.Scan(&rule, &n); err != nil {
			return nil, fmt.Errorf("store: scan activation count: %w", err)
		}
		counts[rule] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate activation counts: %w", err)
	}
	return counts, nil
}

// SaveConference upserts a conference record.
func (p *Postgres) SaveConference(ctx context.Context, r conference.Record) error {
	legs, err := json.Marshal(r.Legs)
	if err != nil {
		return fmt.Errorf("store: marshal legs: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO conferences (
			id, friendly_name, provider_sid, coach_id, analysis_id, rep_phone, client_phone,
			status, coach_mode, legs, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			provider_sid = EXCLUDED.provider_sid,
			status = EXCLUDED.status,
			coach_mode = EXCLUDED.coach_mode,
			legs = EXCLUDED.legs,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.Name, r.SID, r.CoachID, r.AnalysisID, r.RepPhone, r.ClientPhone,
		string(r.Status), string(r.Mode), legs, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save conference %s: %w", r.ID, err)
	}
	return nil
}

// Healthy runs a trivial query.
func (p *Postgres) Healthy(ctx context.Context) (bool, error) {
	if _, err := p.db.Exec(ctx, "SELECT 1"); err != nil {
		return false, err
	}
	return true, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
