package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/jackc/pgx/v5"
)

// Store journals worker sessions and their per-frame outcomes in PostgreSQL.
type Store struct {
	conn *pgx.Conn
}

// Entry is one answered frame.
type Entry struct {
	SessionID  string
	FrameIndex int
	Format     string
	Side       int
	Outcome    types.Outcome
	Latency    time.Duration
}

// SessionSummary aggregates a session's outcomes for listing.
type SessionSummary struct {
	ID        string
	Source    string
	Backend   string
	Label     string
	StartedAt time.Time
	Frames    int
	Found     int
	TooSmall  int
	Multiple  int
	None      int
}

// New establishes a connection to the database and runs the schema migration.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			backend TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE sessions ADD COLUMN IF NOT EXISTS label TEXT NOT NULL DEFAULT '';
		CREATE TABLE IF NOT EXISTS frame_outcomes (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			format TEXT NOT NULL,
			side INT NOT NULL,
			outcome TEXT NOT NULL,
			box INT[],
			latency_ms DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS frame_outcomes_session_idx ON frame_outcomes (session_id, frame_index);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureSession registers a session. Re-registering an existing ID refreshes its start time.
func (s *Store) EnsureSession(ctx context.Context, sessionID, source, backend string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sessions (id, source, backend, started_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET started_at = NOW(), backend = EXCLUDED.backend
	`, sessionID, source, backend)
	return err
}

// ErrSessionNotFound is returned when a session ID matches no journaled session.
var ErrSessionNotFound = errors.New("session not found")

// LabelSession attaches a human-readable name to a session.
func (s *Store) LabelSession(ctx context.Context, sessionID, label string) error {
	tag, err := s.conn.Exec(ctx, `UPDATE sessions SET label = $2 WHERE id = $1`, sessionID, label)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// RecordOutcome saves one answered frame.
func (s *Store) RecordOutcome(ctx context.Context, e Entry) error {
	var box []int32
	if e.Outcome.Kind == types.Found {
		b := e.Outcome.Box
		box = []int32{int32(b.X), int32(b.Y), int32(b.W), int32(b.H)}
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO frame_outcomes (session_id, frame_index, format, side, outcome, box, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.SessionID, e.FrameIndex, e.Format, e.Side, e.Outcome.Kind.String(), box, float64(e.Latency.Microseconds())/1000.0)
	return err
}

// ListSessions returns the most recent sessions with outcome counts.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.source, s.backend, s.label, s.started_at,
			COUNT(f.id),
			COUNT(f.id) FILTER (WHERE f.outcome = 'found'),
			COUNT(f.id) FILTER (WHERE f.outcome = 'too-small'),
			COUNT(f.id) FILTER (WHERE f.outcome = 'multiple'),
			COUNT(f.id) FILTER (WHERE f.outcome = 'none')
		FROM sessions s
		LEFT JOIN frame_outcomes f ON f.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.ID, &ss.Source, &ss.Backend, &ss.Label, &ss.StartedAt, &ss.Frames, &ss.Found, &ss.TooSmall, &ss.Multiple, &ss.None); err != nil {
			return nil, err
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

// SessionOutcomes returns a session's journal in frame order.
func (s *Store) SessionOutcomes(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT frame_index, format, side, outcome, box, latency_ms
		FROM frame_outcomes
		WHERE session_id = $1
		ORDER BY frame_index
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			outcome   string
			box       []int32
			latencyMs float64
		)
		if err := rows.Scan(&e.FrameIndex, &e.Format, &e.Side, &outcome, &box, &latencyMs); err != nil {
			return nil, err
		}
		e.SessionID = sessionID
		e.Outcome = parseOutcome(outcome, box)
		e.Latency = time.Duration(latencyMs * float64(time.Millisecond))
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseOutcome(kind string, box []int32) types.Outcome {
	switch kind {
	case "multiple":
		return types.Outcome{Kind: types.Multiple}
	case "too-small":
		return types.Outcome{Kind: types.TooSmall}
	case "found":
		o := types.Outcome{Kind: types.Found}
		if len(box) == 4 {
			o.Box = types.BoundingBox{X: int(box[0]), Y: int(box[1]), W: int(box[2]), H: int(box[3])}
		}
		return o
	}
	return types.Outcome{Kind: types.None}
}

// Reset drops every journal table. The schema is recreated on the next New.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS frame_outcomes; DROP TABLE IF EXISTS sessions;`)
	return err
}
