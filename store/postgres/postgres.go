// Package postgres implements colony.MessageLog and colony.SessionStore on
// PostgreSQL, the alternate backend for a multi-process colony coordinator
// that needs durability shared across more than one machine.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/colony"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When unset, the store
// discards all log output.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Store implements colony.MessageLog and colony.SessionStore backed by
// PostgreSQL. Sequence numbers come from a BIGSERIAL column; session CAS
// uses a native WHERE version = $n clause, same as the sqlite backend.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ colony.MessageLog   = (*Store)(nil)
	_ colony.SessionStore = (*Store)(nil)
)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("postgres: init started")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			parent_id BIGINT,
			text TEXT NOT NULL,
			control TEXT,
			subtask JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			architecture TEXT NOT NULL,
			agents JSONB,
			graph JSONB,
			result TEXT,
			status TEXT NOT NULL,
			warning TEXT,
			first_failure TEXT,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			sealed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error { return nil }

// --- MessageLog ---

// Append durably commits msg and returns its assigned sequence number.
func (s *Store) Append(ctx context.Context, msg colony.Message) (int64, error) {
	start := time.Now()
	s.logger.Debug("postgres: append message", "session_id", msg.SessionID, "sender", msg.Sender, "receiver", msg.Receiver, "type", msg.Type)

	var subtaskJSON []byte
	if msg.Subtask != nil {
		data, err := json.Marshal(msg.Subtask)
		if err != nil {
			return 0, fmt.Errorf("marshal subtask payload: %w", err)
		}
		subtaskJSON = data
	}

	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (session_id, sender, receiver, type, correlation_id, parent_id, text, control, subtask, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		 RETURNING seq`,
		msg.SessionID, msg.Sender, msg.Receiver, string(msg.Type), msg.CorrelationID, msg.ParentID, msg.Text, string(msg.Control), subtaskJSON, msg.CreatedAt,
	).Scan(&seq)
	if err != nil {
		s.logger.Error("postgres: append failed", "error", err, "duration", time.Since(start))
		return 0, colony.NewStorageError("append message", err)
	}
	s.logger.Debug("postgres: append ok", "seq", seq, "duration", time.Since(start))
	return seq, nil
}

// Read returns records at or after fromSeq in sequence order, optionally
// filtered by receiver.
func (s *Store) Read(ctx context.Context, fromSeq int64, limit int, receiver colony.AgentID) ([]colony.Message, error) {
	start := time.Now()
	s.logger.Debug("postgres: read messages", "from_seq", fromSeq, "limit", limit, "receiver", receiver)

	query := `SELECT seq, session_id, sender, receiver, type, correlation_id, parent_id, text, control, subtask, created_at
		FROM messages WHERE seq >= $1`
	args := []any{fromSeq}
	if receiver != "" {
		args = append(args, receiver)
		query += fmt.Sprintf(" AND receiver = $%d", len(args))
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("postgres: read failed", "error", err, "duration", time.Since(start))
		return nil, colony.NewStorageError("read messages", err)
	}
	defer rows.Close()

	var out []colony.Message
	for rows.Next() {
		var m colony.Message
		var msgType, control string
		var parentID *int64
		var subtaskJSON []byte
		if err := rows.Scan(&m.Seq, &m.SessionID, &m.Sender, &m.Receiver, &msgType, &m.CorrelationID, &parentID, &m.Text, &control, &subtaskJSON, &m.CreatedAt); err != nil {
			return nil, colony.NewStorageError("scan message", err)
		}
		m.Type = colony.MessageType(msgType)
		m.Control = colony.ControlKind(control)
		m.ParentID = parentID
		if len(subtaskJSON) > 0 {
			var p colony.SubtaskPayload
			if err := json.Unmarshal(subtaskJSON, &p); err == nil {
				m.Subtask = &p
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, colony.NewStorageError("iterate messages", err)
	}
	s.logger.Debug("postgres: read ok", "count", len(out), "duration", time.Since(start))
	return out, nil
}

// Prune removes records at or below upToSeq.
func (s *Store) Prune(ctx context.Context, upToSeq int64) error {
	start := time.Now()
	s.logger.Debug("postgres: prune messages", "up_to_seq", upToSeq)

	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE seq <= $1`, upToSeq)
	if err != nil {
		s.logger.Error("postgres: prune failed", "error", err, "duration", time.Since(start))
		return colony.NewStorageError("prune messages", err)
	}
	s.logger.Debug("postgres: prune ok", "deleted", tag.RowsAffected(), "duration", time.Since(start))
	return nil
}

// NextSeq returns the sequence number the next Append will assign.
func (s *Store) NextSeq(ctx context.Context) (int64, error) {
	var max *int64
	err := s.pool.QueryRow(ctx, `SELECT MAX(seq) FROM messages`).Scan(&max)
	if err != nil {
		return 0, colony.NewStorageError("compute next seq", err)
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

// --- SessionStore ---

// Create inserts a new session row.
func (s *Store) Create(ctx context.Context, sess colony.Session) error {
	start := time.Now()
	s.logger.Debug("postgres: create session", "id", sess.ID, "architecture", sess.Architecture)

	agentsJSON, graphJSON, err := marshalSession(sess)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, task, architecture, agents, graph, result, status, warning, first_failure, version, created_at, sealed_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11, $12)`,
		sess.ID, sess.Task, string(sess.Architecture), agentsJSON, graphJSON, sess.Result, string(sess.Status), sess.Warning, sess.FirstFailure, sess.Version, sess.CreatedAt, nullableInt64(sess.SealedAt),
	)
	if err != nil {
		s.logger.Error("postgres: create session failed", "id", sess.ID, "error", err, "duration", time.Since(start))
		return colony.NewStorageError("create session", err)
	}
	s.logger.Info("postgres: create session ok", "id", sess.ID, "duration", time.Since(start))
	return nil
}

// Update performs a CAS on Session.Version: it only applies when the
// stored version still matches sess.Version, then increments it.
func (s *Store) Update(ctx context.Context, sess colony.Session) error {
	start := time.Now()
	s.logger.Debug("postgres: update session", "id", sess.ID, "version", sess.Version)

	agentsJSON, graphJSON, err := marshalSession(sess)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET task=$1, architecture=$2, agents=$3::jsonb, graph=$4::jsonb, result=$5, status=$6, warning=$7, first_failure=$8, version=$9, sealed_at=$10
		 WHERE id=$11 AND version=$12`,
		sess.Task, string(sess.Architecture), agentsJSON, graphJSON, sess.Result, string(sess.Status), sess.Warning, sess.FirstFailure, sess.Version+1, nullableInt64(sess.SealedAt),
		sess.ID, sess.Version,
	)
	if err != nil {
		s.logger.Error("postgres: update session failed", "id", sess.ID, "error", err, "duration", time.Since(start))
		return colony.NewStorageError("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return colony.NewStorageError("update session", fmt.Errorf("session %s: version %d is stale", sess.ID, sess.Version))
	}
	s.logger.Debug("postgres: update session ok", "id", sess.ID, "duration", time.Since(start))
	return nil
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, id string) (colony.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task, architecture, agents, graph, result, status, warning, first_failure, version, created_at, sealed_at
		 FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// List returns sessions with the given status, or all sessions when status is empty.
func (s *Store) List(ctx context.Context, status colony.SessionStatus) ([]colony.Session, error) {
	start := time.Now()
	s.logger.Debug("postgres: list sessions", "status", status)

	query := `SELECT id, task, architecture, agents, graph, result, status, warning, first_failure, version, created_at, sealed_at FROM sessions`
	var args []any
	if status != "" {
		args = append(args, string(status))
		query += " WHERE status = $1"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("postgres: list sessions failed", "error", err, "duration", time.Since(start))
		return nil, colony.NewStorageError("list sessions", err)
	}
	defer rows.Close()

	var out []colony.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	s.logger.Debug("postgres: list sessions ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// Seal marks a session terminal.
func (s *Store) Seal(ctx context.Context, id string, status colony.SessionStatus, now int64) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := sess.Seal(status, now); err != nil {
		return err
	}
	return s.Update(ctx, sess)
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (colony.Session, error) {
	var sess colony.Session
	var architecture, status string
	var agentsJSON, graphJSON []byte
	var sealedAt *int64

	err := row.Scan(&sess.ID, &sess.Task, &architecture, &agentsJSON, &graphJSON, &sess.Result, &status, &sess.Warning, &sess.FirstFailure, &sess.Version, &sess.CreatedAt, &sealedAt)
	if err == pgx.ErrNoRows {
		return colony.Session{}, colony.NewStorageError("get session", err)
	}
	if err != nil {
		return colony.Session{}, colony.NewStorageError("scan session", err)
	}
	sess.Architecture = colony.Architecture(architecture)
	sess.Status = colony.SessionStatus(status)
	if sealedAt != nil {
		sess.SealedAt = *sealedAt
	}
	if err := unmarshalSession(&sess, agentsJSON, graphJSON); err != nil {
		return colony.Session{}, err
	}
	return sess, nil
}

func marshalSession(sess colony.Session) ([]byte, []byte, error) {
	var agentsJSON, graphJSON []byte
	if len(sess.Agents) > 0 {
		data, err := json.Marshal(sess.Agents)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal agents: %w", err)
		}
		agentsJSON = data
	}
	if sess.Graph != nil {
		data, err := json.Marshal(sess.Graph.All())
		if err != nil {
			return nil, nil, fmt.Errorf("marshal graph: %w", err)
		}
		graphJSON = data
	}
	return agentsJSON, graphJSON, nil
}

func unmarshalSession(sess *colony.Session, agentsJSON, graphJSON []byte) error {
	if len(agentsJSON) > 0 {
		if err := json.Unmarshal(agentsJSON, &sess.Agents); err != nil {
			return fmt.Errorf("unmarshal agents: %w", err)
		}
	}
	if len(graphJSON) > 0 {
		var records []*colony.SubtaskRecord
		if err := json.Unmarshal(graphJSON, &records); err != nil {
			return fmt.Errorf("unmarshal graph: %w", err)
		}
		graph, _ := colony.NewSubtaskGraph(records)
		sess.Graph = graph
	}
	return nil
}

func nullableInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
