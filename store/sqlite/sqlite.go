// Package sqlite implements colony.MessageLog and colony.SessionStore on a
// pure-Go embedded SQLite file, the default backend for a single-process
// colony coordinator.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/colony"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When unset, the store
// discards all log output.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements colony.MessageLog and colony.SessionStore backed by a
// local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ colony.MessageLog   = (*Store)(nil)
	_ colony.SessionStore = (*Store)(nil)
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so all goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors from
// concurrent writers opening independent connections — the Log Writer's
// serialization latch is implemented by this single connection.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; the blank
		// import above guarantees it is.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			type TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			parent_id INTEGER,
			text TEXT NOT NULL,
			control TEXT,
			subtask TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			architecture TEXT NOT NULL,
			agents TEXT,
			graph TEXT,
			result TEXT,
			status TEXT NOT NULL,
			warning TEXT,
			first_failure TEXT,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			sealed_at INTEGER
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	if err := s.db.Close(); err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
		return err
	}
	return nil
}

// --- MessageLog ---

// Append durably commits msg and returns its assigned sequence number.
func (s *Store) Append(ctx context.Context, msg colony.Message) (int64, error) {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "session_id", msg.SessionID, "sender", msg.Sender, "receiver", msg.Receiver, "type", msg.Type)

	var subtaskJSON *string
	if msg.Subtask != nil {
		data, err := json.Marshal(msg.Subtask)
		if err != nil {
			return 0, fmt.Errorf("marshal subtask payload: %w", err)
		}
		v := string(data)
		subtaskJSON = &v
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, receiver, type, correlation_id, parent_id, text, control, subtask, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Sender, msg.Receiver, string(msg.Type), msg.CorrelationID, msg.ParentID, msg.Text, string(msg.Control), subtaskJSON, msg.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append failed", "error", err, "duration", time.Since(start))
		return 0, newStorageErr("append message", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, newStorageErr("read assigned seq", err)
	}
	s.logger.Debug("sqlite: append ok", "seq", seq, "duration", time.Since(start))
	return seq, nil
}

// Read returns records at or after fromSeq in sequence order, optionally
// filtered by receiver.
func (s *Store) Read(ctx context.Context, fromSeq int64, limit int, receiver colony.AgentID) ([]colony.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: read messages", "from_seq", fromSeq, "limit", limit, "receiver", receiver)

	query := `SELECT seq, session_id, sender, receiver, type, correlation_id, parent_id, text, control, subtask, created_at
		FROM messages WHERE seq >= ?`
	args := []any{fromSeq}
	if receiver != "" {
		query += ` AND receiver = ?`
		args = append(args, receiver)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: read failed", "error", err, "duration", time.Since(start))
		return nil, newStorageErr("read messages", err)
	}
	defer rows.Close()

	var out []colony.Message
	for rows.Next() {
		var m colony.Message
		var sessionType, control string
		var parentID sql.NullInt64
		var subtaskJSON sql.NullString
		if err := rows.Scan(&m.Seq, &m.SessionID, &m.Sender, &m.Receiver, &sessionType, &m.CorrelationID, &parentID, &m.Text, &control, &subtaskJSON, &m.CreatedAt); err != nil {
			return nil, newStorageErr("scan message", err)
		}
		m.Type = colony.MessageType(sessionType)
		m.Control = colony.ControlKind(control)
		if parentID.Valid {
			v := parentID.Int64
			m.ParentID = &v
		}
		if subtaskJSON.Valid {
			var p colony.SubtaskPayload
			if err := json.Unmarshal([]byte(subtaskJSON.String), &p); err == nil {
				m.Subtask = &p
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageErr("iterate messages", err)
	}
	s.logger.Debug("sqlite: read ok", "count", len(out), "duration", time.Since(start))
	return out, nil
}

// Prune removes records at or below upToSeq.
func (s *Store) Prune(ctx context.Context, upToSeq int64) error {
	start := time.Now()
	s.logger.Debug("sqlite: prune messages", "up_to_seq", upToSeq)

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE seq <= ?`, upToSeq)
	if err != nil {
		s.logger.Error("sqlite: prune failed", "error", err, "duration", time.Since(start))
		return newStorageErr("prune messages", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: prune ok", "deleted", n, "duration", time.Since(start))
	return nil
}

// NextSeq returns the sequence number the next Append will assign.
func (s *Store) NextSeq(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages`).Scan(&max)
	if err != nil {
		return 0, newStorageErr("compute next seq", err)
	}
	return max.Int64 + 1, nil
}

// --- SessionStore ---

// Create inserts a new session row.
func (s *Store) Create(ctx context.Context, sess colony.Session) error {
	start := time.Now()
	s.logger.Debug("sqlite: create session", "id", sess.ID, "architecture", sess.Architecture)

	agentsJSON, graphJSON, err := marshalSession(sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, task, architecture, agents, graph, result, status, warning, first_failure, version, created_at, sealed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Task, string(sess.Architecture), agentsJSON, graphJSON, sess.Result, string(sess.Status), sess.Warning, sess.FirstFailure, sess.Version, sess.CreatedAt, sess.SealedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create session failed", "id", sess.ID, "error", err, "duration", time.Since(start))
		return newStorageErr("create session", err)
	}
	s.logger.Info("sqlite: create session ok", "id", sess.ID, "duration", time.Since(start))
	return nil
}

// Update performs a CAS on Session.Version: it only applies when the
// stored version still matches sess.Version, then increments it.
func (s *Store) Update(ctx context.Context, sess colony.Session) error {
	start := time.Now()
	s.logger.Debug("sqlite: update session", "id", sess.ID, "version", sess.Version)

	agentsJSON, graphJSON, err := marshalSession(sess)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET task=?, architecture=?, agents=?, graph=?, result=?, status=?, warning=?, first_failure=?, version=?, sealed_at=?
		 WHERE id=? AND version=?`,
		sess.Task, string(sess.Architecture), agentsJSON, graphJSON, sess.Result, string(sess.Status), sess.Warning, sess.FirstFailure, sess.Version+1, sess.SealedAt,
		sess.ID, sess.Version,
	)
	if err != nil {
		s.logger.Error("sqlite: update session failed", "id", sess.ID, "error", err, "duration", time.Since(start))
		return newStorageErr("update session", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newStorageErr("update session", fmt.Errorf("session %s: version %d is stale", sess.ID, sess.Version))
	}
	s.logger.Debug("sqlite: update session ok", "id", sess.ID, "duration", time.Since(start))
	return nil
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, id string) (colony.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task, architecture, agents, graph, result, status, warning, first_failure, version, created_at, sealed_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// List returns sessions with the given status, or all sessions when status is empty.
func (s *Store) List(ctx context.Context, status colony.SessionStatus) ([]colony.Session, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list sessions", "status", status)

	query := `SELECT id, task, architecture, agents, graph, result, status, warning, first_failure, version, created_at, sealed_at FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list sessions failed", "error", err, "duration", time.Since(start))
		return nil, newStorageErr("list sessions", err)
	}
	defer rows.Close()

	var out []colony.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	s.logger.Debug("sqlite: list sessions ok", "count", len(out), "duration", time.Since(start))
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (colony.Session, error) {
	var sess colony.Session
	var architecture, status string
	var agentsJSON, graphJSON sql.NullString
	var sealedAt sql.NullInt64

	err := row.Scan(&sess.ID, &sess.Task, &architecture, &agentsJSON, &graphJSON, &sess.Result, &status, &sess.Warning, &sess.FirstFailure, &sess.Version, &sess.CreatedAt, &sealedAt)
	if err != nil {
		return colony.Session{}, newStorageErr("scan session", err)
	}
	sess.Architecture = colony.Architecture(architecture)
	sess.Status = colony.SessionStatus(status)
	if sealedAt.Valid {
		sess.SealedAt = sealedAt.Int64
	}
	if err := unmarshalSession(&sess, agentsJSON, graphJSON); err != nil {
		return colony.Session{}, err
	}
	return sess, nil
}

func scanSessionRows(rows *sql.Rows) (colony.Session, error) {
	return scanSession(rows)
}

func marshalSession(sess colony.Session) (agentsJSON, graphJSON *string, err error) {
	if len(sess.Agents) > 0 {
		data, err := json.Marshal(sess.Agents)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal agents: %w", err)
		}
		v := string(data)
		agentsJSON = &v
	}
	if sess.Graph != nil {
		data, err := json.Marshal(sess.Graph.All())
		if err != nil {
			return nil, nil, fmt.Errorf("marshal graph: %w", err)
		}
		v := string(data)
		graphJSON = &v
	}
	return agentsJSON, graphJSON, nil
}

func unmarshalSession(sess *colony.Session, agentsJSON, graphJSON sql.NullString) error {
	if agentsJSON.Valid {
		if err := json.Unmarshal([]byte(agentsJSON.String), &sess.Agents); err != nil {
			return fmt.Errorf("unmarshal agents: %w", err)
		}
	}
	if graphJSON.Valid {
		var records []*colony.SubtaskRecord
		if err := json.Unmarshal([]byte(graphJSON.String), &records); err != nil {
			return fmt.Errorf("unmarshal graph: %w", err)
		}
		graph, _ := colony.NewSubtaskGraph(records)
		sess.Graph = graph
	}
	return nil
}

func newStorageErr(msg string, cause error) error {
	return colony.NewStorageError(msg, cause)
}
