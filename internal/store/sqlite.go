// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			secret_hash  TEXT NOT NULL,
			is_online    INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME,
			system_info  TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			UNIQUE (user_id, name)
		);

		CREATE INDEX IF NOT EXISTS idx_agents_user_id ON agents(user_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id                   TEXT PRIMARY KEY,
			agent_id             TEXT NOT NULL,
			user_id              TEXT NOT NULL,
			name                 TEXT NOT NULL DEFAULT '',
			working_directory    TEXT NOT NULL DEFAULT '',
			assistant_session_id TEXT NOT NULL DEFAULT '',
			created_at           DATETIME NOT NULL,
			updated_at           DATETIME NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent_id ON sessions(agent_id);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateAgent inserts a new agent record
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, description, secret_hash, is_online, system_info, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		agent.ID, agent.UserID, agent.Name, agent.Description, agent.SecretHash, agent.SystemInfo, agent.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, secret_hash, is_online, last_seen_at, system_info, created_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgentsForUser returns all agents registered by a user
func (s *SQLiteStore) ListAgentsForUser(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, secret_hash, is_online, last_seen_at, system_info, created_at
		FROM agents WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentOnline updates an agent's presence flag
func (s *SQLiteStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET is_online = ?, last_seen_at = ? WHERE id = ?`,
		boolToInt(online), time.Now(), id)
	if err != nil {
		return fmt.Errorf("updating agent presence: %w", err)
	}
	return requireRow(res)
}

// TouchAgent bumps last_seen_at, optionally refreshing system info
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, systemInfo string) error {
	var res sql.Result
	var err error
	if systemInfo != "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE agents SET last_seen_at = ?, system_info = ? WHERE id = ?`,
			time.Now(), systemInfo, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE agents SET last_seen_at = ? WHERE id = ?`,
			time.Now(), id)
	}
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	return requireRow(res)
}

// DeleteAgent removes an agent record
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return requireRow(res)
}

// CreateSession inserts a new session record
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, user_id, name, working_directory, assistant_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.AgentID, session.UserID, session.Name,
		session.WorkingDirectory, session.AssistantSessionID, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, user_id, name, working_directory, assistant_session_id, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.UserID, &sess.Name,
		&sess.WorkingDirectory, &sess.AssistantSessionID, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// ListSessionsForAgent returns sessions for an agent, newest first
func (s *SQLiteStore) ListSessionsForAgent(ctx context.Context, agentID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, user_id, name, working_directory, assistant_session_id, created_at, updated_at
		FROM sessions WHERE agent_id = ? ORDER BY updated_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.UserID, &sess.Name,
			&sess.WorkingDirectory, &sess.AssistantSessionID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// UpdateAssistantSession records the backend's session identifier
func (s *SQLiteStore) UpdateAssistantSession(ctx context.Context, id, assistantSessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET assistant_session_id = ?, updated_at = ? WHERE id = ?`,
		assistantSessionID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return requireRow(res)
}

// SaveMessage persists a conversation turn
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages for a session, oldest first.
// A limit of 0 means no limit.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	query := `SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var online int
	var lastSeen sql.NullTime
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &a.SecretHash,
		&online, &lastSeen, &a.SystemInfo, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	a.IsOnline = online != 0
	if lastSeen.Valid {
		t := lastSeen.Time
		a.LastSeenAt = &t
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
