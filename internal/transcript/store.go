package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	RoleAgent = "agent"
	RoleUser  = "user"
)

// Entry is one line of a conversation with an agent.
type Entry struct {
	ID        int64
	SessionID string
	AgentID   string
	Role      string
	MsgID     string
	Text      string
	CreatedAt time.Time
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	SessionID string
	AgentID   string
	Limit     int
}

// Store keeps transcripts in a SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the transcript database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL,
			msg_id     TEXT NOT NULL DEFAULT '',
			text       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session ON messages(session_id, id)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Save appends an entry and returns its id.
func (s *Store) Save(ctx context.Context, e Entry) (int64, error) {
	if e.SessionID == "" {
		return 0, errors.New("transcript entry without session id")
	}
	if e.Role != RoleAgent && e.Role != RoleUser {
		return 0, fmt.Errorf("unknown transcript role %q", e.Role)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, agent_id, role, msg_id, text, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.AgentID, e.Role, e.MsgID, e.Text, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("save transcript: %w", err)
	}
	return res.LastInsertId()
}

// List returns matching entries, oldest first. With a limit, the most
// recent entries are kept.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, session_id, agent_id, role, msg_id, text, created_at FROM messages WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AgentID, &e.Role, &e.MsgID, &e.Text, &created); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Clear removes every entry and reports how many were deleted.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("clear transcript: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
