package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agentbox/agentbox/internal/chat"
)

// Compile-time interface check.
var _ chat.Store = (*DB)(nil)

const sessionColumns = "id, sandbox_id, user_id, source, title, status, created_at, updated_at"

// CreateSession inserts the session. When another caller already inserted the
// same id for the same sandbox, the stored row wins and is returned as-is.
func (db *DB) CreateSession(s chat.Session) (*chat.Session, error) {
	fillSessionDefaults(&s)
	_, err := db.Exec(
		`INSERT INTO chat_sessions (id, sandbox_id, user_id, source, title, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.SandboxID, s.UserID, s.Source, nullIfEmpty(s.Title), string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}
	return db.GetSession(s.SandboxID, s.ID)
}

func (db *DB) GetSession(sandboxID, sessionID string) (*chat.Session, error) {
	row := db.QueryRow(
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1 AND sandbox_id = $2`,
		sessionID, sandboxID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, chat.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat session: %w", err)
	}
	return sess, nil
}

func (db *DB) ListSessions(sandboxID string, opts chat.ListSessionOptions) (*chat.SessionPage, error) {
	stats, err := db.SessionStatsFor(sandboxID)
	if err != nil {
		return nil, err
	}

	total := stats.Total
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE sandbox_id = $1`
	args := []interface{}{sandboxID}
	if opts.Status != "" {
		query += " AND status = $2"
		args = append(args, string(opts.Status))
		switch opts.Status {
		case chat.SessionActive:
			total = stats.Active
		case chat.SessionArchived:
			total = stats.Archived
		default:
			total = 0
		}
	}
	query += " ORDER BY created_at DESC, id ASC"
	query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()

	sessions := []chat.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &chat.SessionPage{
		Sessions:   sessions,
		Pagination: chat.Pagination{Total: total, Limit: opts.Limit, Offset: opts.Offset},
		Stats:      *stats,
	}, nil
}

// ArchiveSession soft-deletes the session. Archiving twice is a no-op
// success; message rows stay.
func (db *DB) ArchiveSession(sandboxID, sessionID string) error {
	res, err := db.Exec(
		`UPDATE chat_sessions SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND sandbox_id = $2 AND status != $3`,
		sessionID, sandboxID, string(chat.SessionArchived),
	)
	if err != nil {
		return fmt.Errorf("archive chat session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Either already archived or absent. Distinguish.
		if _, err := db.GetSession(sandboxID, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// UpsertSession creates the session or refreshes its title and updated_at,
// keeping status and created_at.
func (db *DB) UpsertSession(s chat.Session) (*chat.Session, error) {
	fillSessionDefaults(&s)
	row := db.QueryRow(
		`INSERT INTO chat_sessions (id, sandbox_id, user_id, source, title, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, updated_at = EXCLUDED.updated_at
		 WHERE chat_sessions.sandbox_id = EXCLUDED.sandbox_id
		 RETURNING `+sessionColumns,
		s.ID, s.SandboxID, s.UserID, s.Source, nullIfEmpty(s.Title), string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		// The id belongs to a different sandbox.
		return nil, chat.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("upsert chat session: %w", err)
	}
	return sess, nil
}

func (db *DB) SessionStatsFor(sandboxID string) (*chat.SessionStats, error) {
	stats := &chat.SessionStats{}
	err := db.QueryRow(
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = $2),
		        COUNT(*) FILTER (WHERE status = $3)
		 FROM chat_sessions WHERE sandbox_id = $1`,
		sandboxID, string(chat.SessionActive), string(chat.SessionArchived),
	).Scan(&stats.Total, &stats.Active, &stats.Archived)
	if err != nil {
		return nil, fmt.Errorf("chat session stats: %w", err)
	}
	return stats, nil
}

func fillSessionDefaults(s *chat.Session) {
	if s.Status == "" {
		s.Status = chat.SessionActive
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
}

func scanSession(row rowScanner) (*chat.Session, error) {
	var (
		sess   chat.Session
		title  sql.NullString
		status string
	)
	err := row.Scan(&sess.ID, &sess.SandboxID, &sess.UserID, &sess.Source,
		&title, &status, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Title = title.String
	sess.Status = chat.SessionStatus(status)
	return &sess, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
