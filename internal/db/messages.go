package db

import (
	"fmt"
	"time"

	"github.com/agentbox/agentbox/internal/chat"
)

// UpsertMessage inserts the message, or overwrites its content when the id
// is already stored for that session. Reports whether a new row was inserted.
// The seq column is assigned once at insert and never changes, which keeps
// message ordering stable across repeated syncs.
func (db *DB) UpsertMessage(m chat.Message) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := db.Exec(
		`INSERT INTO chat_messages (id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, id) DO NOTHING`,
		m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert chat message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	_, err = db.Exec(
		`UPDATE chat_messages SET content = $3 WHERE session_id = $1 AND id = $2`,
		m.SessionID, m.ID, m.Content,
	)
	if err != nil {
		return false, fmt.Errorf("update chat message: %w", err)
	}
	return false, nil
}

func (db *DB) ListMessages(sandboxID, sessionID string, opts chat.ListMessageOptions) (*chat.MessagePage, error) {
	if _, err := db.GetSession(sandboxID, sessionID); err != nil {
		return nil, err
	}

	total, err := db.CountMessages(sessionID)
	if err != nil {
		return nil, err
	}

	dir := "ASC"
	if opts.Order == chat.OrderDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT id, session_id, role, content, seq, created_at
		 FROM chat_messages WHERE session_id = $1
		 ORDER BY created_at %s, seq %s, id %s OFFSET %d`,
		dir, dir, dir, opts.Offset,
	)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	messages := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &chat.MessagePage{
		Messages:   messages,
		Pagination: chat.Pagination{Total: total, Limit: opts.Limit, Offset: opts.Offset},
	}, nil
}

func (db *DB) CountMessages(sessionID string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM chat_messages WHERE session_id = $1", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chat messages: %w", err)
	}
	return n, nil
}
