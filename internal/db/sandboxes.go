package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentbox/agentbox/internal/sbx"
)

// Compile-time interface check.
var _ sbx.Store = (*DB)(nil)

func (db *DB) CreateSandbox(rec *sbx.Record) error {
	urls, err := json.Marshal(rec.URLs)
	if err != nil {
		return fmt.Errorf("marshal sandbox urls: %w", err)
	}
	labels, err := json.Marshal(rec.Labels)
	if err != nil {
		return fmt.Errorf("marshal sandbox labels: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO sandboxes (id, user_id, name, image, status, container_id, urls, labels, created_at, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.UserID, rec.Name, rec.Image, string(rec.Status), rec.ContainerID,
		urls, labels, rec.CreatedAt, nullTime(rec.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	return nil
}

func (db *DB) GetSandbox(id string) (*sbx.Record, error) {
	row := db.QueryRow(
		`SELECT id, user_id, name, image, status, container_id, urls, labels, created_at, started_at
		 FROM sandboxes WHERE id = $1`,
		id,
	)
	rec, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, sbx.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	return rec, nil
}

func (db *DB) ListSandboxRecords() ([]*sbx.Record, error) {
	rows, err := db.Query(
		`SELECT id, user_id, name, image, status, container_id, urls, labels, created_at, started_at
		 FROM sandboxes ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var recs []*sbx.Record
	for rows.Next() {
		rec, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (db *DB) UpdateSandboxStatus(id string, status sbx.Status) error {
	res, err := db.Exec("UPDATE sandboxes SET status = $2 WHERE id = $1", id, string(status))
	if err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return checkAffected(res, sbx.ErrNotFound)
}

func (db *DB) SetSandboxStarted(id string, at time.Time) error {
	res, err := db.Exec("UPDATE sandboxes SET started_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("set sandbox started: %w", err)
	}
	return checkAffected(res, sbx.ErrNotFound)
}

func (db *DB) DeleteSandboxRecord(id string) error {
	res, err := db.Exec("DELETE FROM sandboxes WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return checkAffected(res, sbx.ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSandbox(row rowScanner) (*sbx.Record, error) {
	var (
		rec       sbx.Record
		status    string
		urls      []byte
		labels    []byte
		startedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Name, &rec.Image, &status,
		&rec.ContainerID, &urls, &labels, &rec.CreatedAt, &startedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = sbx.Status(status)
	if err := json.Unmarshal(urls, &rec.URLs); err != nil {
		return nil, fmt.Errorf("unmarshal sandbox urls: %w", err)
	}
	if err := json.Unmarshal(labels, &rec.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal sandbox labels: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	return &rec, nil
}

func checkAffected(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
