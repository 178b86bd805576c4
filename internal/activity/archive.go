package activity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yaront1111/atelier/internal/model"
)

// Archive is the SQLite store that holds activity events moved out of the
// live JSONL stream.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (creating if needed) the archive database at path.
func OpenArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open activity archive: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the archive database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS activity_events (
		id        TEXT PRIMARY KEY,
		type      TEXT NOT NULL,
		epic_id   TEXT,
		task_id   TEXT,
		worker_id TEXT,
		payload   TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_task ON activity_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_activity_type ON activity_events(type);
	CREATE INDEX IF NOT EXISTS idx_activity_time ON activity_events(timestamp);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Insert stores events in the archive inside a single transaction.
func (a *Archive) Insert(events []*model.ActivityEvent) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO activity_events (id, type, epic_id, task_id, worker_id, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var payload []byte
		if ev.Payload != nil {
			payload, err = json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("marshal archived payload: %w", err)
			}
		}
		if _, err := stmt.Exec(ev.ID, ev.Type, ev.EpicID, ev.TaskID, ev.WorkerID, string(payload), ev.Timestamp); err != nil {
			return fmt.Errorf("insert archived event: %w", err)
		}
	}
	return tx.Commit()
}

// Query returns archived events matching the filter, newest first.
func (a *Archive) Query(f Filter) ([]*model.ActivityEvent, error) {
	query := `SELECT id, type, epic_id, task_id, worker_id, payload, timestamp FROM activity_events WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.EpicID != "" {
		query += ` AND epic_id = ?`
		args = append(args, f.EpicID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, f.WorkerID)
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var events []*model.ActivityEvent
	for rows.Next() {
		var ev model.ActivityEvent
		var epicID, taskID, workerID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &epicID, &taskID, &workerID, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan archived event: %w", err)
		}
		ev.EpicID = epicID.String
		ev.TaskID = taskID.String
		ev.WorkerID = workerID.String
		if payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode archived payload: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
