package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens the audit database at path, creating parent directories as
// needed. ":memory:" gives an ephemeral database. WAL mode keeps readers
// (replay, export) off the supervisor's write path.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit: create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	return db, nil
}

// SQLiteStore persists trail records. It is a write-through sink wired to
// a Trail via AddHandler; chain integrity is re-verifiable after reload.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and runs the schema migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
        id TEXT PRIMARY KEY,
        sequence INTEGER NOT NULL,
        timestamp TEXT NOT NULL,
        robot_id TEXT NOT NULL,
        session_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        subject TEXT,
        payload TEXT,
        payload_hash TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        record_hash TEXT NOT NULL,
        signature TEXT,
        key_id TEXT
    )`,
		`CREATE INDEX IF NOT EXISTS idx_audit_session_seq
        ON audit_records (session_id, sequence)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

// Append persists one record.
func (s *SQLiteStore) Append(ctx context.Context, r *Record) error {
	query := `INSERT INTO audit_records (
        id, sequence, timestamp, robot_id, session_id, kind, subject,
        payload, payload_hash, prev_hash, record_hash, signature, key_id
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Sequence, r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.RobotID, r.SessionID, string(r.Kind), r.Subject,
		string(r.Payload), r.PayloadHash, r.PrevHash, r.RecordHash,
		r.Signature, r.KeyID,
	)
	if err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return nil
}

const recordColumns = `id, sequence, timestamp, robot_id, session_id, kind,
        subject, payload, payload_hash, prev_hash, record_hash, signature, key_id`

// Session returns one session's records in chain order. limit caps the
// result when positive.
func (s *SQLiteStore) Session(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + `
        FROM audit_records
        WHERE session_id = ?
        ORDER BY sequence ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

// Recent returns the newest records across all sessions, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + `
        FROM audit_records
        ORDER BY timestamp DESC, sequence DESC
        LIMIT ?`
	return s.queryRecords(ctx, query, limit)
}

// Sessions lists the distinct session IDs in the store.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM audit_records ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("audit: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("audit: scan session: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list sessions: %w", err)
	}
	return out, nil
}

// VerifySession replays one session's chain from storage.
func (s *SQLiteStore) VerifySession(ctx context.Context, sessionID string) error {
	records, err := s.Session(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	return VerifyChain(records)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: query records: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		r         Record
		kind      string
		timestamp string
		subject   sql.NullString
		payload   sql.NullString
		signature sql.NullString
		keyID     sql.NullString
	)
	if err := rows.Scan(
		&r.ID, &r.Sequence, &timestamp, &r.RobotID, &r.SessionID, &kind,
		&subject, &payload, &r.PayloadHash, &r.PrevHash, &r.RecordHash,
		&signature, &keyID,
	); err != nil {
		return nil, fmt.Errorf("audit: scan record: %w", err)
	}

	r.Kind = Kind(kind)
	r.Timestamp = parseTime(timestamp)
	r.Subject = subject.String
	if payload.Valid && payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	r.Signature = signature.String
	r.KeyID = keyID.String
	return &r, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
