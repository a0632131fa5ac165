package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/rcliao/agent-memstore/internal/model"
)

// SQLiteExport is a queryable SQLite copy of store entries, with full-text
// search over values that are valid UTF-8. It is written only by
// ExportSQLite and never read back by the store.
type SQLiteExport struct {
	db *sql.DB
}

// OpenSQLiteExport opens or creates an export database at the given path.
func OpenSQLiteExport(dbPath string) (*SQLiteExport, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open export db: %w", err)
	}

	x := &SQLiteExport{db: db}
	if err := x.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate export db: %w", err)
	}
	return x, nil
}

func (x *SQLiteExport) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		session_id  TEXT NOT NULL,
		category    TEXT NOT NULL,
		key         TEXT NOT NULL,
		value       BLOB,
		value_text  TEXT,
		seq         INTEGER NOT NULL,
		updated_at  TEXT,
		exported_at TEXT NOT NULL,
		PRIMARY KEY (session_id, category, key)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_seq ON entries(seq);

	CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
		key,
		value_text,
		content=entries,
		content_rowid=rowid
	);

	CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
		INSERT INTO entries_fts(rowid, key, value_text) VALUES (new.rowid, new.key, new.value_text);
	END;
	CREATE TRIGGER IF NOT EXISTS entries_ad AFTER DELETE ON entries BEGIN
		INSERT INTO entries_fts(entries_fts, rowid, key, value_text) VALUES('delete', old.rowid, old.key, old.value_text);
	END;
	`
	_, err := x.db.Exec(schema)
	return err
}

// Replace swaps the rows of one session for entries, in one transaction.
func (x *SQLiteExport) Replace(ctx context.Context, sessionID string, entries []model.Entry) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (session_id, category, key, value, value_text, seq, updated_at, exported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		var text sql.NullString
		if utf8.Valid(e.Value) {
			text = sql.NullString{String: string(e.Value), Valid: true}
		}
		var updated sql.NullString
		if !e.UpdatedAt.IsZero() {
			updated = sql.NullString{String: e.UpdatedAt.UTC().Format(time.RFC3339Nano), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, e.SessionID, e.Category, e.Key, e.Value, text, int64(e.Seq), updated, now); err != nil {
			return fmt.Errorf("insert %s/%s/%s: %w", e.SessionID, e.Category, e.Key, err)
		}
	}

	return tx.Commit()
}

// SearchParams holds parameters for searching an export.
type SearchParams struct {
	Session  string
	Category string
	Query    string // FTS5 match expression over key and value text
	Limit    int
}

// Search returns exported entries matching the query, best match first.
func (x *SQLiteExport) Search(ctx context.Context, p SearchParams) ([]model.Entry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"entries_fts MATCH ?"}
	args := []interface{}{p.Query}
	if p.Session != "" {
		where = append(where, "e.session_id = ?")
		args = append(args, p.Session)
	}
	if p.Category != "" {
		where = append(where, "e.category = ?")
		args = append(args, p.Category)
	}
	args = append(args, limit)

	query := `SELECT e.session_id, e.category, e.key, e.value, e.seq, e.updated_at
	          FROM entries_fts
	          JOIN entries e ON e.rowid = entries_fts.rowid
	          WHERE ` + strings.Join(where, " AND ") + `
	          ORDER BY rank
	          LIMIT ?`

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.Entry{}
	for rows.Next() {
		var e model.Entry
		var seq int64
		var updated sql.NullString
		if err := rows.Scan(&e.SessionID, &e.Category, &e.Key, &e.Value, &seq, &updated); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		if updated.Valid {
			e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of exported rows for a session, or all rows when
// sessionID is empty.
func (x *SQLiteExport) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	var err error
	if sessionID == "" {
		err = x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	} else {
		err = x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE session_id = ?`, sessionID).Scan(&n)
	}
	return n, err
}

func (x *SQLiteExport) Close() error {
	return x.db.Close()
}

// ExportSQLite writes the live entries of a session into the SQLite database
// at path, replacing whatever an earlier export left there for that session.
// Other sessions' rows in the same file are left alone.
func (s *LogStore) ExportSQLite(ctx context.Context, sessionID, path string) (int, error) {
	entries, err := s.Export(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	x, err := OpenSQLiteExport(path)
	if err != nil {
		return 0, err
	}
	defer x.Close()

	if err := x.Replace(ctx, sessionID, entries); err != nil {
		return 0, fmt.Errorf("export to %s: %w", path, err)
	}
	s.logger.Info("exported to sqlite", "path", path, "session", sessionID, "entries", len(entries))
	return len(entries), nil
}
