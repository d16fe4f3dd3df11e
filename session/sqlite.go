package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    id          TEXT PRIMARY KEY,
    body        BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_sessions_updated ON upload_sessions(updated_at);
`

// SQLiteBackend stores sessions in a single SQLite database, encrypted with SQLCipher
// when a passphrase is given.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens (or creates) the database at dbPath.
// A wrong passphrase for an existing database is reported here.
func OpenSQLiteBackend(ctx context.Context, dbPath, passphrase string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	if passphrase != "" {
		dsn = fmt.Sprintf("file:%s?_pragma_key=%s&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath, url.QueryEscape(passphrase))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if passphrase != "" {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid passphrase or corrupted database: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, id string) (*types.UploadSession, error) {
	var body []byte
	err := b.db.QueryRowContext(ctx, "SELECT body FROM upload_sessions WHERE id = ?", id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return decodeSession(body)
}

func (b *SQLiteBackend) Save(ctx context.Context, s *types.UploadSession) error {
	body, err := sonic.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO upload_sessions (id, body, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		s.ID, body, s.LastUpdatedAt.UnixMilli())
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM upload_sessions WHERE id = ?", id)
	return err
}

func (b *SQLiteBackend) List(ctx context.Context) ([]*types.UploadSession, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT id, body FROM upload_sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.UploadSession
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		s, err := decodeSession(body)
		if err != nil {
			tool.DefaultLogger.Warnf("[Session] Skipping unreadable session row %s: %v", id, err)
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
