package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// busyTimeout is how long a statement waits for another process's write
// lock before failing with SQLITE_BUSY. The CLI and the daemon share the
// database file.
const busyTimeout = 10 * time.Second

const upsertDocument = `INSERT INTO documents (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// SQLiteBackend keeps one JSON document per (namespace, key) row.
type SQLiteBackend struct {
	db *sql.DB
}

// sqliteDSN applies the per-connection pragmas every handle needs.
func sqliteDSN(dbPath string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		dbPath, busyTimeout.Milliseconds())
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := sqliteDSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serialises writers; documents are small.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value string
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get document %s/%s: %w", namespace, key, err)
	}
	return []byte(value), true, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, upsertDocument, namespace, key, string(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put document %s/%s: %w", namespace, key, err)
	}
	slog.DebugContext(ctx, "Document saved to SQLite",
		"namespace", namespace,
		"key", key,
		"bytes", len(value))
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, namespace, key string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM documents WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("delete document %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Update runs a read-modify-write of one document inside a BEGIN IMMEDIATE
// transaction, so writers in other processes queue behind it instead of
// overwriting its result. A nil result from fn leaves the document as is.
func (b *SQLiteBackend) Update(ctx context.Context, namespace, key string, fn func(current []byte, found bool) ([]byte, error)) error {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin update %s/%s: %w", namespace, key, err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	var current []byte
	found := true
	var value string
	err = conn.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return fmt.Errorf("get document %s/%s: %w", namespace, key, err)
	default:
		current = []byte(value)
	}

	next, err := fn(current, found)
	if err != nil {
		return err
	}
	if next != nil {
		if _, err := conn.ExecContext(ctx, upsertDocument, namespace, key, string(next), time.Now().UTC()); err != nil {
			return fmt.Errorf("put document %s/%s: %w", namespace, key, err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit update %s/%s: %w", namespace, key, err)
	}
	committed = true
	return nil
}
