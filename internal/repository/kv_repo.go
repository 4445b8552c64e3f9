package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type KVSQLite struct {
	db *sql.DB
}

func NewKVSQLite(db *sql.DB) *KVSQLite {
	return &KVSQLite{db: db}
}

const (
	upsertKVSQL = `
		INSERT INTO local_cache (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			updated_at=excluded.updated_at
	`

	selectKVSQL     = `SELECT value FROM local_cache WHERE key=?`
	deleteKVSQL     = `DELETE FROM local_cache WHERE key=?`
	selectKeysSQL   = `SELECT key FROM local_cache WHERE key LIKE ? ESCAPE '\' ORDER BY key ASC`
	countEntriesSQL = `SELECT COUNT(*) FROM local_cache`
	clearSQL        = `DELETE FROM local_cache`
)

// Save writes or overwrites the value for key.
func (r *KVSQLite) Save(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, upsertKVSQL, key, string(value), time.Now().UTC())
	return err
}

// Load fetches the value for key. The second return is false on a miss.
func (r *KVSQLite) Load(ctx context.Context, key string) ([]byte, bool, error) {
	row := r.db.QueryRowContext(ctx, selectKVSQL, key)

	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(value), true, nil
}

// Delete removes the entry for key. Deleting a missing key is a no-op.
func (r *KVSQLite) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, deleteKVSQL, key)
	return err
}

// Keys returns all stored keys with the given prefix, sorted ascending.
func (r *KVSQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeLike(prefix) + "%"
	rows, err := r.db.QueryContext(ctx, selectKeysSQL, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Size returns the number of stored entries, used for storage accounting.
func (r *KVSQLite) Size(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, countEntriesSQL).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Clear drops every stored entry.
func (r *KVSQLite) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, clearSQL)
	return err
}

// escapeLike neutralizes LIKE wildcards so prefixes containing "_" (the
// session key delimiter) match literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
