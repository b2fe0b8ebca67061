// Package sqlstore keeps documents in a single versioned table on PostgreSQL
// or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"whisper/chat-service/internal/models"
	"whisper/chat-service/internal/store"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS documents (
  namespace   TEXT   NOT NULL,
  doc_key     TEXT   NOT NULL,
  body        TEXT   NOT NULL,
  version     BIGINT NOT NULL,
  updated_at  BIGINT NOT NULL,
  PRIMARY KEY (namespace, doc_key)
);
`,
	`
CREATE TABLE IF NOT EXISTS quarantined_documents (
  namespace       TEXT   NOT NULL,
  quarantine_key  TEXT   NOT NULL,
  doc_key         TEXT   NOT NULL,
  body            TEXT   NOT NULL,
  quarantined_at  BIGINT NOT NULL,
  PRIMARY KEY (namespace, quarantine_key)
);
`,
}

type Store struct {
	db     *sql.DB
	driver string
}

var _ store.DocumentStore = (*Store)(nil)

// SQLiteDSN builds a DSN for a database file with foreign keys and a busy timeout.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(path))
}

// PostgresDSN builds a postgres:// URL.
func PostgresDSN(host string, port int, user, password, dbname, sslmode string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
}

func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version BIGINT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), i+1); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, namespace, key string) (store.Document, error) {
	var body string
	var version int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT body, version FROM documents WHERE namespace = ? AND doc_key = ?`),
		namespace, key,
	).Scan(&body, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, store.ErrNotFound
		}
		return store.Document{}, fmt.Errorf("get document %s/%s: %w", namespace, key, err)
	}

	if !json.Valid([]byte(body)) {
		return store.Document{}, fmt.Errorf("%w: document %s/%s", store.ErrCorruptData, namespace, key)
	}

	return store.Document{Body: []byte(body), Version: formatVersion(version)}, nil
}

func (s *Store) Put(ctx context.Context, namespace, key string, body []byte, ifVersion string) (string, error) {
	if namespace == "" || key == "" {
		return "", fmt.Errorf("%w: namespace and key are required", models.ErrInvalidArgument)
	}
	if !json.Valid(body) {
		return "", fmt.Errorf("%w: document body is not valid JSON", models.ErrInvalidArgument)
	}
	now := time.Now().UnixMilli()

	switch ifVersion {
	case store.VersionAny:
		var version int64
		err := s.db.QueryRowContext(ctx,
			s.rebind(`INSERT INTO documents (namespace, doc_key, body, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (namespace, doc_key) DO UPDATE
			SET body = excluded.body, version = documents.version + 1, updated_at = excluded.updated_at
			RETURNING version`),
			namespace, key, string(body), now,
		).Scan(&version)
		if err != nil {
			return "", fmt.Errorf("upsert document %s/%s: %w", namespace, key, err)
		}
		return formatVersion(version), nil

	case store.VersionAbsent:
		res, err := s.db.ExecContext(ctx,
			s.rebind(`INSERT INTO documents (namespace, doc_key, body, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (namespace, doc_key) DO NOTHING`),
			namespace, key, string(body), now,
		)
		if err != nil {
			return "", fmt.Errorf("insert document %s/%s: %w", namespace, key, err)
		}
		if err := expectOneRow(res, namespace, key); err != nil {
			return "", err
		}
		return formatVersion(1), nil

	default:
		expected, err := strconv.ParseInt(ifVersion, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: document %s/%s has no version %q", store.ErrConflict, namespace, key, ifVersion)
		}
		res, err := s.db.ExecContext(ctx,
			s.rebind(`UPDATE documents
			SET body = ?, version = version + 1, updated_at = ?
			WHERE namespace = ? AND doc_key = ? AND version = ?`),
			string(body), now, namespace, key, expected,
		)
		if err != nil {
			return "", fmt.Errorf("update document %s/%s: %w", namespace, key, err)
		}
		if err := expectOneRow(res, namespace, key); err != nil {
			return "", err
		}
		return formatVersion(expected + 1), nil
	}
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM documents WHERE namespace = ? AND doc_key = ?`),
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", namespace, key, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete %s/%s: %w", namespace, key, err)
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT doc_key FROM documents WHERE namespace = ? ORDER BY doc_key ASC`),
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents in %s: %w", namespace, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan document key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document keys: %w", err)
	}
	return keys, nil
}

// Quarantine moves the raw row into quarantined_documents.
func (s *Store) Quarantine(ctx context.Context, namespace, key string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin quarantine transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var body string
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT body FROM documents WHERE namespace = ? AND doc_key = ?`),
		namespace, key,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("read document %s/%s: %w", namespace, key, err)
	}

	now := time.Now()
	quarantineKey := fmt.Sprintf("%s.corrupt-%d", key, now.UnixNano())
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO quarantined_documents (namespace, quarantine_key, doc_key, body, quarantined_at)
		VALUES (?, ?, ?, ?, ?)`),
		namespace, quarantineKey, key, body, now.UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("quarantine document %s/%s: %w", namespace, key, err)
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM documents WHERE namespace = ? AND doc_key = ?`),
		namespace, key,
	); err != nil {
		return "", fmt.Errorf("remove quarantined document %s/%s: %w", namespace, key, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit quarantine transaction: %w", err)
	}
	return quarantineKey, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func expectOneRow(res sql.Result, namespace, key string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s/%s: %w", namespace, key, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: document %s/%s", store.ErrConflict, namespace, key)
	}
	return nil
}

func formatVersion(v int64) string {
	return strconv.FormatInt(v, 10)
}
