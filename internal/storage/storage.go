package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrCredentialNotFound = errors.New("instagram credentials not found")
	ErrTokenNotFound      = errors.New("reset token not found")
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type Options struct {
	URL         string
	PoolSize    int
	MaxOverflow int
	PoolTimeout time.Duration
	PoolRecycle time.Duration
}

type Storage struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func NewStorage(ctx context.Context, opts Options) (*Storage, error) {
	driver, dsn, d, err := parseDatabaseURL(opts.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.PoolSize > 0 {
		db.SetMaxIdleConns(opts.PoolSize)
		db.SetMaxOpenConns(opts.PoolSize + opts.MaxOverflow)
	}
	if opts.PoolRecycle > 0 {
		db.SetConnMaxLifetime(opts.PoolRecycle)
	}

	timeout := opts.PoolTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Storage{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Printf("database ready (%s)", driver)
	return s, nil
}

// parseDatabaseURL accepts SQLAlchemy-style sqlite URLs and postgres URLs.
// sqlite:///relative.db and sqlite:////absolute/path.db are both supported.
func parseDatabaseURL(raw string) (driver, dsn string, d dialect, err error) {
	switch {
	case strings.HasPrefix(raw, "sqlite:///"):
		path := strings.TrimPrefix(raw, "sqlite:///")
		if path == "" {
			return "", "", 0, fmt.Errorf("sqlite url without a path: %q", raw)
		}
		return "sqlite", sqliteDSN(path), dialectSQLite, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "pgx", raw, dialectPostgres, nil
	default:
		return "", "", 0, fmt.Errorf("unsupported database url: %q", raw)
	}
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
}

func (s *Storage) createTables(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	tsType := "TIMESTAMP"
	if s.dialect == dialectPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
		tsType = "TIMESTAMPTZ"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id ` + idColumn + `,
			telegram_id BIGINT NOT NULL UNIQUE,
			telegram_username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			instagram_username TEXT,
			is_registered BOOLEAN NOT NULL DEFAULT FALSE,
			is_authenticated BOOLEAN NOT NULL DEFAULT FALSE,
			session_token TEXT NOT NULL DEFAULT '',
			is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			block_until ` + tsType + `,
			last_login ` + tsType + `,
			download_count INTEGER NOT NULL DEFAULT 0,
			created_at ` + tsType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instagram_credentials (
			id ` + idColumn + `,
			user_id BIGINT NOT NULL UNIQUE REFERENCES users(id),
			encrypted_username TEXT NOT NULL,
			encrypted_password TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at ` + tsType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS download_history (
			id ` + idColumn + `,
			user_id BIGINT NOT NULL REFERENCES users(id),
			media_type TEXT NOT NULL,
			media_url TEXT NOT NULL,
			download_time ` + tsType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_download_history_user ON download_history(user_id)`,
		`CREATE TABLE IF NOT EXISTS reset_tokens (
			user_id BIGINT PRIMARY KEY REFERENCES users(id),
			token_hash TEXT NOT NULL,
			expires_at ` + tsType + ` NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Storage) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Storage) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Storage) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Storage) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("rollback failed: %v", rbErr)
		}
		return err
	}

	return tx.Commit()
}

func (s *Storage) userID(ctx context.Context, q querier, telegramID int64) (int64, error) {
	var id int64
	err := s.queryRow(ctx, q, "SELECT id FROM users WHERE telegram_id = ?", telegramID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return id, err
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func nullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
