package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore keeps every bucket in a single records table.
type SQLStore struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
}

var _ Store = (*SQLStore)(nil)

func OpenSQL(ctx context.Context, driver, dsn string, autoMigrate bool) (*SQLStore, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == "sqlite" {
		// single writer; concurrent sqlite writers fail with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			goose.SetBaseFS(migrationsFS)
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.UpContext(ctx, db, "migrations"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &SQLStore{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if !validBucket(bucket) {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	query, args, err := s.sql.Select("value").
		From("records").
		Where(sq.Eq{"bucket": string(bucket), "name": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get record query: %w", err)
	}

	var value string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return []byte(value), nil
}

func (s *SQLStore) GetAll(ctx context.Context, bucket Bucket) (map[string][]byte, error) {
	if !validBucket(bucket) {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	query, args, err := s.sql.Select("name", "value").
		From("records").
		Where(sq.Eq{"bucket": string(bucket)}).
		OrderBy("name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list records query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out[name] = []byte(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Save(ctx context.Context, bucket Bucket, key string, value []byte) error {
	if !validBucket(bucket) {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	if key == "" {
		return fmt.Errorf("record key is empty")
	}
	q := s.sql.Insert("records").
		Columns("bucket", "name", "value", "updated_at").
		Values(string(bucket), key, string(value), nowExpr(s.driver)).
		Suffix("ON CONFLICT(bucket, name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save record query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, bucket Bucket, key string) error {
	if !validBucket(bucket) {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	sqlStr, args, err := s.sql.Delete("records").
		Where(sq.Eq{"bucket": string(bucket), "name": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete record query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
    bucket TEXT NOT NULL,
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (bucket, name)
);
CREATE INDEX IF NOT EXISTS idx_records_bucket ON records(bucket);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}
