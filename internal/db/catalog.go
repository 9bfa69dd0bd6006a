package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Catalog is an observational sqlite record of the blobs the server has
// admitted. The cache engine is authoritative; the catalog only backs
// listing and stats surfaces, so writes here are best-effort.
type Catalog struct {
	db *sql.DB
}

// Blob is one catalog row.
type Blob struct {
	Key      string
	Algo     string
	Hash     string
	Size     int64
	StoredAt time.Time
}

// Open opens (creating if needed) the catalog at path and applies pending
// schema migrations.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Upsert records a blob admission, replacing any previous row for the key.
func (c *Catalog) Upsert(ctx context.Context, b Blob) error {
	if b.StoredAt.IsZero() {
		b.StoredAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (key, algo, hash, size, stored_at) VALUES (?, ?, ?, ?, ?)`,
		b.Key, b.Algo, b.Hash, b.Size, b.StoredAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert blob %s: %w", b.Key, err)
	}
	return nil
}

// Remove drops the row for key, if any.
func (c *Catalog) Remove(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("remove blob %s: %w", key, err)
	}
	return nil
}

// List returns up to limit rows, newest first. A non-positive limit returns
// everything.
func (c *Catalog) List(ctx context.Context, limit int) ([]Blob, error) {
	query := `SELECT key, algo, hash, size, stored_at FROM blobs ORDER BY stored_at DESC, key`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Blob
	for rows.Next() {
		var b Blob
		var storedAt int64
		if err := rows.Scan(&b.Key, &b.Algo, &b.Hash, &b.Size, &storedAt); err != nil {
			return nil, fmt.Errorf("scan blob row: %w", err)
		}
		b.StoredAt = time.Unix(storedAt, 0)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blob rows: %w", err)
	}
	return out, nil
}

// Count returns the number of cataloged blobs and their aggregate size.
func (c *Catalog) Count(ctx context.Context) (int64, int64, error) {
	var count, size int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM blobs`).Scan(&count, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("count blobs: %w", err)
	}
	return count, size, nil
}
