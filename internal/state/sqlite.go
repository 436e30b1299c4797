package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"whatsnew/internal/entry"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const entryColumns = `id, title, summary, link, author, published, published_at, tags, authors, links`

const upsertEntrySQL = `
	INSERT INTO feed_entries (` + entryColumns + `, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%d %H:%M:%S', 'now'))
	ON CONFLICT (id) DO UPDATE SET
		title = excluded.title,
		summary = excluded.summary,
		link = excluded.link,
		author = excluded.author,
		published = excluded.published,
		published_at = excluded.published_at,
		tags = excluded.tags,
		authors = excluded.authors,
		links = excluded.links,
		updated_at = excluded.updated_at
`

// SQLiteStore keeps entries in a single-file SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, unavailable("open database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("open database", err)
	}

	if _, _, err := runMigrations(db); err != nil {
		db.Close()
		return nil, unavailable("run migrations", err)
	}

	// SQLite allows one writer; a single pooled connection avoids SQLITE_BUSY
	// between our own statements.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

// sqliteDSN passes pragmas through the DSN; the driver runs them on every
// new connection.
func sqliteDSN(path string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"synchronous(NORMAL)",
	}
	q := url.Values{"_pragma": pragmas}
	return path + "?" + q.Encode()
}

// runMigrations applies pending migrations and returns the resulting version.
func runMigrations(db *sql.DB) (uint, bool, error) {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, false, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, false, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, false, fmt.Errorf("failed to run migrations: %w", err)
	}

	return m.Version()
}

func (s *SQLiteStore) UpsertBatch(ctx context.Context, entries []entry.FeedEntry) (result BatchResult, err error) {
	start := time.Now()
	defer func() { observeBatch("sqlite", start, result, err) }()

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, unavailable("begin upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertEntrySQL)
	if err != nil {
		return BatchResult{}, unavailable("prepare upsert", err)
	}
	defer stmt.Close()

	for _, e := range latestByID(entries) {
		if verr := validate(e); verr != nil {
			result.Rejected = append(result.Rejected, ItemError{ID: e.ID, Err: verr})
			continue
		}

		_, execErr := stmt.ExecContext(ctx,
			e.ID, e.Title, e.Summary, e.Link, e.Author,
			e.PublishedRaw, e.PublishedAt, e.Tags, e.Authors, e.Links)
		if execErr != nil {
			// A constraint failure only aborts its own statement; the transaction goes on.
			if isConstraintViolation(execErr) {
				result.Rejected = append(result.Rejected, ItemError{ID: e.ID, Err: fmt.Errorf("%w: %v", ErrConstraint, execErr)})
				continue
			}
			return BatchResult{}, unavailable("upsert entry", execErr)
		}
		result.Stored++
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, unavailable("commit upsert", err)
	}

	return result, nil
}

func isConstraintViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func (s *SQLiteStore) QueryWindow(ctx context.Context, days int) (entries []entry.FeedEntry, err error) {
	start := time.Now()
	defer func() { observe("sqlite", "query_window", start, err) }()

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM feed_entries
		WHERE published_at <> '' AND published_at >= ?
	`, s.opts.cutoff(days))
	if err != nil {
		return nil, unavailable("query window", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e entry.FeedEntry
		if err := rows.Scan(
			&e.ID, &e.Title, &e.Summary, &e.Link, &e.Author,
			&e.PublishedRaw, &e.PublishedAt, &e.Tags, &e.Authors, &e.Links,
		); err != nil {
			return nil, unavailable("scan entry row", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate entry rows", err)
	}

	return entries, nil
}

func (s *SQLiteStore) PruneOlderThan(ctx context.Context, days int) (deleted int, err error) {
	start := time.Now()
	defer func() { observe("sqlite", "prune", start, err) }()

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM feed_entries
		WHERE published_at <> '' AND published_at < ?
	`, s.opts.cutoff(days))
	if err != nil {
		return 0, unavailable("prune entries", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("prune rows affected", err)
	}

	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
