package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const createEntriesTable = `CREATE TABLE IF NOT EXISTS cache_entry (
	stage TEXT NOT NULL,
	name  TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (stage, name)
)`

// SQLiteStore keeps every entry in one table. WAL mode and a busy timeout
// let several worker processes write to the same database file.
type SQLiteStore struct {
	db   *sql.DB
	stbl sq.StatementBuilderType
}

var _ Store = (*SQLiteStore)(nil)

// PrepareDSN adds the journal mode, busy timeout and transaction lock
// defaults to uri unless the caller already chose them.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(5000)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

func NewSQLiteStore(ctx context.Context, uri string) (*SQLiteStore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	err = busyRetry(func() error {
		_, err := db.ExecContext(ctx, createEntriesTable)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	return &SQLiteStore{db: db, stbl: sq.StatementBuilder.RunWith(db)}, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key Key) (bool, error) {
	if err := key.validate(); err != nil {
		return false, err
	}
	var n int
	err := s.stbl.Select("COUNT(*)").
		From("cache_entry").
		Where(sq.Eq{"stage": string(key.Stage), "name": key.Name()}).
		QueryRowContext(ctx).
		Scan(&n)
	if err != nil {
		return false, handleSQLError(err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.stbl.Select("value").
		From("cache_entry").
		Where(sq.Eq{"stage": string(key.Stage), "name": key.Name()}).
		QueryRowContext(ctx).
		Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, handleSQLError(err)
	}
	return value, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key Key, value []byte) error {
	if err := key.validate(); err != nil {
		return err
	}
	return busyRetry(func() error {
		_, err := s.stbl.Insert("cache_entry").
			Columns("stage", "name", "value").
			Values(string(key.Stage), key.Name(), value).
			Suffix("ON CONFLICT (stage, name) DO NOTHING").
			ExecContext(ctx)
		return handleSQLError(err)
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	return busyRetry(func() error {
		_, err := s.stbl.Delete("cache_entry").
			Where(sq.Eq{"stage": string(key.Stage), "name": key.Name()}).
			ExecContext(ctx)
		return handleSQLError(err)
	})
}

func (s *SQLiteStore) Walk(ctx context.Context, stage Stage, fn func(Key, int64) error) error {
	rows, err := s.stbl.Select("name", "length(value)").
		From("cache_entry").
		Where(sq.Eq{"stage": string(stage)}).
		OrderBy("name").
		QueryContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}
	defer rows.Close()

	type entry struct {
		key  Key
		size int64
	}
	var entries []entry
	for rows.Next() {
		var name string
		var size int64
		if err := rows.Scan(&name, &size); err != nil {
			return handleSQLError(err)
		}
		key, err := ParseName(stage, name)
		if err != nil {
			continue
		}
		entries = append(entries, entry{key: key, size: size})
	}
	if err := rows.Err(); err != nil {
		return handleSQLError(err)
	}
	// Rows are released before fn runs so that fn may write.
	rows.Close()

	for _, e := range entries {
		if err := fn(e.key, e.size); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func handleSQLError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sql error: %w", err)
}

// SQLite returns SQLITE_BUSY when the database is locked rather than
// waiting for the lock, so writes are retried a bounded number of times.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
