package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/l0p7/fieldsync/internal/runtime/fault"
	"github.com/l0p7/fieldsync/internal/runtime/records"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// sqliteStore persists entries and records in a local SQLite file. Each
// mutation runs in one transaction, which is what makes writes atomic per key.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating when needed) and migrates the store at path. An
// empty database is the expected cold-start state.
func OpenSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cache: sqlite path required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps read transactions consistent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: ping sqlite: %w", err)
	}
	if err := applyMigrations(db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: migrate sqlite: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (records.Entry, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return records.Entry{}, false, fmt.Errorf("cache: sqlite begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, found, err := readEntry(ctx, tx, key)
	if err != nil || !found {
		return records.Entry{}, found, err
	}
	if err := records.ValidateEntry(entry); err != nil {
		return records.Entry{}, false, fault.Wrap(fault.Corrupt, key, "stored entry invalid", err)
	}
	return entry, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, recs []records.Record, version string, fetchedAt time.Time, maxAge time.Duration) (records.Entry, records.Delta, error) {
	var (
		next  records.Entry
		delta records.Delta
	)
	err := s.write(ctx, key, func(tx *sql.Tx, prev records.Entry, found bool) error {
		next, delta = applyPut(prev, found, key, recs, version, fetchedAt, maxAge)
		if !found {
			// Corrupt rows are replaced wholesale.
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE resource_key = ?`, key); err != nil {
				return err
			}
		}
		if err := upsertEntry(ctx, tx, next); err != nil {
			return err
		}
		changed := make([]records.Record, 0, len(delta.Added)+len(delta.Replaced))
		changed = append(changed, delta.Added...)
		for _, r := range delta.Replaced {
			changed = append(changed, r.New)
		}
		return upsertRecords(ctx, tx, key, changed)
	})
	if err != nil {
		return records.Entry{}, records.Delta{}, err
	}
	return next, delta, nil
}

func (s *sqliteStore) MarkPending(ctx context.Context, key string, at time.Time) error {
	return s.write(ctx, key, func(tx *sql.Tx, prev records.Entry, found bool) error {
		return upsertEntry(ctx, tx, applyPending(prev, found, key, at))
	})
}

func (s *sqliteStore) MarkFailed(ctx context.Context, key string, at time.Time) error {
	return s.write(ctx, key, func(tx *sql.Tx, prev records.Entry, found bool) error {
		return upsertEntry(ctx, tx, applyFailed(prev, found, key, at))
	})
}

func (s *sqliteStore) Evict(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.Storage, key, "sqlite begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE resource_key = ?`, key); err != nil {
		return fault.Wrap(fault.Storage, key, "sqlite delete records", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE resource_key = ?`, key); err != nil {
		return fault.Wrap(fault.Storage, key, "sqlite delete entry", err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Storage, key, "sqlite commit", err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT resource_key FROM entries ORDER BY resource_key`)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("cache: sqlite scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: sqlite iterate keys: %w", err)
	}
	return keys, nil
}

func (s *sqliteStore) Size(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: sqlite count: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// write runs fn inside a transaction with the current entry loaded. Corrupt
// stored data is handed to fn as absent so a fetch can repair it.
func (s *sqliteStore) write(ctx context.Context, key string, fn func(tx *sql.Tx, prev records.Entry, found bool) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.Storage, key, "sqlite begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, found, err := readEntry(ctx, tx, key)
	if err != nil {
		if fault.KindOf(err) != fault.Corrupt {
			return fault.Wrap(fault.Storage, key, "sqlite read before write", err)
		}
		prev, found = records.Entry{}, false
	} else if found {
		if verr := records.ValidateEntry(prev); verr != nil {
			prev, found = records.Entry{}, false
		}
	}
	if err := fn(tx, prev, found); err != nil {
		return fault.Wrap(fault.Storage, key, "sqlite write", err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Storage, key, "sqlite commit", err)
	}
	return nil
}

func readEntry(ctx context.Context, tx *sql.Tx, key string) (records.Entry, bool, error) {
	var (
		entry       records.Entry
		state       string
		fetchedAt   int64
		succeededAt int64
		maxAgeMS    int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT resource_key, version, state, last_fetched_at, last_success_at, max_age_ms
		 FROM entries WHERE resource_key = ?`, key,
	).Scan(&entry.Key, &entry.Version, &state, &fetchedAt, &succeededAt, &maxAgeMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return records.Entry{}, false, nil
		}
		return records.Entry{}, false, fmt.Errorf("cache: sqlite read entry: %w", err)
	}
	entry.State = records.State(state)
	entry.LastFetchedAt = unixNanoToTime(fetchedAt)
	entry.LastSuccessAt = unixNanoToTime(succeededAt)
	entry.MaxAge = time.Duration(maxAgeMS) * time.Millisecond

	rows, err := tx.QueryContext(ctx,
		`SELECT record_id, observed_at, version, payload_json
		 FROM records WHERE resource_key = ?
		 ORDER BY observed_at, record_id`, key)
	if err != nil {
		return records.Entry{}, false, fmt.Errorf("cache: sqlite read records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entry.Records = []records.Record{}
	for rows.Next() {
		var (
			rec      records.Record
			observed int64
			payload  []byte
		)
		if err := rows.Scan(&rec.ID, &observed, &rec.Version, &payload); err != nil {
			return records.Entry{}, false, fmt.Errorf("cache: sqlite scan record: %w", err)
		}
		rec.Key = key
		rec.Timestamp = time.Unix(0, observed).UTC()
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return records.Entry{}, false, fault.Wrap(fault.Corrupt, key, "record payload undecodable", err)
			}
		}
		entry.Records = append(entry.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return records.Entry{}, false, fmt.Errorf("cache: sqlite iterate records: %w", err)
	}
	return entry, true, nil
}

func upsertEntry(ctx context.Context, tx *sql.Tx, entry records.Entry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entries (resource_key, version, state, last_fetched_at, last_success_at, max_age_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(resource_key) DO UPDATE SET
		    version = excluded.version,
		    state = excluded.state,
		    last_fetched_at = excluded.last_fetched_at,
		    last_success_at = excluded.last_success_at,
		    max_age_ms = excluded.max_age_ms`,
		entry.Key,
		entry.Version,
		string(entry.State),
		timeToUnixNano(entry.LastFetchedAt),
		timeToUnixNano(entry.LastSuccessAt),
		maxAgeMillis(entry.MaxAge),
	)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

func upsertRecords(ctx context.Context, tx *sql.Tx, key string, recs []records.Record) error {
	if len(recs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (resource_key, record_id, observed_at, version, payload_json)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(resource_key, record_id) DO UPDATE SET
		    observed_at = excluded.observed_at,
		    version = excluded.version,
		    payload_json = excluded.payload_json`)
	if err != nil {
		return fmt.Errorf("prepare record upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, rec := range recs {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, key, rec.ID, rec.Timestamp.UnixNano(), rec.Version, payload); err != nil {
			return fmt.Errorf("upsert record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// applyMigrations executes each embedded migration at most once.
func applyMigrations(db *sql.DB, fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		var applied int
		err := db.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, name).Scan(&applied)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		content, err := fs.ReadFile(fsys, root+"/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := upMigration(string(content))
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`, name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func upMigration(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, upMarker)
	if start == -1 {
		return content
	}
	content = content[start+len(upMarker):]
	if end := strings.Index(content, downMarker); end != -1 {
		content = content[:end]
	}
	return content
}

// maxAgeMillis rounds sub-millisecond hints up so "revalidate always" survives
// a round trip.
func maxAgeMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if time.Duration(ms)*time.Millisecond < d {
		ms++
	}
	return ms
}

// timeToUnixNano matches the record rows so successive commits stay ordered
// at full clock resolution.
func timeToUnixNano(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixNano()
}

func unixNanoToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}
