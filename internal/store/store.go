// Package store provides SQLite persistence for feedingtube.
//
// The Store is the single writer for items. Producers (the refresher and the
// backfiller) hand it batches through UpsertMany; readers see either the
// state before a batch or after it, never part of one.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/abelbrown/feedingtube/internal/logging"
	_ "modernc.org/sqlite"
)

// Field length caps applied before persistence.
const (
	MaxIDLen         = 64
	MaxURLLen        = 500
	MaxTitleLen      = 500
	MaxSourceNameLen = 200
	MaxSourceIDLen   = 64
)

// Page size bounds for ListPaginated.
const (
	MinPageSize = 1
	MaxPageSize = 1000
)

// ErrSourceExists is returned by AddSource when the id or URL is taken.
var ErrSourceExists = errors.New("source already exists")

// ErrSourceNotFound is returned by RemoveSource for an unknown id.
var ErrSourceNotFound = errors.New("source not found")

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use. Writers are
// exclusive, readers run concurrently against the last committed state.
type Store struct {
	db *sql.DB
	mu sync.RWMutex // Protects all database operations

	cache *sortCache
}

// Item is a stored video.
type Item struct {
	ID         string
	Title      string
	URL        string
	IsShort    bool
	SourceID   string
	SourceName string
	Published  *time.Time // nil when the upload date is unknown
	StoredAt   time.Time
	Duration   *int // seconds; nil when unknown
}

// Source is a subscribed channel.
type Source struct {
	ID      string
	Name    string
	URL     string
	AddedAt time.Time
}

// Page is one slice of a paginated listing.
type Page struct {
	Total    int // all matching items, irrespective of page
	Page     int
	PageSize int
	Items    []Item
}

// SourceStat summarises what is stored for one source.
type SourceStat struct {
	SourceID   string
	ItemCount  int
	LatestItem *time.Time
}

// Open creates a new Store with the given database path.
// Creates tables and applies pending migrations.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is its own database, so pin to one.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	s := &Store{db: db, cache: newSortCache()}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logging.Debug("Database initialized", "path", dbPath)
	return s, nil
}

// createTables creates the required tables and indexes if they don't exist.
// Timestamps are unix milliseconds.
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		added_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		url TEXT NOT NULL,
		is_short INTEGER NOT NULL DEFAULT 0,
		source_name TEXT,
		source_id TEXT,
		published_at INTEGER,
		stored_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_source ON items(source_id);
	CREATE INDEX IF NOT EXISTS idx_items_published ON items(published_at DESC);

	CREATE TABLE IF NOT EXISTS watched (
		item_id TEXT PRIMARY KEY,
		watched_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS source_views (
		source_id TEXT PRIMARY KEY,
		last_viewed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS migrations (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Thread-safe: acquires write lock to prevent closing during in-flight operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// UpsertMany inserts items whose id is not yet stored and returns how many
// rows were new. Items with a blank id are dropped. Existing rows are left
// untouched. The batch commits atomically; on error nothing is written.
// Thread-safe: acquires write lock.
func (s *Store) UpsertMany(items []Item) (int, error) {
	valid := make([]Item, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			continue
		}
		valid = append(valid, capItem(it))
	}
	if len(valid) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertItems(tx, valid)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}

	if inserted > 0 {
		s.cache.invalidate()
	}
	return inserted, nil
}

// insertItems writes items with INSERT OR IGNORE and returns the number of
// new rows. Items without a StoredAt are stamped with now.
func insertItems(tx *sql.Tx, items []Item) (int, error) {
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO items (
			id, title, url, is_short, source_name, source_id,
			published_at, stored_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	inserted := 0
	for _, it := range items {
		storedAt := now
		if !it.StoredAt.IsZero() {
			storedAt = it.StoredAt.UnixMilli()
		}
		result, err := stmt.Exec(
			it.ID,
			it.Title,
			it.URL,
			boolToInt(it.IsShort),
			nullString(it.SourceName),
			nullString(it.SourceID),
			nullTime(it.Published),
			storedAt,
			nullInt(it.Duration),
		)
		if err != nil {
			return 0, fmt.Errorf("insert item %s: %w", it.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(affected)
	}
	return inserted, nil
}

// ListBySource returns a source's items, newest first with undated items last.
// Thread-safe: acquires read lock.
func (s *Store) ListBySource(sourceID string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryItems(`
		SELECT `+itemColumns+`
		FROM items
		WHERE source_id = ?
		ORDER BY published_at IS NULL, published_at DESC, rowid
	`, sourceID)
}

// ListPaginated returns one page of items across sourceIDs (all sources when
// empty), in the same order as ListBySource. pageSize is clamped to
// [MinPageSize, MaxPageSize] and page to >= 0; the returned Page carries the
// clamped values.
// Thread-safe: acquires read lock.
func (s *Store) ListPaginated(sourceIDs []string, page, pageSize int) (Page, error) {
	if pageSize < MinPageSize {
		pageSize = MinPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if page < 0 {
		page = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.cache.get(sourceIDs, s.buildSortIndex)
	if err != nil {
		return Page{}, fmt.Errorf("sort index: %w", err)
	}

	result := Page{Total: len(index), Page: page, PageSize: pageSize}
	start := page * pageSize
	if start >= len(index) {
		return result, nil
	}
	end := min(start+pageSize, len(index))

	items, err := s.itemsByID(index[start:end])
	if err != nil {
		return Page{}, err
	}
	result.Items = items
	return result, nil
}

// ExistingIDs returns the set of stored item ids for a source.
// Thread-safe: acquires read lock.
func (s *Store) ExistingIDs(sourceID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id FROM items WHERE source_id = ?", sourceID)
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// SourceStats returns item counts and the newest publication date per source.
// Thread-safe: acquires read lock.
func (s *Store) SourceStats(excludeShort bool) (map[string]SourceStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT source_id, COUNT(*), MAX(published_at)
		FROM items
		WHERE source_id IS NOT NULL
	`
	if excludeShort {
		query += " AND is_short = 0"
	}
	query += " GROUP BY source_id"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query source stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]SourceStat)
	for rows.Next() {
		var st SourceStat
		var latest sql.NullInt64
		if err := rows.Scan(&st.SourceID, &st.ItemCount, &latest); err != nil {
			return nil, err
		}
		st.LatestItem = fromMillis(latest)
		stats[st.SourceID] = st
	}
	return stats, rows.Err()
}

const itemColumns = `id, title, url, is_short, source_name, source_id, published_at, stored_at, duration`

// queryItems executes a query and scans results into Items.
// Caller must hold s.mu (read lock is sufficient).
func (s *Store) queryItems(query string, args ...any) ([]Item, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// itemsByID loads items and returns them in the order of ids.
// Caller must hold s.mu.
func (s *Store) itemsByID(ids []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	found, err := s.queryItems(
		"SELECT "+itemColumns+" FROM items WHERE id IN ("+placeholders(len(ids))+")",
		args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Item, len(found))
	for _, it := range found {
		byID[it.ID] = it
	}
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// buildSortIndex returns item ids for sourceIDs (all when empty), newest
// first, undated last, ties in insertion order.
// Caller must hold s.mu.
func (s *Store) buildSortIndex(sourceIDs []string) ([]string, error) {
	query := "SELECT id FROM items"
	var args []any
	if len(sourceIDs) > 0 {
		query += " WHERE source_id IN (" + placeholders(len(sourceIDs)) + ")"
		for _, id := range sourceIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY published_at IS NULL, published_at DESC, rowid"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var item Item
	var isShort int
	var sourceName, sourceID sql.NullString
	var published, duration sql.NullInt64
	var storedAt int64
	if err := row.Scan(
		&item.ID,
		&item.Title,
		&item.URL,
		&isShort,
		&sourceName,
		&sourceID,
		&published,
		&storedAt,
		&duration,
	); err != nil {
		return Item{}, err
	}
	item.IsShort = isShort != 0
	item.SourceName = sourceName.String
	item.SourceID = sourceID.String
	item.Published = fromMillis(published)
	item.StoredAt = time.UnixMilli(storedAt)
	if duration.Valid {
		d := int(duration.Int64)
		item.Duration = &d
	}
	return item, nil
}

// capItem truncates string fields to their storage limits.
func capItem(it Item) Item {
	it.ID = truncate(it.ID, MaxIDLen)
	it.URL = truncate(it.URL, MaxURLLen)
	it.Title = truncate(it.Title, MaxTitleLen)
	it.SourceName = truncate(it.SourceName, MaxSourceNameLen)
	it.SourceID = truncate(it.SourceID, MaxSourceIDLen)
	return it
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// boolToInt converts a bool to an int for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
