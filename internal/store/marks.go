package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MarkConsumed records that an item was watched. Re-marking keeps the
// original timestamp.
// Thread-safe: acquires write lock.
func (s *Store) MarkConsumed(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("INSERT OR IGNORE INTO watched (item_id, watched_at) VALUES (?, ?)",
		itemID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}
	return nil
}

// ToggleConsumed flips an item's watched state and returns the new state.
// Thread-safe: acquires write lock.
func (s *Store) ToggleConsumed(itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM watched WHERE item_id = ?", itemID)
	if err != nil {
		return false, fmt.Errorf("toggle consumed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	if _, err := s.db.Exec("INSERT INTO watched (item_id, watched_at) VALUES (?, ?)",
		itemID, time.Now().UnixMilli()); err != nil {
		return false, fmt.Errorf("toggle consumed: %w", err)
	}
	return true, nil
}

// MarkAllConsumed marks every id as watched and returns how many were newly marked.
// Thread-safe: acquires write lock.
func (s *Store) MarkAllConsumed(itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin mark all: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO watched (item_id, watched_at) VALUES (?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	count := 0
	for _, id := range itemIDs {
		res, err := stmt.Exec(id, now)
		if err != nil {
			return 0, fmt.Errorf("mark %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		count += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark all: %w", err)
	}
	return count, nil
}

// IsConsumed reports whether an item has been watched.
// Thread-safe: acquires read lock.
func (s *Store) IsConsumed(itemID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM watched WHERE item_id = ?", itemID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is consumed: %w", err)
	}
	return true, nil
}

// ConsumedIDs returns the ids of all watched items.
// Thread-safe: acquires read lock.
func (s *Store) ConsumedIDs() (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT item_id FROM watched")
	if err != nil {
		return nil, fmt.Errorf("query watched: %w", err)
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

// MarkSourceViewed stamps a source's last-viewed time with now.
func (s *Store) MarkSourceViewed(sourceID string) error {
	return s.MarkAllSourcesViewed([]string{sourceID})
}

// MarkAllSourcesViewed stamps every source with the same last-viewed time.
// Thread-safe: acquires write lock.
func (s *Store) MarkAllSourcesViewed(sourceIDs []string) error {
	return s.markSourcesViewedAt(sourceIDs, time.Now())
}

func (s *Store) markSourcesViewedAt(sourceIDs []string, at time.Time) error {
	if len(sourceIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark viewed: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO source_views (source_id, last_viewed_at) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range sourceIDs {
		if _, err := stmt.Exec(id, at.UnixMilli()); err != nil {
			return fmt.Errorf("mark %s viewed: %w", id, err)
		}
	}
	return tx.Commit()
}

// LastViewed returns when a source was last viewed, or nil if never.
// Thread-safe: acquires read lock.
func (s *Store) LastViewed(sourceID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ms sql.NullInt64
	err := s.db.QueryRow("SELECT last_viewed_at FROM source_views WHERE source_id = ?", sourceID).Scan(&ms)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last viewed: %w", err)
	}
	return fromMillis(ms), nil
}

// UnseenCountsPerSource counts dated items published after each source's
// last view. Sources never viewed count every dated item. Sources with
// nothing unseen are absent from the map.
// Thread-safe: acquires read lock.
func (s *Store) UnseenCountsPerSource(excludeShort bool) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT i.source_id, COUNT(*)
		FROM items i
		LEFT JOIN source_views v ON i.source_id = v.source_id
		WHERE i.published_at IS NOT NULL
			AND i.source_id IS NOT NULL
			AND (v.last_viewed_at IS NULL OR i.published_at > v.last_viewed_at)
	`
	if excludeShort {
		query += " AND i.is_short = 0"
	}
	query += " GROUP BY i.source_id"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query unseen counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// FullyConsumedSources returns sources that have at least one eligible item
// and every eligible item watched.
// Thread-safe: acquires read lock.
func (s *Store) FullyConsumedSources(excludeShort bool) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT i.source_id,
			COUNT(*) AS total,
			SUM(CASE WHEN w.item_id IS NOT NULL THEN 1 ELSE 0 END) AS seen
		FROM items i
		LEFT JOIN watched w ON i.id = w.item_id
		WHERE i.source_id IS NOT NULL
	`
	if excludeShort {
		query += " AND i.is_short = 0"
	}
	query += " GROUP BY i.source_id HAVING total > 0 AND total = seen"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query fully consumed: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		var total, seen int
		if err := rows.Scan(&id, &total, &seen); err != nil {
			return nil, err
		}
		set[id] = struct{}{}
	}
	return set, rows.Err()
}
