package store

import (
	"fmt"
	"time"
)

// AddSource subscribes to a source. Returns ErrSourceExists when the id or
// URL is already present.
// Thread-safe: acquires write lock.
func (s *Store) AddSource(src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSourceLocked(src)
}

// addSourceLocked inserts a source. Caller must hold s.mu for writing.
func (s *Store) addSourceLocked(src Source) error {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sources WHERE id = ? OR url = ?", src.ID, src.URL).Scan(&n); err != nil {
		return fmt.Errorf("check source: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%s: %w", src.ID, ErrSourceExists)
	}

	added := src.AddedAt
	if added.IsZero() {
		added = time.Now()
	}
	if _, err := s.db.Exec("INSERT INTO sources (id, name, url, added_at) VALUES (?, ?, ?, ?)",
		src.ID, src.Name, src.URL, added.UnixMilli()); err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// RemoveSource unsubscribes. Stored items are kept.
// Thread-safe: acquires write lock.
func (s *Store) RemoveSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrSourceNotFound)
	}
	return nil
}

// Sources returns all subscriptions ordered by name, case-insensitively.
// Thread-safe: acquires read lock.
func (s *Store) Sources() ([]Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, name, url, added_at FROM sources ORDER BY name COLLATE NOCASE")
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		var added int64
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &added); err != nil {
			return nil, err
		}
		src.AddedAt = time.UnixMilli(added)
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// Source looks up one subscription by id.
func (s *Store) Source(id string) (Source, bool, error) {
	all, err := s.Sources()
	if err != nil {
		return Source{}, false, err
	}
	for _, src := range all {
		if src.ID == id {
			return src, true, nil
		}
	}
	return Source{}, false, nil
}
