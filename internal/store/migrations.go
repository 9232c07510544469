package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/abelbrown/feedingtube/internal/logging"
)

// migration is a named, run-once schema change.
type migration struct {
	Name string
	Up   func(*sql.Tx) error
}

// migrations is the list of all schema migrations in order.
var migrations = []migration{
	{
		Name: "add_item_duration",
		Up:   migrateAddItemDuration,
	},
}

// Marker set once the legacy JSON files have been imported (or found absent).
const legacyImportMarker = "json_import"

// migrate applies pending migrations, each in its own transaction.
func (s *Store) migrate() error {
	for _, m := range migrations {
		done, err := s.hasMigration(m.Name)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.Name, err)
		}
		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		if err := markMigration(tx, m.Name); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.Name, err)
		}
		logging.Info("Applied migration", "name", m.Name)
	}
	return nil
}

// hasMigration reports whether a marker is recorded. Caller must not hold
// a transaction on a single-connection database.
func (s *Store) hasMigration(name string) (bool, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM migrations WHERE name = ?", name).Scan(&n); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return n > 0, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func markMigration(db execer, name string) error {
	if _, err := db.Exec("INSERT OR REPLACE INTO migrations (name, applied_at) VALUES (?, ?)",
		name, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

func migrateAddItemDuration(tx *sql.Tx) error {
	_, err := tx.Exec("ALTER TABLE items ADD COLUMN duration INTEGER")
	return err
}
