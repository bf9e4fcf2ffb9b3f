package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite progress store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS progress (
		key TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_progress_updated_at ON progress(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Load returns every stored key. Rows whose value cannot be decoded are
// skipped.
func (s *SQLiteStore) Load() (map[string]any, error) {
	if s.closed {
		return nil, fmt.Errorf("database store is closed")
	}

	var result map[string]any
	err := s.retryOnBusy(func() error {
		records, err := s.listRecords()
		if err != nil {
			return err
		}
		result = make(map[string]any, len(records))
		for _, r := range records {
			var v any
			if err := json.Unmarshal([]byte(r.Value), &v); err != nil {
				continue
			}
			result[r.Key] = v
		}
		return nil
	})
	return result, err
}

func (s *SQLiteStore) listRecords() ([]*Record, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM progress ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value, &r.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Save upserts every key of data in one transaction with retry mechanism
func (s *SQLiteStore) Save(data map[string]any) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}

	records := make([]*Record, 0, len(data))
	now := time.Now()
	for k, v := range data {
		buf, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		records = append(records, &Record{Key: k, Value: string(buf), UpdatedAt: now})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveWithTransaction(records)
	})
}

func (s *SQLiteStore) saveWithTransaction(records []*Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	stmt, err := tx.Prepare(`
	INSERT INTO progress (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.Key, r.Value, r.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", r.Key, err)
		}
	}

	return tx.Commit()
}

// Delete removes every stored key
func (s *SQLiteStore) Delete() error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM progress`)
		return err
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
