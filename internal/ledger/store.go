package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store records generation attempts. It is shared by every process serving
// the same cache home, so it runs in WAL mode with a busy timeout.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initSchema() error {
	var cleanLines []string
	for _, line := range strings.Split(schemaSQL, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "--") && trimmed != "" {
			cleanLines = append(cleanLines, line)
		}
	}

	if _, err := s.db.Exec(strings.Join(cleanLines, "\n")); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	_, _ = s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, SchemaVersion)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Record(a *Attempt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	result, err := s.db.Exec(`
		INSERT INTO attempts (libname, target_file, spec_path, is_builtin, status, error_message, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Libname, a.TargetFile, a.SpecPath, boolToInt(a.IsBuiltin), string(a.Status), a.ErrorMessage,
		a.Duration.Milliseconds(), a.CreatedAt.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record attempt id: %w", err)
	}
	a.ID = id
	return id, nil
}

// Recent returns the newest attempts first. An empty libname matches all.
func (s *Store) Recent(libname string, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, libname, target_file, spec_path, is_builtin, status, error_message, duration_ms, created_at
		FROM attempts`
	args := []any{}
	if libname != "" {
		query += ` WHERE libname = ?`
		args = append(args, libname)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var target, errMsg sql.NullString
		var builtin int
		var status string
		var durationMs, createdAt int64

		if err := rows.Scan(&a.ID, &a.Libname, &target, &a.SpecPath, &builtin, &status, &errMsg, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}

		a.TargetFile = target.String
		a.ErrorMessage = errMsg.String
		a.IsBuiltin = builtin != 0
		a.Status = Status(status)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.CreatedAt = time.Unix(0, createdAt)
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

func (s *Store) Summary() (*Summary, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*), MAX(created_at) FROM attempts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarize attempts: %w", err)
	}
	defer rows.Close()

	summary := &Summary{}
	var last int64
	for rows.Next() {
		var status string
		var count int
		var maxCreated int64
		if err := rows.Scan(&status, &count, &maxCreated); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}

		summary.Total += count
		switch Status(status) {
		case StatusGenerated:
			summary.Generated = count
		case StatusFailed:
			summary.Failed = count
		case StatusSkipped:
			summary.Skipped = count
		case StatusBusy:
			summary.Busy = count
		}
		if maxCreated > last {
			last = maxCreated
		}
	}
	if last > 0 {
		summary.LastAt = time.Unix(0, last)
	}

	return summary, rows.Err()
}

// Prune deletes attempts older than cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM attempts WHERE created_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return result.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
