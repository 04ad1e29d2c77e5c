// Package store persists the pipeline cache in SQLite so successive processes
// start warm. Both the cgo driver (mattn/go-sqlite3, "sqlite3") and the pure Go
// driver (modernc.org/sqlite, "sqlite") are registered.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"declsynth/internal/decl"
	"declsynth/internal/logging"
	"declsynth/internal/pipeline"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store manages the cache database.
type Store struct {
	db     *sql.DB
	dbPath string
	driver string
	mu     sync.Mutex
}

// RoundRecord is the persisted summary of one round.
type RoundRecord struct {
	RoundID     string
	Generation  uint64
	FinishedAt  time.Time
	Duration    time.Duration
	Artifacts   int
	Diagnostics int
	Hits        int64
	Misses      int64
	Partial     bool
}

// Open creates or opens a cache database with the given driver.
func Open(driver, dbPath string) (*Store, error) {
	dsn, err := dataSource(driver, dbPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	RunMigrations(db)
	logging.StoreDebug("opened %s with driver %s", dbPath, driver)
	return s, nil
}

func dataSource(driver, dbPath string) (string, error) {
	switch driver {
	case "sqlite3":
		return dbPath + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case "sqlite":
		return dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Driver returns the database/sql driver name.
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decl_cache (
		identity TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		state INTEGER NOT NULL,
		descriptor_json TEXT NOT NULL,
		problem_json TEXT,
		generation INTEGER NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS emit_cache (
		descriptor_json TEXT PRIMARY KEY,
		artifact_json TEXT NOT NULL,
		generation INTEGER NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rounds (
		round_id TEXT PRIMARY KEY,
		generation INTEGER NOT NULL,
		finished_at INTEGER NOT NULL, -- unix nanoseconds
		duration_ms INTEGER NOT NULL,
		artifacts INTEGER NOT NULL,
		diagnostics INTEGER NOT NULL,
		hits INTEGER NOT NULL,
		misses INTEGER NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_rounds_finished ON rounds(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save replaces the stored cache with snap in one transaction.
func (s *Store) Save(snap pipeline.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "save snapshot")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM decl_cache", "DELETE FROM emit_cache"} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}

	declStmt, err := tx.Prepare(`INSERT INTO decl_cache
		(identity, content_hash, fingerprint, state, descriptor_json, problem_json, generation, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer declStmt.Close()

	for _, e := range snap.Entries {
		desc, err := json.Marshal(e.Descriptor)
		if err != nil {
			return err
		}
		var problem sql.NullString
		if e.Problem != nil {
			data, err := json.Marshal(e.Problem)
			if err != nil {
				return err
			}
			problem = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := declStmt.Exec(string(e.Identity), e.ContentHash, e.Fingerprint, int(e.State),
			string(desc), problem, int64(e.Generation), e.Version); err != nil {
			return fmt.Errorf("failed to store %s: %w", e.Identity, err)
		}
	}

	emitStmt, err := tx.Prepare(`INSERT INTO emit_cache (descriptor_json, artifact_json, generation, version) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer emitStmt.Close()

	for _, e := range snap.Emits {
		desc, err := json.Marshal(e.Descriptor)
		if err != nil {
			return err
		}
		art, err := json.Marshal(e.Artifact)
		if err != nil {
			return err
		}
		if _, err := emitStmt.Exec(string(desc), string(art), int64(e.Generation), e.Version); err != nil {
			return fmt.Errorf("failed to store artifact %s: %w", e.Artifact.Key(), err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('generation', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.FormatUint(snap.Generation, 10)); err != nil {
		return fmt.Errorf("failed to store generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logging.Store("saved %d entries, %d artifacts at generation %d", len(snap.Entries), len(snap.Emits), snap.Generation)
	return nil
}

// Load reads the stored cache. An empty database yields an empty snapshot.
// Rows that cannot be decoded are skipped.
func (s *Store) Load() (pipeline.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap pipeline.Snapshot

	var gen string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'generation'`).Scan(&gen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return snap, fmt.Errorf("failed to read generation: %w", err)
	default:
		if snap.Generation, err = strconv.ParseUint(gen, 10, 64); err != nil {
			return snap, fmt.Errorf("corrupt generation %q: %w", gen, err)
		}
	}

	skipped, err := s.loadEntries(&snap)
	if err != nil {
		return snap, err
	}
	n, err := s.loadEmits(&snap)
	if err != nil {
		return snap, err
	}
	skipped += n

	if skipped > 0 {
		logging.Get(logging.CategoryStore).Warn("skipped %d undecodable rows", skipped)
	}
	logging.StoreDebug("loaded %d entries, %d artifacts at generation %d", len(snap.Entries), len(snap.Emits), snap.Generation)
	return snap, nil
}

func (s *Store) loadEntries(snap *pipeline.Snapshot) (skipped int, err error) {
	rows, err := s.db.Query(`SELECT identity, content_hash, fingerprint, state, descriptor_json, problem_json, generation, version
		FROM decl_cache ORDER BY identity`)
	if err != nil {
		return 0, fmt.Errorf("failed to query cache: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       pipeline.CacheEntry
			id      string
			state   int
			desc    string
			problem sql.NullString
			gen     int64
		)
		if err := rows.Scan(&id, &e.ContentHash, &e.Fingerprint, &state, &desc, &problem, &gen, &e.Version); err != nil {
			return skipped, fmt.Errorf("failed to scan cache row: %w", err)
		}
		e.Identity = decl.Identity(id)
		e.State = pipeline.State(state)
		e.Generation = uint64(gen)
		if err := json.Unmarshal([]byte(desc), &e.Descriptor); err != nil {
			skipped++
			continue
		}
		if problem.Valid {
			e.Problem = &pipeline.Diagnostic{}
			if err := json.Unmarshal([]byte(problem.String), e.Problem); err != nil {
				skipped++
				continue
			}
		}
		snap.Entries = append(snap.Entries, e)
	}
	return skipped, rows.Err()
}

func (s *Store) loadEmits(snap *pipeline.Snapshot) (skipped int, err error) {
	rows, err := s.db.Query(`SELECT descriptor_json, artifact_json, generation, version FROM emit_cache ORDER BY descriptor_json`)
	if err != nil {
		return 0, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         pipeline.EmitEntry
			desc, art string
			gen       int64
		)
		if err := rows.Scan(&desc, &art, &gen, &e.Version); err != nil {
			return skipped, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		e.Generation = uint64(gen)
		if json.Unmarshal([]byte(desc), &e.Descriptor) != nil || json.Unmarshal([]byte(art), &e.Artifact) != nil {
			skipped++
			continue
		}
		snap.Emits = append(snap.Emits, e)
	}
	return skipped, rows.Err()
}

// GetMeta returns a metadata value, or "" when unset.
func (s *Store) GetMeta(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// RecordRound appends a round summary.
func (s *Store) RecordRound(r RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	partial := 0
	if r.Partial {
		partial = 1
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO rounds
		(round_id, generation, finished_at, duration_ms, artifacts, diagnostics, hits, misses, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RoundID, int64(r.Generation), r.FinishedAt.UnixNano(), r.Duration.Milliseconds(),
		r.Artifacts, r.Diagnostics, r.Hits, r.Misses, partial)
	if err != nil {
		return fmt.Errorf("failed to record round: %w", err)
	}
	return nil
}

// RecentRounds returns up to limit round summaries, newest first.
func (s *Store) RecentRounds(limit int) ([]RoundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT round_id, generation, finished_at, duration_ms, artifacts, diagnostics, hits, misses, partial
		FROM rounds ORDER BY finished_at DESC, generation DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var (
			r          RoundRecord
			gen        int64
			finishedAt int64
			durationMs int64
			partial    int
		)
		if err := rows.Scan(&r.RoundID, &gen, &finishedAt, &durationMs, &r.Artifacts, &r.Diagnostics, &r.Hits, &r.Misses, &partial); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		r.Generation = uint64(gen)
		r.FinishedAt = time.Unix(0, finishedAt)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.Partial = partial != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
