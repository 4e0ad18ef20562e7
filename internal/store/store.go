// Package store provides the embedded SQLite-backed local store shared
// by the dispatcher, the request gateway, and the background scheduler.
// All mutating operations are serialized through an internal lock; the
// individual components never rely on the driver's own locking.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tessellated-ai/edgesync/internal/protocol"
)

// Store is the single source of truth for cached service responses,
// credit-balance snapshots, and the outbound message log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serializes mutations from the dispatcher, the gateway, and
	// the GC timer. Reads go through the driver directly.
	mu sync.Mutex
}

// New opens (or creates) the store at dbPath and initializes the schema.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_logs (
			log_id TEXT PRIMARY KEY,
			message_type TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			credit_balance REAL NOT NULL,
			last_sync TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS service_cache (
			cache_key TEXT PRIMARY KEY,
			service_type TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			response_data TEXT NOT NULL,
			tokens_saved INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created ON sync_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_service_cache_expires ON service_cache(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// CacheKey derives a deterministic key from the service type and a
// canonical serialization of the request, so identical requests hash
// identically regardless of payload key order.
func CacheKey(serviceType string, request map[string]any) string {
	canonical, err := protocol.CanonicalJSON(request)
	if err != nil {
		// Sync payloads are built from JSON-compatible values; a
		// non-serializable request still needs a stable fallback key.
		canonical = []byte(fmt.Sprintf("%v", request))
	}

	hash := sha256.Sum256(append([]byte(serviceType+"|"), canonical...))
	return hex.EncodeToString(hash[:])
}

// GetCached returns the cached response for key, or ok=false on a miss.
// Entries past their expiry are treated as misses but left in place for
// the GC cycle to remove.
func (s *Store) GetCached(ctx context.Context, key string) (*CachedResponse, bool) {
	query := `SELECT cache_key, service_type, response_data, tokens_saved, created_at, expires_at
	          FROM service_cache WHERE cache_key = ?`

	var entry CachedResponse
	var response string

	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&entry.Key, &entry.ServiceType, &response,
		&entry.TokensSaved, &entry.CreatedAt, &entry.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.Error("cache lookup failed", slog.String("key", key), slog.String("error", err.Error()))
		return nil, false
	}

	if !entry.ExpiresAt.After(time.Now()) {
		return nil, false
	}

	entry.Response = []byte(response)
	return &entry, true
}

// PutCached inserts or replaces a cache entry expiring ttl from now.
func (s *Store) PutCached(ctx context.Context, key, serviceType string, response []byte, tokensSaved int, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	query := `INSERT INTO service_cache (cache_key, service_type, request_hash, response_data, tokens_saved, created_at, expires_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(cache_key) DO UPDATE SET
	            response_data=excluded.response_data,
	            tokens_saved=excluded.tokens_saved,
	            created_at=excluded.created_at,
	            expires_at=excluded.expires_at`

	_, err := s.db.ExecContext(ctx, query,
		key, serviceType, key, string(response), tokensSaved, now, now.Add(ttl))

	if err != nil {
		s.logger.Error("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		return false
	}

	return true
}

// GC deletes all cache entries whose expiry has passed. It is idempotent
// and safe to run concurrently with reads and writes.
func (s *Store) GC(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM service_cache WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to collect expired cache entries: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return removed, nil
}

// UpsertCredit records the latest credit balance for a user, last write
// wins. Returns false (after logging) on storage failure.
func (s *Store) UpsertCredit(ctx context.Context, userID string, balance float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO user_sessions (session_id, user_id, credit_balance, last_sync, status)
	          VALUES (?, ?, ?, ?, 'active')
	          ON CONFLICT(user_id) DO UPDATE SET
	            credit_balance=excluded.credit_balance,
	            last_sync=excluded.last_sync,
	            status='active'`

	_, err := s.db.ExecContext(ctx, query, "sess-"+userID, userID, balance, time.Now())
	if err != nil {
		s.logger.Error("credit upsert failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		return false
	}

	return true
}

// GetCredit returns the stored credit session for a user, or ok=false
// when the user has never synced.
func (s *Store) GetCredit(ctx context.Context, userID string) (*CreditSession, bool) {
	query := `SELECT user_id, credit_balance, last_sync, status
	          FROM user_sessions WHERE user_id = ?`

	var session CreditSession
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&session.UserID, &session.Balance, &session.LastSync, &session.Status)

	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.Error("credit lookup failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		return nil, false
	}

	return &session, true
}

// AppendSyncLog records an outbound message in the audit log. Entries
// are never mutated after insert.
func (s *Store) AppendSyncLog(ctx context.Context, entry SyncLogEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `INSERT INTO sync_logs (log_id, message_type, direction, payload, status, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.MessageType, entry.Direction,
		string(entry.Payload), entry.Status, entry.CreatedAt)

	if err != nil {
		s.logger.Error("sync log append failed", slog.String("log_id", entry.ID), slog.String("error", err.Error()))
		return false
	}

	return true
}

// RecentSyncLogs returns the newest audit entries, most recent first.
func (s *Store) RecentSyncLogs(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT log_id, message_type, direction, payload, status, created_at
	          FROM sync_logs ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var entry SyncLogEntry
		var payload string
		if err := rows.Scan(&entry.ID, &entry.MessageType, &entry.Direction,
			&payload, &entry.Status, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entry.Payload = []byte(payload)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// CacheSize returns the number of live cache entries, expired included.
func (s *Store) CacheSize(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_cache`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
