// Package store implements the embedded SQLite persistence layer: devices,
// sessions, audit events, transfers, file requests, and preferences.
//
// All access is serialized behind a mutex; the daemon writes from the
// controller goroutine, the control server loop, and transfer workers.
// Every row-mutating statement runs in its own implicit transaction.
// Timestamps are stored as RFC 3339 UTC strings.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/idiehl/hyperdesk/internal/model"
)

// ErrClosed indicates an operation on a closed store.
var ErrClosed = errors.New("store is closed")

// DefaultPath returns the default database location, <cwd>/data/hyperdesk.db,
// creating the data directory if needed.
func DefaultPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	dataDir := filepath.Join(cwd, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return filepath.Join(dataDir, "hyperdesk.db"), nil
}

// Store is the embedded relational store.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open opens (creating if absent) the database at path and applies the
// schema idempotently, including additive migrations for columns added
// after the first release.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	// mattn/go-sqlite3 connections are not safe for concurrent writers;
	// a single connection behind the store mutex keeps ordering simple.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database. Safe to call once; later calls and
// any operation after Close return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store database: %w", err)
	}
	return nil
}

// initSchema creates all tables if absent and applies additive column
// migrations for databases created by older builds.
func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			ip TEXT NOT NULL,
			status TEXT NOT NULL,
			capabilities TEXT NOT NULL,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			host_device_id TEXT NOT NULL,
			peer_device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			approval_required INTEGER NOT NULL,
			conflict_rule TEXT,
			token TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			details TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			path TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL,
			checksum TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			path TEXT NOT NULL,
			requester TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Databases created before sessions carried a token or conflict rule
	// gain the columns in place.
	return ensureColumns(db, "sessions", map[string]string{
		"token":         "TEXT",
		"conflict_rule": "TEXT",
	})
}

// ensureColumns adds any missing columns to the table. Additive only.
func ensureColumns(db *sql.DB, table string, columns map[string]string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("scan table info for %s: %w", table, err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate table info for %s: %w", table, err)
	}

	for name, definition := range columns {
		if _, ok := existing[name]; ok {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, definition)
		if _, err := db.Exec(alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, name, err)
		}
	}
	return nil
}

// exec serializes a single mutating statement behind the store mutex.
func (s *Store) exec(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("store exec: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Devices
// -------------------------------------------------------------------------

// RecordDevice upserts a device row, refreshing last_seen.
func (s *Store) RecordDevice(device model.Device) error {
	return s.exec(
		`INSERT OR REPLACE INTO devices (id, name, ip, status, capabilities, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		device.ID,
		device.Name,
		device.IP,
		device.Status,
		strings.Join(device.Capabilities, ","),
		utcNow(),
	)
}

// -------------------------------------------------------------------------
// Sessions
// -------------------------------------------------------------------------

// RecordSession upserts a session row with its full policy and token.
func (s *Store) RecordSession(session model.Session) error {
	return s.exec(
		`INSERT OR REPLACE INTO sessions
		 (id, host_device_id, peer_device_id, status, mode, approval_required, conflict_rule, token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.HostDevice.ID,
		session.PeerDevice.ID,
		session.Status,
		session.Policy.Mode,
		boolToInt(session.Policy.ApprovalRequired),
		session.Policy.ConflictRule,
		session.Token,
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
}

// UpdateSessionStatus sets only the status column of a session row.
func (s *Store) UpdateSessionStatus(sessionID, status string) error {
	return s.exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID)
}

// SessionPeer is one row of ListSessionsWithPeers.
type SessionPeer struct {
	SessionID    string
	PeerDeviceID string
	PeerName     string
}

// ListSessionsWithPeers returns all sessions joined with the peer device
// name, newest first. Peers missing from the devices table report "Unknown".
func (s *Store) ListSessionsWithPeers() ([]SessionPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(
		`SELECT sessions.id, sessions.peer_device_id, devices.name
		 FROM sessions
		 LEFT JOIN devices ON sessions.peer_device_id = devices.id
		 ORDER BY sessions.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions with peers: %w", err)
	}
	defer rows.Close()

	var out []SessionPeer
	for rows.Next() {
		var (
			sp   SessionPeer
			name sql.NullString
		)
		if err := rows.Scan(&sp.SessionID, &sp.PeerDeviceID, &name); err != nil {
			return nil, fmt.Errorf("scan session peer row: %w", err)
		}
		sp.PeerName = "Unknown"
		if name.Valid && name.String != "" {
			sp.PeerName = name.String
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session peer rows: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Audit Events
// -------------------------------------------------------------------------

// RecordAuditEvent appends an audit record for the session.
func (s *Store) RecordAuditEvent(sessionID, eventType, details string) error {
	return s.exec(
		`INSERT INTO audit_events (session_id, event_type, details, created_at)
		 VALUES (?, ?, ?, ?)`,
		sessionID, eventType, details, utcNow(),
	)
}

// ListAuditEvents returns all audit records for the session, oldest first.
func (s *Store) ListAuditEvents(sessionID string) ([]model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(
		`SELECT session_id, event_type, details, created_at
		 FROM audit_events WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var (
			ev      model.AuditEvent
			created string
		)
		if err := rows.Scan(&ev.SessionID, &ev.EventType, &ev.Details, &created); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		ev.CreatedAt = parseTime(created)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Transfers
// -------------------------------------------------------------------------

// RecordTransfer upserts the transfer row for the job under the session.
func (s *Store) RecordTransfer(sessionID string, job model.TransferJob) error {
	return s.exec(
		`INSERT OR REPLACE INTO transfers
		 (id, session_id, path, direction, status, progress, checksum, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		sessionID,
		job.Path,
		job.Direction,
		job.Status,
		job.Progress,
		job.Checksum,
		utcNow(),
	)
}

// -------------------------------------------------------------------------
// File Requests
// -------------------------------------------------------------------------

// RecordRequest upserts a file request row.
func (s *Store) RecordRequest(request model.FileRequest) error {
	return s.exec(
		`INSERT OR REPLACE INTO file_requests
		 (id, session_id, path, requester, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		request.ID,
		request.SessionID,
		request.Path,
		request.Requester,
		request.Status,
		request.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
}

// ListRequests returns the requests for one session, newest first.
func (s *Store) ListRequests(sessionID string) ([]model.FileRequest, error) {
	return s.queryRequests(
		`SELECT id, session_id, path, requester, status, created_at
		 FROM file_requests WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID,
	)
}

// ListRequestHistory returns requests across all sessions (sessionID empty)
// or for one session, newest first.
func (s *Store) ListRequestHistory(sessionID string) ([]model.FileRequest, error) {
	if sessionID != "" {
		return s.ListRequests(sessionID)
	}
	return s.queryRequests(
		`SELECT id, session_id, path, requester, status, created_at
		 FROM file_requests ORDER BY created_at DESC`,
	)
}

func (s *Store) queryRequests(query string, args ...any) ([]model.FileRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []model.FileRequest
	for rows.Next() {
		var (
			req     model.FileRequest
			created string
		)
		if err := rows.Scan(&req.ID, &req.SessionID, &req.Path, &req.Requester, &req.Status, &created); err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		req.CreatedAt = parseTime(created)
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request rows: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Preferences
// -------------------------------------------------------------------------

// SetPreference upserts a preference key.
func (s *Store) SetPreference(key, value string) error {
	return s.exec(
		`INSERT OR REPLACE INTO preferences (key, value) VALUES (?, ?)`,
		key, value,
	)
}

// GetPreference returns the preference value, or def when the key is absent.
func (s *Store) GetPreference(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return def
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return def
	}
	return value
}

// GetPreferenceInt returns the preference parsed as an int, or def.
func (s *Store) GetPreferenceInt(key string, def int) int {
	raw := s.GetPreference(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// GetPreferenceBool returns the preference parsed as a bool. "True", "true",
// and "1" are truthy; any other stored value is false.
func (s *Store) GetPreferenceBool(key string, def bool) bool {
	raw := s.GetPreference(key, "")
	if raw == "" {
		return def
	}
	switch raw {
	case "True", "true", "1":
		return true
	default:
		return false
	}
}

// ListPreferences returns the full preference map.
func (s *Store) ListPreferences() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`SELECT key, value FROM preferences`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan preference row: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preference rows: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
