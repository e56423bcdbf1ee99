package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the local SQLite-backed persistence layer for sessions, their
// entry logs, and the per-session trace log.
//
// Notes:
//   - Entries are append-only. The only mutation paths are copy-on-fork and
//     whole-session deletion.
//   - Fork lineage is a flat relation: sessions reference their origin via the
//     forked_from_* columns, never via embedded ownership pointers.
//   - WAL is enabled; a single write connection serializes writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ForkedFrom records where a forked session was split off its source.
type ForkedFrom struct {
	SessionID     string `json:"session_id"`
	LeafID        string `json:"leaf_id"`
	SourceEntryID string `json:"source_entry_id"`
	Reason        string `json:"reason"`
}

type Session struct {
	SessionID       string      `json:"session_id"`
	ParentSessionID string      `json:"parent_session_id,omitempty"`
	ForkedFrom      *ForkedFrom `json:"forked_from,omitempty"`
	Title           string      `json:"title"`
	LeafID          string      `json:"leaf_id"`

	// MetadataJSON carries run-scoped context (e.g. shared tab ids). It is
	// overwritten wholesale at each run start, never merged.
	MetadataJSON string `json:"metadata_json,omitempty"`

	LastStatus      string `json:"last_status,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

type Entry struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	EntryID   string `json:"entry_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`

	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var ErrSessionNotFound = errors.New("session not found")

// NewSessionID mints a session id.
func NewSessionID() string {
	return "ses_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewEntryID mints an entry id.
func NewEntryID() string {
	return "ent_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func normalizeRole(role string) (string, error) {
	switch strings.TrimSpace(role) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleTool:
		return RoleTool, nil
	default:
		return "", fmt.Errorf("invalid entry role %q", role)
	}
}

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sess.SessionID = strings.TrimSpace(sess.SessionID)
	sess.ParentSessionID = strings.TrimSpace(sess.ParentSessionID)
	sess.Title = strings.TrimSpace(sess.Title)
	if sess.SessionID == "" {
		return errors.New("missing session_id")
	}

	now := time.Now().UnixMilli()
	if sess.CreatedAtUnixMs <= 0 {
		sess.CreatedAtUnixMs = now
	}
	if sess.UpdatedAtUnixMs <= 0 {
		sess.UpdatedAtUnixMs = sess.CreatedAtUnixMs
	}

	var ffSession, ffLeaf, ffSource, ffReason string
	if sess.ForkedFrom != nil {
		ffSession = strings.TrimSpace(sess.ForkedFrom.SessionID)
		ffLeaf = strings.TrimSpace(sess.ForkedFrom.LeafID)
		ffSource = strings.TrimSpace(sess.ForkedFrom.SourceEntryID)
		ffReason = strings.TrimSpace(sess.ForkedFrom.Reason)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, parent_session_id,
  forked_from_session_id, forked_from_leaf_id, forked_from_source_entry_id, forked_from_reason,
  title, leaf_id, metadata_json, last_status,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		sess.SessionID,
		sess.ParentSessionID,
		ffSession,
		ffLeaf,
		ffSource,
		ffReason,
		sess.Title,
		strings.TrimSpace(sess.LeafID),
		sess.MetadataJSON,
		strings.TrimSpace(sess.LastStatus),
		sess.CreatedAtUnixMs,
		sess.UpdatedAtUnixMs,
	)
	return err
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var ffSession, ffLeaf, ffSource, ffReason string
	err := row.Scan(
		&sess.SessionID,
		&sess.ParentSessionID,
		&ffSession,
		&ffLeaf,
		&ffSource,
		&ffReason,
		&sess.Title,
		&sess.LeafID,
		&sess.MetadataJSON,
		&sess.LastStatus,
		&sess.CreatedAtUnixMs,
		&sess.UpdatedAtUnixMs,
	)
	if err != nil {
		return nil, err
	}
	if ffSession != "" {
		sess.ForkedFrom = &ForkedFrom{
			SessionID:     ffSession,
			LeafID:        ffLeaf,
			SourceEntryID: ffSource,
			Reason:        ffReason,
		}
	}
	return &sess, nil
}

const sessionColumns = `
  session_id, parent_session_id,
  forked_from_session_id, forked_from_leaf_id, forked_from_source_entry_id, forked_from_reason,
  title, leaf_id, metadata_json, last_status,
  created_at_unix_ms, updated_at_unix_ms`

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	sess, err := scanSession(s.db.QueryRowContext(ctx, `
SELECT`+sessionColumns+`
FROM sessions
WHERE session_id = ?
`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// ListSessions returns all sessions ordered most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT`+sessionColumns+`
FROM sessions
ORDER BY updated_at_unix_ms DESC, session_id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ReplaceMetadata overwrites the session metadata wholesale.
func (s *Store) ReplaceMetadata(ctx context.Context, sessionID string, metadataJSON string) error {
	return s.updateSessionField(ctx, sessionID, "metadata_json", metadataJSON)
}

// SetLeaf rebinds the session leaf pointer to the given entry.
func (s *Store) SetLeaf(ctx context.Context, sessionID string, leafID string) error {
	return s.updateSessionField(ctx, sessionID, "leaf_id", strings.TrimSpace(leafID))
}

// SetLastStatus records the terminal status of the most recent run.
func (s *Store) SetLastStatus(ctx context.Context, sessionID string, status string) error {
	return s.updateSessionField(ctx, sessionID, "last_status", strings.TrimSpace(status))
}

// SetTitle renames a session.
func (s *Store) SetTitle(ctx context.Context, sessionID string, title string) error {
	title = strings.TrimSpace(title)
	if len(title) > 200 {
		return errors.New("title too long")
	}
	return s.updateSessionField(ctx, sessionID, "title", title)
}

func (s *Store) updateSessionField(ctx context.Context, sessionID string, column string, value string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+column+` = ?, updated_at_unix_ms = ? WHERE session_id = ?`,
		value, now, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendEntry appends one entry to a session's log and advances the leaf and
// the session's updated timestamp in the same transaction.
func (s *Store) AppendEntry(ctx context.Context, sessionID string, e Entry) (Entry, error) {
	if s == nil || s.db == nil {
		return Entry{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Entry{}, errors.New("missing session_id")
	}

	role, err := normalizeRole(e.Role)
	if err != nil {
		return Entry{}, err
	}
	e.Role = role
	e.SessionID = sessionID
	e.EntryID = strings.TrimSpace(e.EntryID)
	if e.EntryID == "" {
		e.EntryID = NewEntryID()
	}
	e.ToolName = strings.TrimSpace(e.ToolName)
	e.ToolCallID = strings.TrimSpace(e.ToolCallID)
	if e.CreatedAtUnixMs <= 0 {
		e.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
		return Entry{}, err
	}
	if exists == 0 {
		return Entry{}, ErrSessionNotFound
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO entries(session_id, entry_id, role, content, tool_name, tool_call_id, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, sessionID, e.EntryID, e.Role, e.Content, e.ToolName, e.ToolCallID, e.CreatedAtUnixMs)
	if err != nil {
		return Entry{}, err
	}
	e.ID, _ = res.LastInsertId()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET leaf_id = ?, updated_at_unix_ms = ? WHERE session_id = ?`,
		e.EntryID, e.CreatedAtUnixMs, sessionID); err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// ListEntries returns a session's full entry log in append order.
func (s *Store) ListEntries(ctx context.Context, sessionID string) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, entry_id, role, content, tool_name, tool_call_id, created_at_unix_ms
FROM entries
WHERE session_id = ?
ORDER BY id ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EntryID, &e.Role, &e.Content, &e.ToolName, &e.ToolCallID, &e.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEntry returns a single entry by its stable id.
func (s *Store) GetEntry(ctx context.Context, sessionID string, entryID string) (*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	entryID = strings.TrimSpace(entryID)
	if sessionID == "" || entryID == "" {
		return nil, errors.New("invalid request")
	}

	var e Entry
	err := s.db.QueryRowContext(ctx, `
SELECT id, session_id, entry_id, role, content, tool_name, tool_call_id, created_at_unix_ms
FROM entries
WHERE session_id = ? AND entry_id = ?
`, sessionID, entryID).Scan(&e.ID, &e.SessionID, &e.EntryID, &e.Role, &e.Content, &e.ToolName, &e.ToolCallID, &e.CreatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// Fork creates a new session whose entries are an immutable copy of the
// source up to and including sourceEntryID. The copied prefix is frozen at
// fork time; later writes to the source never reach the fork.
func (s *Store) Fork(ctx context.Context, sourceSessionID string, leafID string, sourceEntryID string, reason string) (*Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sourceSessionID = strings.TrimSpace(sourceSessionID)
	sourceEntryID = strings.TrimSpace(sourceEntryID)
	if sourceSessionID == "" || sourceEntryID == "" {
		return nil, errors.New("invalid fork request")
	}

	src, err := s.GetSession(ctx, sourceSessionID)
	if err != nil {
		return nil, err
	}

	anchor, err := s.GetEntry(ctx, sourceSessionID, sourceEntryID)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return nil, fmt.Errorf("fork anchor %s not found in session %s", sourceEntryID, sourceSessionID)
	}

	now := time.Now().UnixMilli()
	forked := Session{
		SessionID:       NewSessionID(),
		ParentSessionID: sourceSessionID,
		ForkedFrom: &ForkedFrom{
			SessionID:     sourceSessionID,
			LeafID:        strings.TrimSpace(leafID),
			SourceEntryID: sourceEntryID,
			Reason:        strings.TrimSpace(reason),
		},
		Title:           src.Title,
		MetadataJSON:    src.MetadataJSON,
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, parent_session_id,
  forked_from_session_id, forked_from_leaf_id, forked_from_source_entry_id, forked_from_reason,
  title, leaf_id, metadata_json, last_status,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		forked.SessionID,
		forked.ParentSessionID,
		forked.ForkedFrom.SessionID,
		forked.ForkedFrom.LeafID,
		forked.ForkedFrom.SourceEntryID,
		forked.ForkedFrom.Reason,
		forked.Title,
		"",
		forked.MetadataJSON,
		"",
		forked.CreatedAtUnixMs,
		forked.UpdatedAtUnixMs,
	); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
SELECT entry_id, role, content, tool_name, tool_call_id, created_at_unix_ms
FROM entries
WHERE session_id = ? AND id <= ?
ORDER BY id ASC
`, sourceSessionID, anchor.ID)
	if err != nil {
		return nil, err
	}
	var copied []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Role, &e.Content, &e.ToolName, &e.ToolCallID, &e.CreatedAtUnixMs); err != nil {
			_ = rows.Close()
			return nil, err
		}
		copied = append(copied, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	lastEntryID := ""
	for _, e := range copied {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entries(session_id, entry_id, role, content, tool_name, tool_call_id, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, forked.SessionID, e.EntryID, e.Role, e.Content, e.ToolName, e.ToolCallID, e.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		lastEntryID = e.EntryID
	}

	forked.LeafID = lastEntryID
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET leaf_id = ? WHERE session_id = ?`,
		lastEntryID, forked.SessionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &forked, nil
}

// DeleteSession removes exactly one session's record: its row, entries, and
// trace. Parent and sibling sessions are untouched.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trace_events WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return tx.Commit()
}

// Reset drops every session and returns the removed session ids.
func (s *Store) Reset(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		removed = append(removed, sess.SessionID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"entries", "trace_events", "sessions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  parent_session_id TEXT NOT NULL DEFAULT '',
  forked_from_session_id TEXT NOT NULL DEFAULT '',
  forked_from_leaf_id TEXT NOT NULL DEFAULT '',
  forked_from_source_entry_id TEXT NOT NULL DEFAULT '',
  forked_from_reason TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  leaf_id TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '',
  last_status TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at_unix_ms DESC, session_id DESC);

CREATE TABLE IF NOT EXISTS entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  entry_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  tool_name TEXT NOT NULL DEFAULT '',
  tool_call_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(session_id, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id, id ASC);

CREATE TABLE IF NOT EXISTS trace_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  type TEXT NOT NULL,
  ts_unix_ms INTEGER NOT NULL,
  payload_json TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trace_session ON trace_events(session_id, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
