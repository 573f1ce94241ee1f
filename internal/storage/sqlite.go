package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Storage implementation, grounded on the
// teacher's internal/persistence/store.go Open/migrate/WAL pattern.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a SQLite database at dbPath and applies schema
// migrations.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		slog.Info("storage: applying migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			data TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);

		CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_worktrees_session ON worktrees(session_id);

		CREATE TABLE IF NOT EXISTS worktree_messages (
			worktree_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (worktree_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_worktree_seq ON worktree_messages(worktree_id, seq);

		CREATE TABLE IF NOT EXISTS rpc_logs (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_rpclogs_session_seq ON rpc_logs(session_id, seq);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			workspace_id TEXT PRIMARY KEY,
			current_hash TEXT NOT NULL,
			current_expires_at TEXT NOT NULL,
			previous_hash TEXT NOT NULL DEFAULT '',
			previous_valid_until TEXT
		);
	`)
	return err
}

// --- workspaces ---

func (s *SQLiteStore) GetWorkspace(id string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM workspaces WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	var ws Workspace
	if err := json.Unmarshal([]byte(data), &ws); err != nil {
		return nil, fmt.Errorf("decode workspace: %w", err)
	}
	return &ws, nil
}

func (s *SQLiteStore) SaveWorkspace(ws *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("encode workspace: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO workspaces (id, data, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at",
		ws.ID, string(data), ws.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	return nil
}

// --- sessions ---

func (s *SQLiteStore) ListSessions(workspaceID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT data FROM sessions WHERE workspace_id = ? ORDER BY last_activity_at DESC", workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	if out == nil {
		out = []*Session{}
	}
	return out, nil
}

func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM sessions WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) SaveSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO sessions (id, workspace_id, data, last_activity_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data, last_activity_at = excluded.last_activity_at",
		sess.ID, sess.WorkspaceID, string(data), sess.LastActivityAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete session: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM worktree_messages WHERE worktree_id IN (SELECT id FROM worktrees WHERE session_id = ?)`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM worktrees WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete session worktrees: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM rpc_logs WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete session rpc logs: %w", err)
	}
	return tx.Commit()
}

// --- worktrees ---

func (s *SQLiteStore) SaveWorktree(wt *Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(wt)
	if err != nil {
		return fmt.Errorf("encode worktree: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO worktrees (id, session_id, data) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data",
		wt.ID, wt.SessionID, string(data),
	)
	if err != nil {
		return fmt.Errorf("save worktree: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadWorktrees(sessionID string) ([]*Worktree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT data FROM worktrees WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, fmt.Errorf("load worktrees: %w", err)
	}
	defer rows.Close()

	var out []*Worktree
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		var wt Worktree
		if err := json.Unmarshal([]byte(data), &wt); err != nil {
			return nil, fmt.Errorf("decode worktree: %w", err)
		}
		out = append(out, &wt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worktrees: %w", err)
	}
	if out == nil {
		out = []*Worktree{}
	}
	return out, nil
}

func (s *SQLiteStore) GetWorktree(id string) (*Worktree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM worktrees WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	var wt Worktree
	if err := json.Unmarshal([]byte(data), &wt); err != nil {
		return nil, fmt.Errorf("decode worktree: %w", err)
	}
	return &wt, nil
}

func (s *SQLiteStore) DeleteWorktree(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete worktree: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM worktrees WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM worktree_messages WHERE worktree_id = ?", id); err != nil {
		return fmt.Errorf("delete worktree messages: %w", err)
	}
	return tx.Commit()
}

// --- worktree messages ---

// AppendWorktreeMessage is idempotent on (worktreeId, msg.id): a replayed
// message with the same id is a silent no-op rather than a duplicate row.
func (s *SQLiteStore) AppendWorktreeMessage(worktreeID string, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.WorktreeID = worktreeID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	var nextSeq int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(seq), -1) + 1 FROM worktree_messages WHERE worktree_id = ?", worktreeID).Scan(&nextSeq); err != nil {
		return fmt.Errorf("append message: next seq: %w", err)
	}

	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO worktree_messages (worktree_id, message_id, seq, data) VALUES (?, ?, ?, ?)",
		worktreeID, msg.ID, nextSeq, string(data),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_ = res // INSERT OR IGNORE silently skips on (worktree_id, message_id) conflict
	return nil
}

func (s *SQLiteStore) LoadWorktreeMessages(worktreeID string) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT data FROM worktree_messages WHERE worktree_id = ? ORDER BY seq ASC", worktreeID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg ChatMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if out == nil {
		out = []ChatMessage{}
	}
	return out, nil
}

// --- rpc logs ---

// AppendRpcLog appends entry and trims the per-session ring buffer down
// to RpcLogCap, dropping the oldest entries first.
func (s *SQLiteStore) AppendRpcLog(sessionID string, entry RpcLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.WorktreeID = entry.WorktreeID
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode rpc log: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append rpc log: begin: %w", err)
	}
	defer tx.Rollback()

	var nextSeq int
	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), -1) + 1 FROM rpc_logs WHERE session_id = ?", sessionID).Scan(&nextSeq); err != nil {
		return fmt.Errorf("append rpc log: next seq: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO rpc_logs (session_id, seq, data) VALUES (?, ?, ?)", sessionID, nextSeq, string(data)); err != nil {
		return fmt.Errorf("append rpc log: %w", err)
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM rpc_logs WHERE session_id = ?", sessionID).Scan(&count); err != nil {
		return fmt.Errorf("append rpc log: count: %w", err)
	}
	if count > RpcLogCap {
		if _, err := tx.Exec(
			`DELETE FROM rpc_logs WHERE session_id = ? AND seq IN (
				SELECT seq FROM rpc_logs WHERE session_id = ? ORDER BY seq ASC LIMIT ?
			)`, sessionID, sessionID, count-RpcLogCap,
		); err != nil {
			return fmt.Errorf("append rpc log: trim: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadRpcLogs(sessionID string) ([]RpcLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT data FROM rpc_logs WHERE session_id = ? ORDER BY seq ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("load rpc logs: %w", err)
	}
	defer rows.Close()

	var out []RpcLogEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan rpc log: %w", err)
		}
		var entry RpcLogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("decode rpc log: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rpc logs: %w", err)
	}
	if out == nil {
		out = []RpcLogEntry{}
	}
	return out, nil
}

// --- refresh tokens ---

// HashToken renders the SHA-256 hex digest stored for a refresh token;
// the raw token itself is never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *SQLiteStore) SaveWorkspaceRefreshToken(workspaceID, hash string, expiresAt time.Time, previousHash string, previousValidUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevValidUntil interface{}
	if !previousValidUntil.IsZero() {
		prevValidUntil = previousValidUntil.Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(
		`INSERT INTO refresh_tokens (workspace_id, current_hash, current_expires_at, previous_hash, previous_valid_until)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET
		   current_hash = excluded.current_hash,
		   current_expires_at = excluded.current_expires_at,
		   previous_hash = excluded.previous_hash,
		   previous_valid_until = excluded.previous_valid_until`,
		workspaceID, hash, expiresAt.Format(time.RFC3339Nano), previousHash, prevValidUntil,
	)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkspaceRefreshState(workspaceID string) (*RefreshTokenState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRefreshStateLocked(workspaceID)
}

func (s *SQLiteStore) getRefreshStateLocked(workspaceID string) (*RefreshTokenState, error) {
	var (
		currentHash, currentExpiresAt, previousHash string
		previousValidUntil                          sql.NullString
	)
	err := s.db.QueryRow(
		"SELECT current_hash, current_expires_at, previous_hash, previous_valid_until FROM refresh_tokens WHERE workspace_id = ?",
		workspaceID,
	).Scan(&currentHash, &currentExpiresAt, &previousHash, &previousValidUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh state: %w", err)
	}

	expAt, err := time.Parse(time.RFC3339Nano, currentExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("get refresh state: parse expiry: %w", err)
	}
	state := &RefreshTokenState{
		WorkspaceID:      workspaceID,
		CurrentTokenHash: currentHash,
		CurrentExpiresAt: expAt,
		PreviousTokenHash: previousHash,
	}
	if previousValidUntil.Valid && previousValidUntil.String != "" {
		t, err := time.Parse(time.RFC3339Nano, previousValidUntil.String)
		if err == nil {
			state.PreviousValidUntil = t
		}
	}
	return state, nil
}

// RotateWorkspaceRefreshToken performs the single-transaction rotation
// decision spec §4.2/§4.3 requires. A current, unexpired currentHash is
// rotated to nextHash (OK). A superseded hash still inside its grace
// window is a tolerated replay: OK with Replayed set, nothing changed.
// Any other superseded hash is reuse: the workspace's whole chain is
// deleted and Code is "reuse". An expired current hash gives Code
// "expired", and a hash matching no row gives Code "unknown".
func (s *SQLiteStore) RotateWorkspaceRefreshToken(currentHash, nextHash string, nextExpiresAt time.Time, grace time.Duration) (RotateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return RotateOutcome{}, fmt.Errorf("rotate refresh token: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		workspaceID, storedCurrentHash, currentExpiresAt, previousHash string
		previousValidUntil                                            sql.NullString
	)
	err = tx.QueryRow(
		"SELECT workspace_id, current_hash, current_expires_at, previous_hash, previous_valid_until FROM refresh_tokens WHERE current_hash = ? OR previous_hash = ?",
		currentHash, currentHash,
	).Scan(&workspaceID, &storedCurrentHash, &currentExpiresAt, &previousHash, &previousValidUntil)
	if err == sql.ErrNoRows {
		return RotateOutcome{OK: false, Code: "unknown"}, nil
	}
	if err != nil {
		return RotateOutcome{}, fmt.Errorf("rotate refresh token: lookup: %w", err)
	}

	now := time.Now().UTC()

	if storedCurrentHash == currentHash {
		expAt, perr := time.Parse(time.RFC3339Nano, currentExpiresAt)
		if perr == nil && now.After(expAt) {
			return RotateOutcome{OK: false, WorkspaceID: workspaceID, Code: "expired"}, nil
		}

		if _, err := tx.Exec(
			"UPDATE refresh_tokens SET current_hash = ?, current_expires_at = ?, previous_hash = ?, previous_valid_until = ? WHERE workspace_id = ?",
			nextHash, nextExpiresAt.Format(time.RFC3339Nano), currentHash, now.Add(grace).Format(time.RFC3339Nano), workspaceID,
		); err != nil {
			return RotateOutcome{}, fmt.Errorf("rotate refresh token: update: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return RotateOutcome{}, fmt.Errorf("rotate refresh token: commit: %w", err)
		}
		return RotateOutcome{OK: true, WorkspaceID: workspaceID}, nil
	}

	// currentHash matched the previous (already-superseded) token: within
	// the grace window this is a tolerated racing-refresh replay, not a
	// reuse attack.
	if previousHash == currentHash && previousValidUntil.Valid {
		validUntil, perr := time.Parse(time.RFC3339Nano, previousValidUntil.String)
		if perr == nil && now.Before(validUntil) {
			if err := tx.Commit(); err != nil {
				return RotateOutcome{}, fmt.Errorf("rotate refresh token: commit: %w", err)
			}
			return RotateOutcome{OK: true, WorkspaceID: workspaceID, Replayed: true}, nil
		}
	}

	// Presentation of a token that is neither current nor within its
	// grace window is a reuse signal: revoke the whole chain.
	if _, err := tx.Exec("DELETE FROM refresh_tokens WHERE workspace_id = ?", workspaceID); err != nil {
		return RotateOutcome{}, fmt.Errorf("rotate refresh token: revoke: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RotateOutcome{}, fmt.Errorf("rotate refresh token: commit: %w", err)
	}
	return RotateOutcome{OK: false, WorkspaceID: workspaceID, Code: "reuse"}, nil
}

func (s *SQLiteStore) RevokeWorkspaceRefreshTokens(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM refresh_tokens WHERE workspace_id = ?", workspaceID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}

var _ Storage = (*SQLiteStore)(nil)
