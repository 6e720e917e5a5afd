package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roelfdiedericks/lifeline/internal/approval"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// SQLiteStore persists sessions and pending approvals in one database so
// both survive soft and hard restarts.
type SQLiteStore struct {
	db *sql.DB
}

// Schema version for migrations
const currentSchemaVersion = 2

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the driver serializes anyway and WAL keeps reads concurrent
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: store opened", "path", path)
	return store, nil
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("sqlite: schema up to date", "version", version)
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", i+1, time.Now().Unix()); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the session schema
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		native_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		turns TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);
	`)
	return err
}

// migrateV2 adds approval persistence
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		action TEXT NOT NULL,
		requester TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		decision INTEGER NOT NULL DEFAULT 0,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at INTEGER NOT NULL DEFAULT 0,
		timed_out INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_decision ON approvals(decision);
	`)
	return err
}

// LoadSession returns the stored session for id.
func (s *SQLiteStore) LoadSession(ctx context.Context, id types.Identity) (*Session, error) {
	var created, active int64
	var turns string
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at, last_active, turns FROM sessions WHERE key = ?", id.String(),
	).Scan(&created, &active, &turns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	sess := &Session{
		Identity:   id,
		CreatedAt:  time.UnixMilli(created),
		LastActive: time.UnixMilli(active),
	}
	if err := json.Unmarshal([]byte(turns), &sess.Turns); err != nil {
		L_warn("sqlite: corrupt session turns, starting fresh", "key", id.String(), "error", err)
		sess.Turns = nil
	}
	return sess, nil
}

// SaveSession upserts a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	turns, err := json.Marshal(sess.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, channel, native_id, created_at, last_active, turns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET last_active = excluded.last_active, turns = excluded.turns`,
		sess.Key(), sess.Identity.Channel, sess.Identity.ID,
		sess.CreatedAt.UnixMilli(), sess.LastActive.UnixMilli(), string(turns))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.Key(), err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id types.Identity) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE key = ?", id.String())
	return err
}

// IdleSessions lists sessions idle since before cutoff.
func (s *SQLiteStore) IdleSessions(ctx context.Context, cutoff time.Time) ([]types.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT channel, native_id FROM sessions WHERE last_active < ?", cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		var id types.Identity
		if err := rows.Scan(&id.Channel, &id.ID); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveApproval upserts an approval. It implements approval.Store.
func (s *SQLiteStore) SaveApproval(ctx context.Context, a approval.Approval) error {
	var resolvedAt int64
	if !a.ResolvedAt.IsZero() {
		resolvedAt = a.ResolvedAt.UnixMilli()
	}
	resolvedBy := ""
	if !a.ResolvedBy.IsZero() {
		resolvedBy = a.ResolvedBy.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, description, action, requester, created_at, expires_at, decision, resolved_by, resolved_at, timed_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET decision = excluded.decision, resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at, timed_out = excluded.timed_out`,
		a.ID, a.Description, a.Action, a.Requester.String(), a.CreatedAt.UnixMilli(), a.ExpiresAt.UnixMilli(),
		int(a.Decision), resolvedBy, resolvedAt, a.TimedOut)
	if err != nil {
		return fmt.Errorf("save approval %s: %w", a.ID, err)
	}
	return nil
}

// UnresolvedApprovals returns every approval still awaiting a decision.
func (s *SQLiteStore) UnresolvedApprovals(ctx context.Context) ([]approval.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, action, requester, created_at, expires_at
		FROM approvals WHERE decision = ? ORDER BY created_at`, int(approval.Unresolved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Approval
	for rows.Next() {
		var a approval.Approval
		var requester string
		var created, expires int64
		if err := rows.Scan(&a.ID, &a.Description, &a.Action, &requester, &created, &expires); err != nil {
			return nil, err
		}
		a.Requester, _ = types.ParseIdentity(requester)
		a.CreatedAt = time.UnixMilli(created)
		a.ExpiresAt = time.UnixMilli(expires)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneApprovals deletes resolved approvals resolved before cutoff.
func (s *SQLiteStore) PruneApprovals(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM approvals WHERE decision != ? AND resolved_at < ?", int(approval.Unresolved), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
