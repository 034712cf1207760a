package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/supportsync/internal/domain"
	"github.com/ashureev/supportsync/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes snapshot writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS snapshots (
		owner_id TEXT PRIMARY KEY,
		saved_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		owner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		participant_id TEXT,
		category TEXT,
		priority TEXT,
		last_activity_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		owner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		server_id TEXT,
		local_id TEXT,
		sender_role TEXT NOT NULL,
		body TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		delivery_state TEXT NOT NULL,
		PRIMARY KEY (owner_id, session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS pending_sends (
		owner_id TEXT NOT NULL,
		local_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		body TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		transmitted_at INTEGER,
		queue_pos INTEGER,
		PRIMARY KEY (owner_id, local_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the owner's stored state in one transaction.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.OwnerID == "" {
		return fmt.Errorf("save snapshot: owner id is required")
	}
	return s.withRetry(ctx, "save snapshot", func() error {
		return s.saveOnce(ctx, snap)
	})
}

func (s *SQLiteStore) saveOnce(ctx context.Context, snap Snapshot) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := purgeTx(ctx, tx, snap.OwnerID); err != nil {
		return err
	}

	for _, sess := range snap.Sessions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (owner_id, session_id, status, participant_id, category, priority, last_activity_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.OwnerID, sess.ID, string(sess.Status), nullString(sess.ParticipantID),
			nullString(sess.Category), nullString(sess.Priority),
			sess.LastActivityAt.UnixNano(), sess.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
		for seq, m := range sess.Messages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (owner_id, session_id, seq, server_id, local_id, sender_role, body, sent_at, delivery_state)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				snap.OwnerID, sess.ID, seq, nullString(m.ID), nullString(m.LocalID),
				string(m.SenderRole), m.Body, m.SentAt.UnixNano(), string(m.DeliveryState),
			); err != nil {
				return fmt.Errorf("insert message %d of %s: %w", seq, sess.ID, err)
			}
		}
	}

	queuePos := make(map[string]int, len(snap.Queued))
	for i, id := range snap.Queued {
		queuePos[id] = i
	}
	for _, p := range snap.Pending {
		var transmitted, pos any
		if !p.TransmittedAt.IsZero() {
			transmitted = p.TransmittedAt.UnixNano()
		}
		if i, ok := queuePos[p.LocalID]; ok {
			pos = i
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_sends (owner_id, local_id, session_id, body, enqueued_at, attempts, transmitted_at, queue_pos)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.OwnerID, p.LocalID, p.SessionID, p.Body, p.EnqueuedAt.UnixNano(), p.Attempts, transmitted, pos,
		); err != nil {
			return fmt.Errorf("insert pending send %s: %w", p.LocalID, err)
		}
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (owner_id, saved_at) VALUES (?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET saved_at = excluded.saved_at`,
		snap.OwnerID, savedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for ownerID, or nil if none exists.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	var savedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshots WHERE owner_id = ?`, ownerID).Scan(&savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}

	snap := &Snapshot{OwnerID: ownerID, SavedAt: time.Unix(0, savedAt)}
	if snap.Sessions, err = s.loadSessions(ctx, ownerID); err != nil {
		return nil, err
	}
	if snap.Pending, snap.Queued, err = s.loadPending(ctx, ownerID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) loadSessions(ctx context.Context, ownerID string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, status, participant_id, category, priority, last_activity_at, created_at
		FROM sessions WHERE owner_id = ? ORDER BY session_id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []domain.Session
	index := make(map[string]int)
	for rows.Next() {
		var sess domain.Session
		var status string
		var participant, category, priority sql.NullString
		var lastActivity, createdAt int64
		if err := rows.Scan(&sess.ID, &status, &participant, &category, &priority, &lastActivity, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.Status = domain.SessionStatus(status)
		sess.ParticipantID = participant.String
		sess.Category = category.String
		sess.Priority = priority.String
		sess.LastActivityAt = time.Unix(0, lastActivity)
		sess.CreatedAt = time.Unix(0, createdAt)
		index[sess.ID] = len(sessions)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT session_id, server_id, local_id, sender_role, body, sent_at, delivery_state
		FROM messages WHERE owner_id = ? ORDER BY session_id, seq`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := msgRows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	for msgRows.Next() {
		var m domain.Message
		var serverID, localID sql.NullString
		var role, state string
		var sentAt int64
		if err := msgRows.Scan(&m.SessionID, &serverID, &localID, &role, &m.Body, &sentAt, &state); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		i, ok := index[m.SessionID]
		if !ok {
			continue
		}
		m.ID = serverID.String
		m.LocalID = localID.String
		m.SenderRole = domain.Role(role)
		m.SentAt = time.Unix(0, sentAt)
		m.DeliveryState = domain.DeliveryState(state)
		sessions[i].Messages = append(sessions[i].Messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) loadPending(ctx context.Context, ownerID string) ([]domain.PendingSend, []string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, session_id, body, enqueued_at, attempts, transmitted_at, queue_pos
		FROM pending_sends WHERE owner_id = ?
		ORDER BY enqueued_at, local_id`, ownerID)
	if err != nil {
		return nil, nil, fmt.Errorf("query pending sends: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close pending rows", "error", closeErr)
		}
	}()

	var pending []domain.PendingSend
	type queued struct {
		pos int64
		id  string
	}
	var inQueue []queued
	for rows.Next() {
		var p domain.PendingSend
		var enqueuedAt int64
		var transmitted, pos sql.NullInt64
		if err := rows.Scan(&p.LocalID, &p.SessionID, &p.Body, &enqueuedAt, &p.Attempts, &transmitted, &pos); err != nil {
			return nil, nil, fmt.Errorf("scan pending row: %w", err)
		}
		p.EnqueuedAt = time.Unix(0, enqueuedAt)
		if transmitted.Valid {
			p.TransmittedAt = time.Unix(0, transmitted.Int64)
		}
		if pos.Valid {
			inQueue = append(inQueue, queued{pos: pos.Int64, id: p.LocalID})
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate pending sends: %w", err)
	}

	sort.SliceStable(inQueue, func(i, j int) bool { return inQueue[i].pos < inQueue[j].pos })
	order := make([]string, len(inQueue))
	for i, q := range inQueue {
		order[i] = q.id
	}
	return pending, order, nil
}

// Purge removes every row stored for ownerID.
func (s *SQLiteStore) Purge(ctx context.Context, ownerID string) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "purge", func() (err error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()

		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE owner_id = ?`, ownerID)
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("sessions rows affected: %w", err)
		}
		if err := purgeTx(ctx, tx, ownerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}

func purgeTx(ctx context.Context, tx *sql.Tx, ownerID string) error {
	for _, table := range []string{"messages", "pending_sends", "sessions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// withRetry runs fn up to three times, backing off 100ms, 200ms on busy errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteBusyError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
