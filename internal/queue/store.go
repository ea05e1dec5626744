// Package queue implements the durable local operation queue.
//
// Every mutating call commits to SQLite before returning, so an
// acknowledged enqueue survives an immediate crash. The store is the
// single piece of mutable shared state in the system: the sync engine,
// conflict resolver, and gateway all mutate operation status exclusively
// through its public contract.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/openrounds/fieldsync/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "fs-v1-2026-08-02-operation-queue"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSyncing     Status = "syncing"
	StatusSynced      Status = "synced"
	StatusConflict    Status = "conflict"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
)

// Kind identifies what effect an operation has on the remote record.
type Kind string

const (
	KindTaskCompletion  Kind = "task_completion"
	KindEvidenceCapture Kind = "evidence_capture"
	KindAuditEvent      Kind = "audit_event"
)

// EvidenceKind identifies the type of a captured artifact.
type EvidenceKind string

const (
	EvidenceNumeric EvidenceKind = "numeric"
	EvidenceText    EvidenceKind = "text"
	EvidencePhoto   EvidenceKind = "photo"
	EvidenceAudio   EvidenceKind = "audio"
)

// allowedTransitions encodes the operation lifecycle. A transition out of
// pending/syncing is final for that attempt; pending re-entry happens only
// through retry rescheduling, crash recovery, or operator requeue.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusSyncing:     {},
		StatusQuarantined: {},
	},
	StatusSyncing: {
		StatusSynced:   {},
		StatusConflict: {},
		StatusFailed:   {},
		StatusPending:  {}, // Retry reschedule or crash-recovery requeue.
	},
	StatusConflict: {
		StatusSynced: {}, // Resolution applied.
		StatusFailed: {}, // Operator abandoned the operation.
	},
	StatusFailed: {
		StatusPending: {}, // Operator requeue.
	},
	StatusQuarantined: {
		StatusPending: {}, // Operator requeue after correcting the payload.
	},
}

// Operation is one intended effect on the remote authoritative store.
type Operation struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          Kind            `json:"kind"`
	EntityRef     string          `json:"entity_ref"`
	BaseVersion   int64           `json:"base_version"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Evidence is a captured artifact associated with one operation. It
// carries its own synced flag because evidence may be large and is
// confirmed separately from the owning operation's bookkeeping.
type Evidence struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operation_id"`
	Kind        EvidenceKind    `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Synced      bool            `json:"synced"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// Stats summarizes current queue state for the UI boundary.
type Stats struct {
	Queued              int `json:"queued"` // pending + syncing
	UnsyncedEvidence    int `json:"unsynced_evidence"`
	UnresolvedConflicts int `json:"unresolved_conflicts"`
	Failed              int `json:"failed"`
	Quarantined         int `json:"quarantined"`
}

// Store wraps the SQLite connection holding the operation queue.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fieldsync", "fieldsync.db")
}

// Open opens (creating if necessary) the queue database at path. Any
// operations left in syncing state by a crash are requeued as pending so
// the next cycle retransmits them under the same idempotency key.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.recoverInterrupted(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	// synchronous=FULL: an acknowledged enqueue must survive power loss,
	// not just process crash.
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	// seq is the queue's total order: AUTOINCREMENT guarantees it is
	// monotonic per entity even when enqueued_at timestamps collide.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL CHECK(kind IN ('task_completion', 'evidence_capture', 'audit_event')),
			entity_ref TEXT NOT NULL,
			base_version INTEGER NOT NULL,
			payload JSON NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'syncing', 'synced', 'conflict', 'failed', 'quarantined')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at DATETIME,
			enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL REFERENCES operations(id),
			kind TEXT NOT NULL CHECK(kind IN ('numeric', 'text', 'photo', 'audio')),
			payload JSON NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			captured_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL REFERENCES operations(id),
			entity_ref TEXT NOT NULL,
			local_version INTEGER NOT NULL,
			server_version INTEGER NOT NULL,
			local_snapshot JSON,
			server_snapshot JSON,
			resolution TEXT NOT NULL DEFAULT 'unresolved' CHECK(resolution IN ('unresolved', 'local', 'server', 'merged')),
			detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS operation_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation_id TEXT NOT NULL REFERENCES operations(id),
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status, next_attempt_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_ref, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_operation ON evidence(operation_id, synced);`,
		// Exactly one unresolved conflict per operation; resolution is
		// terminal, a new divergence gets a new record.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(operation_id) WHERE resolution = 'unresolved';`,
		`CREATE INDEX IF NOT EXISTS idx_operation_events_op ON operation_events(operation_id, event_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// recoverInterrupted requeues operations a crashed process left in
// syncing state. Retransmission is safe: the operation id doubles as the
// remote idempotency key.
func (s *Store) recoverInterrupted(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM operations WHERE status = ?;`, StatusSyncing)
	if err != nil {
		return fmt.Errorf("query interrupted operations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan interrupted operation: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("interrupted operation rows: %w", err)
	}

	for _, id := range ids {
		if err := s.transition(ctx, id, []Status{StatusSyncing}, StatusPending, "operation.recovered", "requeued after restart"); err != nil {
			return fmt.Errorf("recover operation %s: %w", id, err)
		}
	}
	return nil
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, opID string, from, to Status, eventType, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO operation_events (operation_id, event_type, state_from, state_to, detail, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, opID, eventType, string(from), string(to), detail)
	if err != nil {
		return fmt.Errorf("insert operation_event: %w", err)
	}
	return nil
}

// transition moves an operation between statuses, enforcing the lifecycle
// map, and publishes the change on the bus. A current status outside
// allowedFrom is an illegal transition, not a no-op; callers see
// ErrIllegalTransition and the row is untouched.
func (s *Store) transition(ctx context.Context, opID string, allowedFrom []Status, to Status, eventType, detail string) error {
	return s.transitionWith(ctx, opID, allowedFrom, to, eventType, detail, "", nil)
}

// transitionWith is transition with extra column assignments applied in
// the same transaction as the status change, so bookkeeping such as
// last_error or retry_count persists only when the transition commits.
// extraSet is a SQL fragment like ", last_error = ?" with placeholders
// answered by extraArgs.
func (s *Store) transitionWith(ctx context.Context, opID string, allowedFrom []Status, to Status, eventType, detail, extraSet string, extraArgs []any) error {
	var oldStatus Status
	var entityRef string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Status
		if err := tx.QueryRowContext(ctx, `
			SELECT status, entity_ref FROM operations WHERE id = ?;
		`, opID).Scan(&current, &entityRef); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
			}
			return fmt.Errorf("select operation for transition: %w", err)
		}
		if !slices.Contains(allowedFrom, current) || !canTransition(current, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
		}

		args := append([]any{to}, extraArgs...)
		args = append(args, opID, current)
		res, err := tx.ExecContext(ctx, `
			UPDATE operations
			SET status = ?`+extraSet+`, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, args...)
		if err != nil {
			return fmt.Errorf("update operation transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		if err := s.appendEventTx(ctx, tx, opID, current, to, eventType, detail); err != nil {
			return err
		}
		oldStatus = current
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if oldStatus != "" && s.bus != nil {
		s.bus.Publish(bus.TopicQueueStateChanged, bus.QueueStateChangedEvent{
			OperationID: opID,
			EntityRef:   entityRef,
			OldStatus:   string(oldStatus),
			NewStatus:   string(to),
		})
	}
	return nil
}
