package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Resolution is the one-way outcome of a conflict record.
type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionLocal      Resolution = "local"
	ResolutionServer     Resolution = "server"
	ResolutionMerged     Resolution = "merged"
)

// ErrConflictResolved is returned when resolving a record that is already
// terminal. Resolution is one-way: a new divergence requires a new record.
var ErrConflictResolved = errors.New("conflict already resolved")

// ConflictRecord snapshots a detected divergence between an operation's
// base version and the remote entity's current version. The snapshots are
// immutable once recorded.
type ConflictRecord struct {
	ID             string          `json:"id"`
	OperationID    string          `json:"operation_id"`
	EntityRef      string          `json:"entity_ref"`
	LocalVersion   int64           `json:"local_version"`
	ServerVersion  int64           `json:"server_version"`
	LocalSnapshot  json.RawMessage `json:"local_snapshot,omitempty"`
	ServerSnapshot json.RawMessage `json:"server_snapshot,omitempty"`
	Resolution     Resolution      `json:"resolution"`
	DetectedAt     time.Time       `json:"detected_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// RecordConflict persists a conflict record and moves the operation to
// conflict status in one transaction. The partial unique index on open
// records guarantees at most one unresolved conflict per operation; a
// duplicate detection for the same divergence is a no-op returning the
// existing record's id.
func (s *Store) RecordConflict(ctx context.Context, rec ConflictRecord) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM conflicts WHERE operation_id = ? AND resolution = 'unresolved';
	`, rec.OperationID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check open conflict: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin conflict tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts (id, operation_id, entity_ref, local_version, server_version, local_snapshot, server_snapshot, resolution, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'unresolved', CURRENT_TIMESTAMP);
		`, rec.ID, rec.OperationID, rec.EntityRef, rec.LocalVersion, rec.ServerVersion,
			nullableJSON(rec.LocalSnapshot), nullableJSON(rec.ServerSnapshot)); err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}

		var current Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = ?;`, rec.OperationID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("operation %s: %w", rec.OperationID, ErrNotFound)
			}
			return fmt.Errorf("select operation for conflict: %w", err)
		}
		if !canTransition(current, StatusConflict) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, StatusConflict)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE operations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, StatusConflict, rec.OperationID); err != nil {
			return fmt.Errorf("mark operation conflicted: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, rec.OperationID, current, StatusConflict, "conflict.detected",
			fmt.Sprintf("local v%d, server v%d", rec.LocalVersion, rec.ServerVersion)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// ResolveConflict marks a record resolved and, in the same transaction,
// moves its operation to synced. The caller is responsible for having
// applied the chosen resolution remotely first.
func (s *Store) ResolveConflict(ctx context.Context, conflictID string, resolution Resolution) error {
	if resolution == ResolutionUnresolved {
		return fmt.Errorf("resolve conflict: resolution must be local, server, or merged")
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var opID string
		var current Resolution
		if err := tx.QueryRowContext(ctx, `
			SELECT operation_id, resolution FROM conflicts WHERE id = ?;
		`, conflictID).Scan(&opID, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
			}
			return fmt.Errorf("select conflict: %w", err)
		}
		if current != ResolutionUnresolved {
			return fmt.Errorf("conflict %s: %w", conflictID, ErrConflictResolved)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conflicts SET resolution = ?, resolved_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, resolution, conflictID); err != nil {
			return fmt.Errorf("update conflict resolution: %w", err)
		}

		var opStatus Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = ?;`, opID).Scan(&opStatus); err != nil {
			return fmt.Errorf("select conflicted operation: %w", err)
		}
		if opStatus == StatusConflict {
			if _, err := tx.ExecContext(ctx, `
				UPDATE operations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, StatusSynced, opID); err != nil {
				return fmt.Errorf("mark resolved operation synced: %w", err)
			}
			if err := s.appendEventTx(ctx, tx, opID, StatusConflict, StatusSynced, "conflict.resolved", string(resolution)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetConflict returns a conflict record by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation_id, entity_ref, local_version, server_version,
			COALESCE(local_snapshot, ''), COALESCE(server_snapshot, ''), resolution, detected_at, resolved_at
		FROM conflicts WHERE id = ?;
	`, id)
	rec, err := scanConflict(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select conflict: %w", err)
	}
	return rec, nil
}

// ListConflicts returns conflict records, optionally only unresolved ones,
// oldest first.
func (s *Store) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]ConflictRecord, error) {
	q := `
		SELECT id, operation_id, entity_ref, local_version, server_version,
			COALESCE(local_snapshot, ''), COALESCE(server_snapshot, ''), resolution, detected_at, resolved_at
		FROM conflicts`
	if unresolvedOnly {
		q += ` WHERE resolution = 'unresolved'`
	}
	q += ` ORDER BY detected_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conflict rows: %w", err)
	}
	return out, nil
}

func scanConflict(scanFn func(dest ...any) error) (*ConflictRecord, error) {
	var rec ConflictRecord
	var local, server string
	var resolvedAt sql.NullTime
	if err := scanFn(
		&rec.ID,
		&rec.OperationID,
		&rec.EntityRef,
		&rec.LocalVersion,
		&rec.ServerVersion,
		&local,
		&server,
		&rec.Resolution,
		&rec.DetectedAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}
	if local != "" {
		rec.LocalSnapshot = []byte(local)
	}
	if server != "" {
		rec.ServerSnapshot = []byte(server)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
