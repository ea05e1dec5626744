package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openrounds/fieldsync/internal/bus"
)

var (
	// ErrNotFound is returned when the referenced operation or conflict
	// record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned when a status change violates the
	// operation lifecycle.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Enqueue durably records an operation and its captured evidence in one
// transaction. The write is committed before Enqueue returns: a caller
// that sees a nil error may treat the operation as submitted even if the
// process dies immediately after. A write failure propagates as a hard
// error and the operation must not be treated as recorded.
func (s *Store) Enqueue(ctx context.Context, op Operation, evidence ...Evidence) (string, error) {
	if op.ID == "" {
		return "", fmt.Errorf("enqueue: operation id is required")
	}
	if op.EntityRef == "" {
		return "", fmt.Errorf("enqueue: entity_ref is required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO operations (id, kind, entity_ref, base_version, payload, status, enqueued_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, op.ID, op.Kind, op.EntityRef, op.BaseVersion, string(op.Payload), StatusPending); err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
		for _, ev := range evidence {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO evidence (id, operation_id, kind, payload, synced, captured_at)
				VALUES (?, ?, ?, ?, 0, CURRENT_TIMESTAMP);
			`, ev.ID, op.ID, ev.Kind, string(ev.Payload)); err != nil {
				return fmt.Errorf("insert evidence: %w", err)
			}
		}
		if err := s.appendEventTx(ctx, tx, op.ID, "", StatusPending, "operation.enqueued", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicQueueStateChanged, bus.QueueStateChangedEvent{
			OperationID: op.ID,
			EntityRef:   op.EntityRef,
			NewStatus:   string(StatusPending),
		})
	}
	return op.ID, nil
}

const operationColumns = `seq, id, kind, entity_ref, base_version, payload, status,
	retry_count, COALESCE(last_error, ''), next_attempt_at, enqueued_at, updated_at`

func scanOperation(scanFn func(dest ...any) error, op *Operation) error {
	var payload string
	var nextAttempt sql.NullTime
	if err := scanFn(
		&op.Seq,
		&op.ID,
		&op.Kind,
		&op.EntityRef,
		&op.BaseVersion,
		&payload,
		&op.Status,
		&op.RetryCount,
		&op.LastError,
		&nextAttempt,
		&op.EnqueuedAt,
		&op.UpdatedAt,
	); err != nil {
		return err
	}
	op.Payload = []byte(payload)
	if nextAttempt.Valid {
		t := nextAttempt.Time
		op.NextAttemptAt = &t
	} else {
		op.NextAttemptAt = nil
	}
	return nil
}

// Get returns a single operation by id.
func (s *Store) Get(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?;`, id)
	if err := scanOperation(row.Scan, &op); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select operation: %w", err)
	}
	return &op, nil
}

// DequeueBatch returns pending operations that are due for transmission,
// in insertion order. With a non-empty entityRef only that entity's
// operations are returned; otherwise the batch spans entities but stays
// insertion-ordered. Operations still backing off (next_attempt_at in the
// future) and quarantined entries are excluded.
func (s *Store) DequeueBatch(ctx context.Context, entityRef string, maxSize int) ([]Operation, error) {
	if maxSize <= 0 || maxSize > 1000 {
		maxSize = 100
	}
	var rows *sql.Rows
	var err error
	if entityRef != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+operationColumns+`
			FROM operations
			WHERE status = ? AND entity_ref = ?
				AND (next_attempt_at IS NULL OR next_attempt_at <= CURRENT_TIMESTAMP)
			ORDER BY seq ASC
			LIMIT ?;
		`, StatusPending, entityRef, maxSize)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+operationColumns+`
			FROM operations
			WHERE status = ?
				AND (next_attempt_at IS NULL OR next_attempt_at <= CURRENT_TIMESTAMP)
			ORDER BY seq ASC
			LIMIT ?;
		`, StatusPending, maxSize)
	}
	if err != nil {
		return nil, fmt.Errorf("query pending operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		if err := scanOperation(rows.Scan, &op); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operation rows: %w", err)
	}
	return out, nil
}

// HasEarlierBlocked reports whether an operation older than seq exists for
// the entity that has not reached synced. Later operations must never be
// transmitted past such a predecessor: a conflicted or failed one makes
// their base_version assumptions stale, and one still pending (for
// example backing off between retries) must go first to preserve the
// entity's edit order.
func (s *Store) HasEarlierBlocked(ctx context.Context, entityRef string, seq int64) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM operations
		WHERE entity_ref = ? AND seq < ? AND status IN (?, ?, ?, ?);
	`, entityRef, seq, StatusPending, StatusSyncing, StatusConflict, StatusFailed).Scan(&n); err != nil {
		return false, fmt.Errorf("count blocked predecessors: %w", err)
	}
	return n > 0, nil
}

// MarkSyncing claims a pending operation for the current cycle.
func (s *Store) MarkSyncing(ctx context.Context, id string) error {
	return s.transition(ctx, id, []Status{StatusPending}, StatusSyncing, "operation.claimed", "")
}

// MarkSynced records that the remote service applied the operation.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	return s.transition(ctx, id, []Status{StatusSyncing, StatusConflict}, StatusSynced, "operation.synced", "")
}

// MarkFailed is terminal for automatic processing: the operation stays in
// the queue, visible through stats and the gateway, until an operator
// requeues or abandons it.
func (s *Store) MarkFailed(ctx context.Context, id string, cause string) error {
	return s.transitionWith(ctx, id, []Status{StatusSyncing, StatusConflict}, StatusFailed,
		"operation.failed", cause,
		", last_error = ?", []any{cause})
}

// RescheduleRetry returns a syncing operation to pending with an
// incremented retry count and a backoff deadline before the next attempt.
func (s *Store) RescheduleRetry(ctx context.Context, id string, cause string, nextAttempt time.Time) error {
	return s.transitionWith(ctx, id, []Status{StatusSyncing}, StatusPending,
		"operation.retry_scheduled", cause,
		", retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?", []any{cause, nextAttempt.UTC()})
}

// Quarantine removes a malformed operation from normal processing. It is
// never transmitted; an operator must requeue or discard it.
func (s *Store) Quarantine(ctx context.Context, id string, reason string) error {
	err := s.transitionWith(ctx, id, []Status{StatusPending}, StatusQuarantined,
		"operation.quarantined", reason,
		", last_error = ?", []any{reason})
	if err != nil {
		return err
	}
	if s.bus != nil {
		op, err := s.Get(ctx, id)
		if err == nil {
			s.bus.Publish(bus.TopicQueueQuarantined, bus.QuarantinedEvent{
				OperationID: id,
				EntityRef:   op.EntityRef,
				Reason:      reason,
			})
		}
	}
	return nil
}

// Requeue returns a failed or quarantined operation to pending after
// operator correction. The retry counter restarts.
func (s *Store) Requeue(ctx context.Context, id string) error {
	return s.transitionWith(ctx, id, []Status{StatusFailed, StatusQuarantined}, StatusPending,
		"operation.requeued", "",
		", retry_count = 0, next_attempt_at = NULL", nil)
}

// ReplacePayload overwrites a quarantined operation's payload so it can be
// requeued after an operator corrects it.
func (s *Store) ReplacePayload(ctx context.Context, id string, payload []byte) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE operations SET payload = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(payload), id, StatusQuarantined)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("operation %s is not quarantined: %w", id, ErrIllegalTransition)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace payload: %w", err)
	}
	return nil
}

// ListByStatus returns operations in a given status, insertion-ordered.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Operation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM operations WHERE status = ? ORDER BY seq ASC LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations by status: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		if err := scanOperation(rows.Scan, &op); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operation rows: %w", err)
	}
	return out, nil
}

// EvidenceFor returns the evidence captured with an operation.
func (s *Store) EvidenceFor(ctx context.Context, operationID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, kind, payload, synced, captured_at
		FROM evidence WHERE operation_id = ? ORDER BY captured_at ASC, id ASC;
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var ev Evidence
		var payload string
		var synced int
		if err := rows.Scan(&ev.ID, &ev.OperationID, &ev.Kind, &payload, &synced, &ev.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.Synced = synced == 1
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence rows: %w", err)
	}
	return out, nil
}

// MarkEvidenceSynced flags all evidence of an operation as confirmed on
// the remote side. Evidence sync state is tracked independently of the
// operation lifecycle.
func (s *Store) MarkEvidenceSynced(ctx context.Context, operationID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE evidence SET synced = 1 WHERE operation_id = ?;
		`, operationID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark evidence synced: %w", err)
	}
	return nil
}

// Stats reports current queue state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN (?, ?) THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		FROM operations;
	`, StatusPending, StatusSyncing, StatusFailed, StatusQuarantined).
		Scan(&st.Queued, &st.Failed, &st.Quarantined); err != nil {
		return Stats{}, fmt.Errorf("count operations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM evidence WHERE synced = 0;`).Scan(&st.UnsyncedEvidence); err != nil {
		return Stats{}, fmt.Errorf("count unsynced evidence: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conflicts WHERE resolution = 'unresolved';`).Scan(&st.UnresolvedConflicts); err != nil {
		return Stats{}, fmt.Errorf("count unresolved conflicts: %w", err)
	}
	return st, nil
}
