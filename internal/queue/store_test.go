package queue_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openrounds/fieldsync/internal/queue"
)

func openTestStore(t *testing.T) (*queue.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	store, err := queue.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

var opCounter atomic.Int64

func enqueueOp(t *testing.T, store *queue.Store, entityRef string, payload string) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), queue.Operation{
		ID:        fmt.Sprintf("op-%s-%d", entityRef, opCounter.Add(1)),
		Kind:      queue.KindTaskCompletion,
		EntityRef: entityRef,
		Payload:   json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{"schema_migrations", "operations", "evidence", "conflicts", "operation_events"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow("SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&version, &checksum); err != nil {
		t.Fatalf("read migration ledger: %v", err)
	}
	if version < 1 || checksum == "" {
		t.Fatalf("expected versioned checksummed migration, got version=%d checksum=%q", version, checksum)
	}
}

func TestOperationsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	store, err := queue.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	ctx := context.Background()
	var ids []string
	for i := 0; i < 10; i++ {
		id, err := store.Enqueue(ctx, queue.Operation{
			ID:        fmt.Sprintf("op-%02d", i),
			Kind:      queue.KindAuditEvent,
			EntityRef: "patient/p1",
			Payload:   json.RawMessage(fmt.Sprintf(`{"action":"visit","occurred_at":"2026-08-0%dT10:00:00Z"}`, i%9+1)),
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := queue.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	batch, err := reopened.DequeueBatch(ctx, "", 50)
	if err != nil {
		t.Fatalf("dequeue after reopen: %v", err)
	}
	if len(batch) != 10 {
		t.Fatalf("expected 10 surviving operations, got %d", len(batch))
	}
	for i, op := range batch {
		if op.ID != ids[i] {
			t.Fatalf("order broken after reopen: position %d got %s want %s", i, op.ID, ids[i])
		}
		if op.Status != queue.StatusPending {
			t.Fatalf("operation %s expected pending, got %s", op.ID, op.Status)
		}
	}
}

func TestCrashRecoveryRequeuesSyncing(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	store, err := queue.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	ctx := context.Background()
	id := enqueueOp(t, store, "patient/p1", `{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`)
	if err := store.MarkSyncing(ctx, id); err != nil {
		t.Fatalf("mark syncing: %v", err)
	}
	// Simulate a crash mid-transmission: close without settling the op.
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := queue.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	op, err := reopened.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if op.Status != queue.StatusPending {
		t.Fatalf("interrupted operation should be requeued as pending, got %s", op.Status)
	}
}

func TestTransitionLegality(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := enqueueOp(t, store, "patient/p1", `{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`)

	// pending cannot jump straight to synced.
	if err := store.MarkSynced(ctx, id); !errors.Is(err, queue.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for pending->synced, got %v", err)
	}

	if err := store.MarkSyncing(ctx, id); err != nil {
		t.Fatalf("pending->syncing: %v", err)
	}
	if err := store.MarkSynced(ctx, id); err != nil {
		t.Fatalf("syncing->synced: %v", err)
	}

	// synced is terminal.
	if err := store.MarkFailed(ctx, id, "late failure"); !errors.Is(err, queue.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for synced->failed, got %v", err)
	}
	if err := store.Requeue(ctx, id); !errors.Is(err, queue.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for synced->pending, got %v", err)
	}
}

func TestRefusedTransitionLeavesBookkeepingUntouched(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := enqueueOp(t, store, "patient/p1", `{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`)
	if err := store.MarkSyncing(ctx, id); err != nil {
		t.Fatalf("pending->syncing: %v", err)
	}
	if err := store.MarkSynced(ctx, id); err != nil {
		t.Fatalf("syncing->synced: %v", err)
	}

	// A refused transition must not leak its bookkeeping columns onto
	// the terminal record.
	if err := store.MarkFailed(ctx, id, "late failure"); !errors.Is(err, queue.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for synced->failed, got %v", err)
	}
	if err := store.RescheduleRetry(ctx, id, "late retry", time.Now().Add(time.Hour)); !errors.Is(err, queue.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for synced->pending, got %v", err)
	}
	if err := store.Quarantine(ctx, id, "late quarantine"); !errors.Is(err, queue.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for synced->quarantined, got %v", err)
	}

	op, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != queue.StatusSynced {
		t.Fatalf("expected synced, got %s", op.Status)
	}
	if op.LastError != "" || op.RetryCount != 0 || op.NextAttemptAt != nil {
		t.Fatalf("refused transitions mutated bookkeeping: last_error=%q retries=%d next_attempt=%v",
			op.LastError, op.RetryCount, op.NextAttemptAt)
	}
}

func TestTransitionUnknownOperation(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.MarkSyncing(context.Background(), "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDequeueSkipsBackoffAndQuarantine(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	ready := enqueueOp(t, store, "patient/p1", `{"a":1}`)
	backingOff := enqueueOp(t, store, "patient/p2", `{"a":2}`)
	quarantined := enqueueOp(t, store, "patient/p3", `{"a":3}`)

	if err := store.MarkSyncing(ctx, backingOff); err != nil {
		t.Fatalf("mark syncing: %v", err)
	}
	if err := store.RescheduleRetry(ctx, backingOff, "connection refused", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if err := store.Quarantine(ctx, quarantined, "schema violation"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	batch, err := store.DequeueBatch(ctx, "", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != ready {
		t.Fatalf("expected only the ready operation, got %d entries", len(batch))
	}

	// Once the backoff deadline passes, the retried op is due again.
	if err := store.MarkSyncing(ctx, ready); err != nil {
		t.Fatalf("claim ready: %v", err)
	}
	if _, err := store.DB().Exec("UPDATE operations SET next_attempt_at = ? WHERE id = ?", time.Now().Add(-time.Minute), backingOff); err != nil {
		t.Fatalf("rewind backoff: %v", err)
	}
	batch, err = store.DequeueBatch(ctx, "", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != backingOff {
		t.Fatalf("expected the retried operation to be due, got %d entries", len(batch))
	}
	if batch[0].RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", batch[0].RetryCount)
	}
}

func TestDequeueBatchPerEntity(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a1 := enqueueOp(t, store, "patient/a", `{"n":1}`)
	enqueueOp(t, store, "patient/b", `{"n":2}`)
	a2 := enqueueOp(t, store, "patient/a", `{"n":3}`)

	batch, err := store.DequeueBatch(ctx, "patient/a", 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != a1 || batch[1].ID != a2 {
		t.Fatalf("expected [a1 a2] in insertion order, got %+v", batch)
	}
}

func TestHasEarlierBlocked(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := enqueueOp(t, store, "patient/p1", `{"n":1}`)
	second := enqueueOp(t, store, "patient/p1", `{"n":2}`)

	secondOp, err := store.Get(ctx, second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// A pending predecessor blocks.
	blocked, err := store.HasEarlierBlocked(ctx, "patient/p1", secondOp.Seq)
	if err != nil {
		t.Fatalf("has earlier blocked: %v", err)
	}
	if !blocked {
		t.Fatal("pending predecessor should block a later operation")
	}

	// A synced predecessor does not.
	if err := store.MarkSyncing(ctx, first); err != nil {
		t.Fatalf("mark syncing: %v", err)
	}
	if err := store.MarkSynced(ctx, first); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	blocked, err = store.HasEarlierBlocked(ctx, "patient/p1", secondOp.Seq)
	if err != nil {
		t.Fatalf("has earlier blocked: %v", err)
	}
	if blocked {
		t.Fatal("synced predecessor should not block")
	}
}

func TestQuarantineRequeueAndReplacePayload(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := enqueueOp(t, store, "patient/p1", `{"broken":true}`)

	// Payload replacement is quarantine-only.
	if err := store.ReplacePayload(ctx, id, []byte(`{"fixed":true}`)); !errors.Is(err, queue.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition replacing pending payload, got %v", err)
	}

	if err := store.Quarantine(ctx, id, "missing required field"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	op, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != queue.StatusQuarantined || op.LastError == "" {
		t.Fatalf("expected quarantined with cause, got status=%s last_error=%q", op.Status, op.LastError)
	}

	if err := store.ReplacePayload(ctx, id, []byte(`{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`)); err != nil {
		t.Fatalf("replace payload: %v", err)
	}
	if err := store.Requeue(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	op, err = store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != queue.StatusPending || op.RetryCount != 0 {
		t.Fatalf("requeued op should be pending with reset retries, got status=%s retries=%d", op.Status, op.RetryCount)
	}
}

func TestEvidenceLifecycleAndStats(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	opID := "op-ev-1"
	if _, err := store.Enqueue(ctx, queue.Operation{
		ID:        opID,
		Kind:      queue.KindEvidenceCapture,
		EntityRef: "task/t1",
		Payload:   json.RawMessage(`{"task_id":"t1","captured_at":"2026-08-01T10:00:00Z"}`),
	}, queue.Evidence{
		ID:          "ev-1",
		OperationID: opID,
		Kind:        queue.EvidenceNumeric,
		Payload:     json.RawMessage(`{"metric":"temperature","value":37.2,"unit":"C"}`),
	}, queue.Evidence{
		ID:          "ev-2",
		OperationID: opID,
		Kind:        queue.EvidenceText,
		Payload:     json.RawMessage(`{"text":"patient resting"}`),
	}); err != nil {
		t.Fatalf("enqueue with evidence: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Queued != 1 || stats.UnsyncedEvidence != 2 {
		t.Fatalf("expected 1 queued / 2 unsynced evidence, got %+v", stats)
	}

	evidence, err := store.EvidenceFor(ctx, opID)
	if err != nil {
		t.Fatalf("evidence for: %v", err)
	}
	if len(evidence) != 2 {
		t.Fatalf("expected 2 evidence rows, got %d", len(evidence))
	}
	for _, ev := range evidence {
		if ev.Synced {
			t.Fatalf("evidence %s should start unsynced", ev.ID)
		}
	}

	if err := store.MarkEvidenceSynced(ctx, opID); err != nil {
		t.Fatalf("mark evidence synced: %v", err)
	}
	stats, err = store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.UnsyncedEvidence != 0 {
		t.Fatalf("expected no unsynced evidence, got %d", stats.UnsyncedEvidence)
	}
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	op := queue.Operation{
		ID:        "op-dup",
		Kind:      queue.KindTaskCompletion,
		EntityRef: "patient/p1",
		Payload:   json.RawMessage(`{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`),
	}
	if _, err := store.Enqueue(ctx, op); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, op); err == nil {
		t.Fatal("duplicate operation id must be rejected")
	}
}

func TestOperationEventsAppended(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := enqueueOp(t, store, "patient/p1", `{"n":1}`)
	if err := store.MarkSyncing(ctx, id); err != nil {
		t.Fatalf("mark syncing: %v", err)
	}
	if err := store.MarkSynced(ctx, id); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	var count int
	row := store.DB().QueryRow("SELECT COUNT(1) FROM operation_events WHERE operation_id = ?", id)
	if err := row.Scan(&count); err != nil && err != sql.ErrNoRows {
		t.Fatalf("count events: %v", err)
	}
	if count < 2 {
		t.Fatalf("expected at least claim+synced events, got %d", count)
	}
}
