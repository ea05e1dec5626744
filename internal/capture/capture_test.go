package capture_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/openrounds/fieldsync/internal/capture"
	"github.com/openrounds/fieldsync/internal/queue"
)

func newTestAdapter(t *testing.T) (*capture.Adapter, *queue.Store) {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	validator, err := capture.NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	return capture.NewAdapter(store, validator), store
}

func TestValidateOperation(t *testing.T) {
	validator, err := capture.NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}

	cases := []struct {
		name    string
		kind    queue.Kind
		payload string
		ok      bool
	}{
		{"task completion valid", queue.KindTaskCompletion, `{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z","note":"done"}`, true},
		{"task completion missing task_id", queue.KindTaskCompletion, `{"completed_at":"2026-08-01T10:00:00Z"}`, false},
		{"task completion extra field", queue.KindTaskCompletion, `{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z","extra":1}`, false},
		{"evidence capture valid", queue.KindEvidenceCapture, `{"task_id":"t1"}`, true},
		{"audit event valid", queue.KindAuditEvent, `{"action":"visit.start","occurred_at":"2026-08-01T09:00:00Z"}`, true},
		{"audit event empty action", queue.KindAuditEvent, `{"action":"","occurred_at":"2026-08-01T09:00:00Z"}`, false},
		{"malformed json", queue.KindAuditEvent, `{"action":`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.ValidateOperation(tc.kind, json.RawMessage(tc.payload))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected validation failure")
				}
				if !errors.Is(err, capture.ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
			}
		})
	}

	if err := validator.ValidateOperation("unknown", json.RawMessage(`{}`)); err == nil {
		t.Fatal("unknown kind must be rejected")
	}
}

func TestValidateEvidence(t *testing.T) {
	validator, err := capture.NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}

	cases := []struct {
		name    string
		kind    queue.EvidenceKind
		payload string
		ok      bool
	}{
		{"numeric valid", queue.EvidenceNumeric, `{"metric":"temperature","value":37.2,"unit":"C"}`, true},
		{"numeric value wrong type", queue.EvidenceNumeric, `{"metric":"temperature","value":"hot"}`, false},
		{"text valid", queue.EvidenceText, `{"text":"patient resting"}`, true},
		{"text empty", queue.EvidenceText, `{"text":""}`, false},
		{"photo valid", queue.EvidencePhoto, `{"uri":"file:///p/1.jpg","sha256":"a3f5c9d2e8b1470f6c2d9e8a1b3c5d7e9f0a2b4c6d8e0f1a3b5c7d9e1f2a3b4c"}`, true},
		{"photo bad digest", queue.EvidencePhoto, `{"uri":"file:///p/1.jpg","sha256":"nothex"}`, false},
		{"audio valid", queue.EvidenceAudio, `{"uri":"file:///a/1.ogg","duration_seconds":12.5}`, true},
		{"audio negative duration", queue.EvidenceAudio, `{"uri":"file:///a/1.ogg","duration_seconds":-3}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.ValidateEvidence(tc.kind, json.RawMessage(tc.payload))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, capture.ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestCaptureEnqueuesDurably(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()

	id, err := adapter.Capture(ctx, capture.Request{
		Kind:        queue.KindTaskCompletion,
		EntityRef:   "task/t1",
		BaseVersion: 4,
		Payload:     json.RawMessage(`{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`),
		Evidence: []capture.EvidenceInput{
			{Kind: queue.EvidenceNumeric, Payload: json.RawMessage(`{"metric":"pulse","value":72}`)},
		},
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if id == "" {
		t.Fatal("capture must return the operation id")
	}

	op, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != queue.StatusPending || op.BaseVersion != 4 || op.EntityRef != "task/t1" {
		t.Fatalf("unexpected stored operation: %+v", op)
	}

	evidence, err := store.EvidenceFor(ctx, id)
	if err != nil {
		t.Fatalf("evidence for: %v", err)
	}
	if len(evidence) != 1 || evidence[0].Kind != queue.EvidenceNumeric {
		t.Fatalf("expected one numeric evidence row, got %+v", evidence)
	}
}

func TestCaptureRejectsInvalidInput(t *testing.T) {
	adapter, store := newTestAdapter(t)
	ctx := context.Background()

	_, err := adapter.Capture(ctx, capture.Request{
		Kind:      queue.KindTaskCompletion,
		EntityRef: "task/t1",
		Payload:   json.RawMessage(`{"completed_at":"2026-08-01T10:00:00Z"}`),
	})
	if !errors.Is(err, capture.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	_, err = adapter.Capture(ctx, capture.Request{
		Kind:    queue.KindTaskCompletion,
		Payload: json.RawMessage(`{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`),
	})
	if err == nil {
		t.Fatal("missing entity_ref must be rejected")
	}

	// Bad evidence rejects the whole capture; nothing is enqueued.
	_, err = adapter.Capture(ctx, capture.Request{
		Kind:      queue.KindTaskCompletion,
		EntityRef: "task/t1",
		Payload:   json.RawMessage(`{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`),
		Evidence: []capture.EvidenceInput{
			{Kind: queue.EvidenceText, Payload: json.RawMessage(`{"text":""}`)},
		},
	})
	if !errors.Is(err, capture.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for bad evidence, got %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Queued != 0 {
		t.Fatalf("rejected captures must not enqueue, queued=%d", stats.Queued)
	}
}
