// Package conflict materializes and resolves divergences between a local
// operation's base version and the remote entity's current version.
//
// Detection is remote-side authoritative: the engine trusts the server's
// conflict verdict and records the snapshots it returns. Resolution is
// intentionally manual: the engine never merges fields on its own,
// because an automatic merge of care-record data can mask real
// divergence. A merged resolution requires an operator-supplied payload.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openrounds/fieldsync/internal/bus"
	"github.com/openrounds/fieldsync/internal/queue"
	"github.com/openrounds/fieldsync/internal/remote"
)

// ErrMergedPayloadRequired is returned when a merged resolution arrives
// without a combined payload.
var ErrMergedPayloadRequired = errors.New("merged resolution requires a combined payload")

// Detector turns server conflict verdicts into persistent conflict
// records.
type Detector struct {
	store  *queue.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(store *queue.Store, eventBus *bus.Bus, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, bus: eventBus, logger: logger}
}

// Record persists a conflict record for an operation the server refused
// because of a version divergence, and holds the operation in conflict
// status. At most one unresolved record exists per operation; recording
// the same divergence twice returns the existing record's id.
func (d *Detector) Record(ctx context.Context, op queue.Operation, verdict *remote.SubmitResult) (string, error) {
	rec := queue.ConflictRecord{
		ID:             uuid.NewString(),
		OperationID:    op.ID,
		EntityRef:      op.EntityRef,
		LocalVersion:   op.BaseVersion,
		ServerVersion:  verdict.ServerVersion,
		LocalSnapshot:  verdict.LocalSnapshot,
		ServerSnapshot: verdict.ServerSnapshot,
	}
	id, err := d.store.RecordConflict(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("record conflict for %s: %w", op.ID, err)
	}
	d.logger.Warn("conflict detected",
		"operation_id", op.ID,
		"entity_ref", op.EntityRef,
		"local_version", op.BaseVersion,
		"server_version", verdict.ServerVersion,
	)
	if d.bus != nil {
		d.bus.Publish(bus.TopicConflictDetected, bus.ConflictDetectedEvent{
			ConflictID:    id,
			OperationID:   op.ID,
			EntityRef:     op.EntityRef,
			LocalVersion:  op.BaseVersion,
			ServerVersion: verdict.ServerVersion,
		})
	}
	return id, nil
}

// Applier applies an operator's resolution on the remote service.
// *remote.Client satisfies it.
type Applier interface {
	Resolve(ctx context.Context, entityRef, operationID, resolution string, payload json.RawMessage) (*remote.SubmitResult, error)
}

// Resolver applies operator decisions to open conflict records.
type Resolver struct {
	store  *queue.Store
	remote Applier
	bus    *bus.Bus
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store *queue.Store, applier Applier, eventBus *bus.Bus, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, remote: applier, bus: eventBus, logger: logger}
}

// Resolve applies choice to an open conflict record. For local and merged
// the chosen payload is written remotely first (idempotently, under the
// operation's id); only then does the record become terminal and the
// operation synced. For server the remote state is accepted as-is and no
// retransmission happens. Resolution is one-way.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, choice queue.Resolution, mergedPayload json.RawMessage) error {
	rec, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if rec.Resolution != queue.ResolutionUnresolved {
		return fmt.Errorf("conflict %s: %w", conflictID, queue.ErrConflictResolved)
	}
	op, err := r.store.Get(ctx, rec.OperationID)
	if err != nil {
		return err
	}

	switch choice {
	case queue.ResolutionServer:
		// Accept the remote state; the local edit is discarded.
	case queue.ResolutionLocal:
		if err := r.apply(ctx, op, choice, op.Payload); err != nil {
			return err
		}
	case queue.ResolutionMerged:
		if len(mergedPayload) == 0 {
			return ErrMergedPayloadRequired
		}
		if err := r.apply(ctx, op, choice, mergedPayload); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution %q", choice)
	}

	if err := r.store.ResolveConflict(ctx, conflictID, choice); err != nil {
		return err
	}
	// The operation is terminal either way; close its evidence bookkeeping.
	if err := r.store.MarkEvidenceSynced(ctx, op.ID); err != nil {
		return err
	}

	r.logger.Info("conflict resolved",
		"conflict_id", conflictID,
		"operation_id", op.ID,
		"resolution", string(choice),
	)
	if r.bus != nil {
		r.bus.Publish(bus.TopicConflictResolved, bus.ConflictResolvedEvent{
			ConflictID:  conflictID,
			OperationID: op.ID,
			Resolution:  string(choice),
		})
	}
	return nil
}

func (r *Resolver) apply(ctx context.Context, op *queue.Operation, choice queue.Resolution, payload json.RawMessage) error {
	res, err := r.remote.Resolve(ctx, op.EntityRef, op.ID, string(choice), payload)
	if err != nil {
		return fmt.Errorf("apply resolution remotely: %w", err)
	}
	if res.Outcome != remote.OutcomeApplied {
		return fmt.Errorf("remote refused resolution for %s: %s (%s)", op.ID, res.Outcome, res.Reason)
	}
	return nil
}
