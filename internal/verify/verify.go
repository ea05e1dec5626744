// Package verify implements the post-cycle integrity gate. After a sync
// cycle drains a batch, the verifier recomputes a checksum over the
// operations it transmitted and compares it with the server's own
// computation, then reads back each touched entity and confirms the
// operations appear in its applied set. A cycle counts as fully synced
// only when both checks pass.
package verify

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"github.com/openrounds/fieldsync/internal/queue"
	"github.com/openrounds/fieldsync/internal/remote"
)

// Algorithm names the checksum in wire requests so both sides can detect
// a computation mismatch rather than silently comparing different hashes.
const Algorithm = "fnv1a-64"

// Checksum computes the batch checksum over ops in transmission order.
// Each operation contributes its id, kind, entity ref and raw payload,
// newline-terminated, so reordering or dropping any operation changes
// the digest.
func Checksum(ops []queue.Operation) string {
	h := fnv.New64a()
	for _, op := range ops {
		h.Write([]byte(op.ID))
		h.Write([]byte{'\n'})
		h.Write([]byte(op.Kind))
		h.Write([]byte{'\n'})
		h.Write([]byte(op.EntityRef))
		h.Write([]byte{'\n'})
		h.Write(op.Payload)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Remote is the slice of the sync service the verifier needs.
// *remote.Client satisfies it. BatchChecksum returns the server's own
// checksum over the same operation ids.
type Remote interface {
	BatchChecksum(ctx context.Context, cycleID, algorithm, checksum string, operationIDs []string) (string, error)
	ReadEntity(ctx context.Context, ref string) (*remote.Entity, error)
}

// Report is the outcome of verifying one cycle's applied operations.
type Report struct {
	ChecksumValid bool
	// Missing lists operation ids the read-back did not find in their
	// entity's applied set.
	Missing []string
}

// Passed reports whether both the checksum comparison and the entity
// read-back succeeded.
func (r Report) Passed() bool {
	return r.ChecksumValid && len(r.Missing) == 0
}

// Verifier checks that a cycle's applied operations really landed.
type Verifier struct {
	remote Remote
	logger *slog.Logger
}

// New creates a Verifier.
func New(rc Remote, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{remote: rc, logger: logger}
}

// Verify runs the integrity gate for the operations applied in cycleID,
// in the order they were transmitted. An empty batch passes trivially.
func (v *Verifier) Verify(ctx context.Context, cycleID string, applied []queue.Operation) (Report, error) {
	if len(applied) == 0 {
		return Report{ChecksumValid: true}, nil
	}

	ids := make([]string, len(applied))
	for i, op := range applied {
		ids[i] = op.ID
	}
	sum := Checksum(applied)

	serverSum, err := v.remote.BatchChecksum(ctx, cycleID, Algorithm, sum, ids)
	if err != nil {
		return Report{}, fmt.Errorf("batch checksum: %w", err)
	}
	report := Report{ChecksumValid: strings.EqualFold(serverSum, sum)}
	if !report.ChecksumValid {
		v.logger.Error("batch checksum mismatch",
			"cycle_id", cycleID, "local", sum, "server", serverSum, "operations", len(applied))
	}

	// Read back each touched entity once and check membership for every
	// operation that targeted it.
	byEntity := make(map[string][]string)
	order := make([]string, 0, len(applied))
	for _, op := range applied {
		if _, seen := byEntity[op.EntityRef]; !seen {
			order = append(order, op.EntityRef)
		}
		byEntity[op.EntityRef] = append(byEntity[op.EntityRef], op.ID)
	}
	for _, ref := range order {
		entity, err := v.remote.ReadEntity(ctx, ref)
		if err != nil {
			return report, fmt.Errorf("read back %s: %w", ref, err)
		}
		appliedSet := make(map[string]struct{}, len(entity.AppliedOperations))
		for _, id := range entity.AppliedOperations {
			appliedSet[id] = struct{}{}
		}
		for _, id := range byEntity[ref] {
			if _, ok := appliedSet[id]; !ok {
				report.Missing = append(report.Missing, id)
				v.logger.Error("operation missing from entity after sync", "operation_id", id, "entity_ref", ref)
			}
		}
	}
	return report, nil
}
