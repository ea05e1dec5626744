// Package capture builds typed operations and evidence records from
// caller actions and submits them to the durable queue. An acknowledged
// capture is guaranteed to survive an immediate crash; a durability
// failure propagates to the caller, which must not proceed as if the
// action were recorded.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openrounds/fieldsync/internal/queue"
)

// Validator checks operation and evidence payloads against their JSON
// Schemas. It is the same check the sync engine runs before transmission.
type Validator struct {
	operation map[queue.Kind]*jsonschema.Schema
	evidence  map[queue.EvidenceKind]*jsonschema.Schema
}

// NewValidator compiles the payload schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	compile := func(name, schemaJSON string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return schema, nil
	}

	v := &Validator{
		operation: make(map[queue.Kind]*jsonschema.Schema),
		evidence:  make(map[queue.EvidenceKind]*jsonschema.Schema),
	}
	opSchemas := map[queue.Kind]string{
		queue.KindTaskCompletion:  taskCompletionSchema,
		queue.KindEvidenceCapture: evidenceCaptureSchema,
		queue.KindAuditEvent:      auditEventSchema,
	}
	for kind, src := range opSchemas {
		schema, err := compile(string(kind)+".json", src)
		if err != nil {
			return nil, err
		}
		v.operation[kind] = schema
	}
	evSchemas := map[queue.EvidenceKind]string{
		queue.EvidenceNumeric: numericEvidenceSchema,
		queue.EvidenceText:    textEvidenceSchema,
		queue.EvidencePhoto:   photoEvidenceSchema,
		queue.EvidenceAudio:   audioEvidenceSchema,
	}
	for kind, src := range evSchemas {
		schema, err := compile("evidence_"+string(kind)+".json", src)
		if err != nil {
			return nil, err
		}
		v.evidence[kind] = schema
	}
	return v, nil
}

// ValidateOperation checks an operation payload against its kind's schema.
func (v *Validator) ValidateOperation(kind queue.Kind, payload json.RawMessage) error {
	schema, ok := v.operation[kind]
	if !ok {
		return fmt.Errorf("unknown operation kind %q", kind)
	}
	return validate(schema, payload)
}

// ValidateEvidence checks an evidence payload against its kind's schema.
func (v *Validator) ValidateEvidence(kind queue.EvidenceKind, payload json.RawMessage) error {
	schema, ok := v.evidence[kind]
	if !ok {
		return fmt.Errorf("unknown evidence kind %q", kind)
	}
	return validate(schema, payload)
}

// ErrInvalidPayload marks a payload that failed schema validation, so
// callers can distinguish caller mistakes from storage errors.
var ErrInvalidPayload = errors.New("invalid payload")

func validate(schema *jsonschema.Schema, payload json.RawMessage) error {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// EvidenceInput is one artifact captured alongside an operation.
type EvidenceInput struct {
	Kind    queue.EvidenceKind `json:"kind"`
	Payload json.RawMessage    `json:"payload"`
}

// Request describes one caller action to record.
type Request struct {
	Kind        queue.Kind      `json:"kind"`
	EntityRef   string          `json:"entity_ref"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload"`
	Evidence    []EvidenceInput `json:"evidence,omitempty"`
}

// Adapter validates caller actions and enqueues them durably.
type Adapter struct {
	store     *queue.Store
	validator *Validator
}

// NewAdapter creates a capture adapter over the queue store.
func NewAdapter(store *queue.Store, validator *Validator) *Adapter {
	return &Adapter{store: store, validator: validator}
}

// Validator exposes the adapter's validator for reuse by the sync engine's
// pre-transmission check.
func (a *Adapter) Validator() *Validator {
	return a.validator
}

// Capture validates the request, assigns ids, and durably enqueues the
// operation with its evidence. It returns only after the write is
// committed to the local store.
func (a *Adapter) Capture(ctx context.Context, req Request) (string, error) {
	if req.EntityRef == "" {
		return "", fmt.Errorf("capture: entity_ref is required")
	}
	if err := a.validator.ValidateOperation(req.Kind, req.Payload); err != nil {
		return "", fmt.Errorf("capture %s: %w", req.Kind, err)
	}

	op := queue.Operation{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		EntityRef:   req.EntityRef,
		BaseVersion: req.BaseVersion,
		Payload:     req.Payload,
	}
	evidence := make([]queue.Evidence, 0, len(req.Evidence))
	for _, in := range req.Evidence {
		if err := a.validator.ValidateEvidence(in.Kind, in.Payload); err != nil {
			return "", fmt.Errorf("capture evidence %s: %w", in.Kind, err)
		}
		evidence = append(evidence, queue.Evidence{
			ID:          uuid.NewString(),
			OperationID: op.ID,
			Kind:        in.Kind,
			Payload:     in.Payload,
		})
	}

	id, err := a.store.Enqueue(ctx, op, evidence...)
	if err != nil {
		return "", fmt.Errorf("capture enqueue: %w", err)
	}
	return id, nil
}
