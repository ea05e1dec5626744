package capture

// Payload schemas for the operation kinds and evidence kinds the remote
// service accepts. Validation runs at capture time (rejecting bad caller
// input) and again before transmission (quarantining entries corrupted
// while at rest).

const taskCompletionSchema = `{
	"type": "object",
	"required": ["task_id", "completed_at"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"completed_at": {"type": "string", "format": "date-time"},
		"note": {"type": "string"},
		"evidence_count": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

const evidenceCaptureSchema = `{
	"type": "object",
	"required": ["task_id"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"note": {"type": "string"}
	},
	"additionalProperties": false
}`

const auditEventSchema = `{
	"type": "object",
	"required": ["action", "occurred_at"],
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"occurred_at": {"type": "string", "format": "date-time"},
		"detail": {"type": "string"}
	},
	"additionalProperties": false
}`

const numericEvidenceSchema = `{
	"type": "object",
	"required": ["metric", "value"],
	"properties": {
		"metric": {"type": "string", "minLength": 1},
		"value": {"type": "number"},
		"unit": {"type": "string"}
	},
	"additionalProperties": false
}`

const textEvidenceSchema = `{
	"type": "object",
	"required": ["text"],
	"properties": {
		"text": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const photoEvidenceSchema = `{
	"type": "object",
	"required": ["uri"],
	"properties": {
		"uri": {"type": "string", "minLength": 1},
		"sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"caption": {"type": "string"}
	},
	"additionalProperties": false
}`

const audioEvidenceSchema = `{
	"type": "object",
	"required": ["uri"],
	"properties": {
		"uri": {"type": "string", "minLength": 1},
		"duration_seconds": {"type": "number", "minimum": 0}
	},
	"additionalProperties": false
}`
