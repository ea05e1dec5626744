package engine

import "time"

// Result summarizes one sync cycle.
type Result struct {
	CycleID     string    `json:"cycle_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Synced      int       `json:"synced"`
	Conflicted  int       `json:"conflicted"`
	Failed      int       `json:"failed"`
	Retried     int       `json:"retried"`
	Quarantined int       `json:"quarantined"`
	Remaining   int       `json:"remaining"`

	// ChecksumValid reports whether this cycle's batch checksum matched
	// the server's computation. True for an empty cycle.
	ChecksumValid bool `json:"checksum_valid"`
	// VerificationPassed reports whether every applied operation was
	// found in its entity's applied set on read-back.
	VerificationPassed bool `json:"verification_passed"`

	Errors []string `json:"errors,omitempty"`
}

// FullySynced reports whether the cycle left nothing behind: no
// conflicts, failures, retries or quarantines, nothing remaining in the
// queue, and the integrity gate passed.
func (r Result) FullySynced() bool {
	return r.Conflicted == 0 &&
		r.Failed == 0 &&
		r.Retried == 0 &&
		r.Quarantined == 0 &&
		r.Remaining == 0 &&
		r.ChecksumValid &&
		r.VerificationPassed &&
		len(r.Errors) == 0
}
