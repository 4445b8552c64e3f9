package models

import (
	"encoding/json"
	"time"
)

// DefaultMaxRetries bounds automatic replay attempts per failed write.
const DefaultMaxRetries = 3

// FailedSubmission is a write that could not reach the remote authority.
// It stays queued until replay succeeds; once RetryCount reaches MaxRetries
// it is skipped by automatic replay but kept until explicitly cleared.
type FailedSubmission struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Payload    json.RawMessage `json:"payload"` // forwarded verbatim on replay
	LastError  string          `json:"last_error,omitempty"`
}

// Exhausted reports whether automatic replay should skip this entry.
func (f FailedSubmission) Exhausted() bool {
	return f.RetryCount >= f.MaxRetries
}

// SubmissionRecord is one completed shift submission, kept as history for
// reporting and pruned by the cleanup policy.
type SubmissionRecord struct {
	ID           int64     `json:"id"`
	MachineName  string    `json:"machine_name"`
	Shift        Shift     `json:"shift"`
	Date         string    `json:"date"`
	OperatorName string    `json:"operator_name"`
	Waste        float64   `json:"waste"`
	Downtime     float64   `json:"downtime"` // minutes
	SubmittedAt  time.Time `json:"submitted_at"`
}

// RemoteOutcome describes what happened to the remote phase of a write.
type RemoteOutcome string

const (
	RemoteApplied RemoteOutcome = "applied" // accepted by the remote authority
	RemoteQueued  RemoteOutcome = "queued"  // failed, parked in the retry queue
	RemoteFailed  RemoteOutcome = "failed"  // failed and could not be queued
	RemoteSkipped RemoteOutcome = "skipped" // no remote configured
)

// WriteResult reports both phases of an optimistic write so callers (and
// tests) can assert on them independently.
type WriteResult struct {
	Local  bool          `json:"local"`
	Remote RemoteOutcome `json:"remote"`
}
