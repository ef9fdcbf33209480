package models

import "time"

// Unit statuses as persisted in the checkpoint record and mirrored to
// Firestore. NEW is the implied status of a unit with no checkpoint yet;
// processing never writes it, only an operator reset does.
const (
	StatusNew        = "NEW"
	StatusProcessing = "PROCESSING"
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
)

// CheckpointRecord is the persisted progress of one unit, stored under
// metadata/<unit>/report.json in the output bucket. Every invocation reads
// it before doing work and writes it after each transition; nothing is kept
// in memory across invocations.
type CheckpointRecord struct {
	Status          string     `json:"status"`
	OperationHandle string     `json:"operation_handle,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Terminal reports whether the record is in a state that no further
// processing may change.
func (r *CheckpointRecord) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusFailed
}

// ChunkProgress is the per-sub-unit processed set for the text-chunking and
// embedding stages. Membership implies the corresponding output object
// exists; names are only removed by an explicit operator reset.
type ChunkProgress struct {
	Processed []string `json:"processed_chunks"`
}

// Has reports whether name is already in the processed set.
func (p *ChunkProgress) Has(name string) bool {
	for _, n := range p.Processed {
		if n == name {
			return true
		}
	}
	return false
}

// Mark adds name to the processed set if absent.
func (p *ChunkProgress) Mark(name string) {
	if !p.Has(name) {
		p.Processed = append(p.Processed, name)
	}
}

// FailureLogEntry records a failed sub-unit for later retry. A sub-unit has
// at most one current entry; recording a new failure replaces the old one.
type FailureLogEntry struct {
	SubUnit   string    `json:"chunk"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureLogRecord is the persisted form of the failure log.
type FailureLogRecord struct {
	Failed []FailureLogEntry `json:"failed_chunks"`
}
