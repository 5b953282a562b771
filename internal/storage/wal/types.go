package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: on-disk record layout of the event and job journals
// ============================================================================

// Record is one line of the journal.
type Record struct {
	Seq      uint64          `json:"seq"`      // journal-wide sequence, monotonically increasing
	Payload  json.RawMessage `json:"payload"`  // encoded types.Event or types.Job
	Checksum uint32          `json:"checksum"` // CRC32 over seq and payload bytes
}

// Event decodes the payload.
func (r Record) Event() (types.Event, error) {
	var ev types.Event
	err := json.Unmarshal(r.Payload, &ev)
	return ev, err
}

// Job decodes the payload of a job journal record.
func (r Record) Job() (types.Job, error) {
	var job types.Job
	err := json.Unmarshal(r.Payload, &job)
	return job, err
}

// RecordHandler is called for every record during Replay.
// Returning an error aborts the replay.
type RecordHandler func(rec Record) error
