package events

import "time"

// Record is an envelope as committed to the durable log. Records are
// immutable after append and removed only by retention purges.
type Record struct {
	Envelope Envelope `json:"envelope"`

	// Sequence is assigned by the log at commit time, strictly increasing.
	Sequence uint64 `json:"sequence"`

	// IsReplay marks a derived envelope driven through the pipeline again.
	// The original record stays the sole log entry for the id; replays are
	// never re-appended.
	IsReplay bool `json:"is_replay"`

	// OriginalTime carries the original record's timestamp when IsReplay.
	OriginalTime *time.Time `json:"original_time,omitempty"`

	// TraceID correlates the causal chain that produced this record.
	TraceID string `json:"trace_id"`

	// PayloadHash is the canonical hash of Envelope.Data, computed at append.
	PayloadHash string `json:"payload_hash"`

	CommittedAt time.Time `json:"committed_at"`
}

// NewRecord builds the record for a freshly ingested envelope.
// Sequence and CommittedAt are filled in by the log on append.
func NewRecord(env *Envelope, traceID string) *Record {
	return &Record{
		Envelope:    *env,
		TraceID:     traceID,
		PayloadHash: env.PayloadHash(),
	}
}

// ReplayEnvelope derives the envelope for replaying this record: identical
// id, type, source and byte-identical data; only the replay markers and the
// trace differ.
func (r *Record) ReplayEnvelope() *Envelope {
	return r.Envelope.Clone()
}
