package colony

import "context"

// MessageLog is a single-writer-serialized, multi-reader append-only store
// keyed by monotone sequence number. Appends are atomic: a reader never
// observes a partial record. On crash the tail may be truncated to the last
// fully-written record.
type MessageLog interface {
	// Append durably commits msg and returns its assigned sequence number.
	Append(ctx context.Context, msg Message) (seq int64, err error)
	// Read returns records at or after fromSeq, in sequence order, up to
	// limit records. When receiver is non-empty, only records addressed to
	// that receiver are returned. Readers are never blocked by writers.
	Read(ctx context.Context, fromSeq int64, limit int, receiver AgentID) ([]Message, error)
	// Prune removes records at or below upToSeq. Safe to call only once no
	// live consumer depends on them (after a session seals).
	Prune(ctx context.Context, upToSeq int64) error
	// NextSeq returns the sequence number the next Append will assign,
	// computed by scanning the log on startup.
	NextSeq(ctx context.Context) (int64, error)
}
