package colony

// Architecture selects how a session's coordinator fans out work.
type Architecture string

const (
	ArchHierarchical Architecture = "hierarchical"
	ArchCentralized  Architecture = "centralized"
	ArchMesh         Architecture = "mesh"
)

// SessionStatus is the closed set of session lifecycle states.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsSealed reports whether status is a terminal session status; once
// sealed, no further mutation is permitted (invariant: session sealing).
func (s SessionStatus) IsSealed() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// Session is the top-level container for one user task and everything
// derived from it.
type Session struct {
	ID           string
	Task         string
	Architecture Architecture
	Agents       []AgentID
	Graph        *SubtaskGraph
	Result       string
	Status       SessionStatus
	Warning      string // non-empty if decomposition dropped a dependency cycle
	FirstFailure string // first subtask id to fail, if any
	Version      int64  // CAS token for SessionStore.Update
	CreatedAt    int64
	SealedAt     int64
}

// Seal marks the session terminal with the given status. Returns an error
// if the session is already sealed (invariant: session sealing).
func (s *Session) Seal(status SessionStatus, now int64) error {
	if s.Status.IsSealed() {
		return newErr(ErrStorage, "session "+s.ID+" is already sealed", nil)
	}
	s.Status = status
	s.SealedAt = now
	return nil
}
