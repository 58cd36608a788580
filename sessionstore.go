package colony

import "context"

// SessionStore is a durable KV store keyed by session id, with secondary
// indexes on status. Update uses optimistic concurrency on Session.Version
// to prevent lost updates under concurrent mutation.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	// Update performs a CAS: it succeeds only if the stored session's
	// Version still matches s.Version, then increments it. Returns
	// ErrStorage if the version has moved on.
	Update(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// List returns sessions with the given status, or all sessions when
	// status is empty.
	List(ctx context.Context, status SessionStatus) ([]Session, error)
	// Seal marks a session terminal. Equivalent to Get + Session.Seal +
	// Update, performed atomically by the backend.
	Seal(ctx context.Context, id string, status SessionStatus, now int64) error
}

// ReactivateNonTerminal is the restart-replay helper described in the
// Session Store's recovery contract: it loads every non-sealed session so
// the coordinator can re-queue pending/ready subtasks and promote
// in-flight subtasks whose worker no longer exists back to ready.
func ReactivateNonTerminal(ctx context.Context, store SessionStore) ([]Session, error) {
	running, err := store.List(ctx, SessionRunning)
	if err != nil {
		return nil, err
	}
	for i := range running {
		reactivateSession(&running[i])
	}
	return running, nil
}

// reactivateSession applies the restart-replay rule to one session's
// subtask graph: ready stays ready, in-flight subtasks with no live
// assignee return to ready, terminal subtasks are untouched.
func reactivateSession(s *Session) {
	if s.Graph == nil {
		return
	}
	for _, rec := range s.Graph.All() {
		if rec.State == SubtaskInFlight {
			s.Graph.MarkReadyAgain(rec.ID)
		}
	}
}
