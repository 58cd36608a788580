package colony

import "github.com/google/uuid"

// newUUID returns a fresh random v4 UUID string, used for session ids and
// correlation ids.
func newUUID() string {
	return uuid.NewString()
}

// NewSessionID mints a fresh session identifier, for callers (the CLI
// control plane) that create a Session before any Coordinator exists to
// assign one.
func NewSessionID() string {
	return newUUID()
}
