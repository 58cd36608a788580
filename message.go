package colony

// MessageType is the closed set of inter-agent message kinds.
type MessageType string

const (
	MsgTask     MessageType = "task"
	MsgSubtask  MessageType = "subtask"
	MsgResponse MessageType = "response"
	MsgError    MessageType = "error"
	MsgControl  MessageType = "control"
)

// ControlKind is the payload discriminator for MsgControl messages.
type ControlKind string

const (
	ControlShutdown ControlKind = "shutdown"
)

// SubtaskPayload is the structured payload carried by a MsgSubtask message.
type SubtaskPayload struct {
	SubtaskID string
	Text      string
	Role      Role
	Deadline  int64 // unix seconds, 0 = none
	Attempt   int
	Peers     []AgentID // mesh architecture only: workers this one may exchange responses with directly
}

// Message is an immutable, append-only record exchanged between agents.
type Message struct {
	Seq           int64
	SessionID     string
	Sender        AgentID
	Receiver      AgentID
	Type          MessageType
	CorrelationID string
	ParentID      *int64
	Text          string          // set for task/response/error/control payloads
	Control       ControlKind     // set when Type == MsgControl
	Subtask       *SubtaskPayload // set when Type == MsgSubtask
	CreatedAt     int64
}

// NewCorrelationID mints a fresh correlation id for a new request/response
// chain, scoped to a session.
func NewCorrelationID() string {
	return newUUID()
}
