package colony

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorkerConfig configures a Worker's behavior.
type WorkerConfig struct {
	ProjectFolder   string
	MessageTimeout  time.Duration
	PollInterval    time.Duration // how often to check ctx.Done() between inbox reads
}

// Worker is a single agent's long-running cooperative task: drain an inbox,
// dispatch subtasks to the LLM backend, emit responses, and exit cleanly on
// a control:shutdown message.
type Worker struct {
	ID       AgentID
	Role     Role
	Model    string
	SessionID string

	inbox    Inbox
	bus      *DispatchBus
	provider Provider
	cfg      WorkerConfig
	logger   *slog.Logger

	state LifecycleState

	// peerNotes holds the latest response text shared directly by other
	// workers in the same mesh partition, keyed by sender; peerOrder
	// preserves arrival order so prompts built from it are deterministic.
	// Both are only ever touched from the single goroutine running Run, so
	// no lock is needed.
	peerNotes map[AgentID]string
	peerOrder []AgentID
}

// NewWorker constructs a Worker already registered with bus.
func NewWorker(id AgentID, sessionID string, role Role, model string, inbox Inbox, bus *DispatchBus, provider Provider, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.MessageTimeout == 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Worker{
		ID: id, Role: role, Model: model, SessionID: sessionID,
		inbox: inbox, bus: bus, provider: provider, cfg: cfg, logger: logger,
		state:     StateActive,
		peerNotes: make(map[AgentID]string),
	}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() LifecycleState { return w.state }

// Run drains the inbox until ctx is cancelled or a shutdown control
// message transitions the worker to draining and the inbox empties.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("colony: worker started", "agent_id", w.ID, "role", w.Role)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("colony: worker cancelled", "agent_id", w.ID)
			return
		case msg, ok := <-w.inbox:
			if !ok {
				return
			}
			w.handle(ctx, msg)
			if w.state == StateDraining && len(w.inbox) == 0 {
				w.state = StateTerminated
				w.logger.Info("colony: worker drained and terminated", "agent_id", w.ID)
				return
			}
		case <-time.After(w.cfg.PollInterval):
			if w.state == StateDraining && len(w.inbox) == 0 {
				w.state = StateTerminated
				return
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MsgControl:
		if msg.Control == ControlShutdown {
			w.state = StateDraining
			w.logger.Info("colony: worker draining", "agent_id", w.ID)
		}
	case MsgSubtask:
		if w.state == StateDraining {
			w.reply(ctx, msg, MsgError, "worker is draining, subtask refused")
			return
		}
		w.runSubtask(ctx, msg)
	case MsgResponse:
		if msg.Sender != w.ID {
			w.notePeerResponse(msg.Sender, msg.Text)
		}
	}
}

// notePeerResponse records a result another worker shared directly over the
// bus (mesh architecture), for use as extra context on this worker's next
// subtask prompt.
func (w *Worker) notePeerResponse(sender AgentID, text string) {
	if _, seen := w.peerNotes[sender]; !seen {
		w.peerOrder = append(w.peerOrder, sender)
	}
	w.peerNotes[sender] = text
}

func (w *Worker) runSubtask(ctx context.Context, msg Message) {
	if msg.Subtask == nil {
		w.reply(ctx, msg, MsgError, "malformed subtask message: missing payload")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.MessageTimeout)
	defer cancel()

	prompt := w.buildPrompt(msg.Subtask.Role, msg.Subtask.Text)
	resp, err := w.provider.Chat(callCtx, ChatRequest{
		Model: w.Model,
		Messages: []ChatMessage{
			SystemMessage(prompt),
			UserMessage(msg.Subtask.Text),
		},
	})
	if err != nil {
		w.logger.Warn("colony: subtask backend call failed", "agent_id", w.ID, "subtask_id", msg.Subtask.SubtaskID, "error", err)
		w.reply(ctx, msg, MsgError, err.Error())
		return
	}

	if req, ok := ParseFileWriteDirective(msg.Subtask.Text, resp.Text); ok {
		if err := w.writeFile(req); err != nil {
			w.logger.Warn("colony: file write rejected", "agent_id", w.ID, "path", req.Path, "error", err)
			w.reply(ctx, msg, MsgError, err.Error())
			return
		}
	}

	w.sharePeerResult(ctx, msg, resp.Text)
	w.reply(ctx, msg, MsgResponse, resp.Text)
}

// buildPrompt appends to the role prompt any results peer workers have
// shared directly (mesh architecture only); centralized and hierarchical
// sessions never populate peerNotes, so this degrades to rolePrompt alone.
func (w *Worker) buildPrompt(role Role, text string) string {
	base := rolePrompt(role, text)
	if len(w.peerOrder) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nContext shared by peer agents working the same task:\n")
	for _, id := range w.peerOrder {
		b.WriteString("- " + string(id) + ": " + w.peerNotes[id] + "\n")
	}
	return b.String()
}

// sharePeerResult forwards a completed subtask's result directly to the
// worker's mesh peers over the bus, best-effort: a delivery failure is
// logged but never fails the subtask itself.
func (w *Worker) sharePeerResult(ctx context.Context, orig Message, text string) {
	if orig.Subtask == nil {
		return
	}
	for _, peer := range orig.Subtask.Peers {
		share := Message{
			SessionID:     orig.SessionID,
			Sender:        w.ID,
			Receiver:      peer,
			Type:          MsgResponse,
			CorrelationID: orig.CorrelationID,
			Text:          text,
		}
		if err := w.bus.Send(ctx, share); err != nil {
			w.logger.Debug("colony: peer share failed", "agent_id", w.ID, "peer", peer, "error", err)
		}
	}
}

func (w *Worker) writeFile(req FileWriteRequest) error {
	path, err := ResolveWritePath(w.cfg.ProjectFolder, req.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newErr(ErrParse, "file write: create parent dirs", err)
	}
	if err := os.WriteFile(path, []byte(req.Body), 0o644); err != nil {
		return newErr(ErrParse, "file write: write file", err)
	}
	return nil
}

func (w *Worker) reply(ctx context.Context, orig Message, kind MessageType, text string) {
	reply := Message{
		SessionID:     orig.SessionID,
		Sender:        w.ID,
		Receiver:      orig.Sender,
		Type:          kind,
		CorrelationID: orig.CorrelationID,
		Text:          text,
		Subtask:       orig.Subtask,
	}
	if err := w.bus.Send(ctx, reply); err != nil {
		w.logger.Error("colony: worker reply send failed", "agent_id", w.ID, "error", err)
	}
}

// rolePrompt builds a role-tagged system prompt prefix identifying the
// role's perspective.
func rolePrompt(role Role, text string) string {
	switch role {
	case RoleDeveloper:
		return "You are a software developer. Implement the following precisely."
	case RoleITArchitect:
		return "You are an infrastructure architect. Address scalability and deployment concerns."
	case RoleDataScientist:
		return "You are a data scientist. Reason quantitatively about the following."
	case RoleAnalyst:
		return "You are a business analyst. Summarize findings and implications."
	default:
		return "You are a generalist assistant."
	}
}
