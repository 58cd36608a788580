package colony

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Inbox is a bounded FIFO queue of messages addressed to one agent.
type Inbox chan Message

// inboxMember tracks one registered agent's queue and liveness, so the
// bus can refuse to hand a live agent's slot to a duplicate registration.
type inboxMember struct {
	inbox     Inbox
	state     LifecycleState
}

// DispatchBus routes messages between agents via bounded per-agent inboxes,
// durably appending every successful send to a MessageLog first so restart
// replay can reconstruct pending inbox contents.
type DispatchBus struct {
	mu       sync.Mutex
	members  map[AgentID]*inboxMember
	log      MessageLog
	capacity int
	sendWait time.Duration
	logger   *slog.Logger
	onDeadLetter DeadLetterObserver
}

// BusOption configures a DispatchBus.
type BusOption func(*DispatchBus)

// WithInboxCapacity sets the bounded inbox size (default 64).
func WithInboxCapacity(n int) BusOption {
	return func(b *DispatchBus) { b.capacity = n }
}

// WithSendWait sets how long Send blocks on a full inbox before returning
// BackpressureError (default 2s).
func WithSendWait(d time.Duration) BusOption {
	return func(b *DispatchBus) { b.sendWait = d }
}

// WithBusLogger sets a structured logger for bus events.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *DispatchBus) { b.logger = l }
}

// WithDeadLetterObserver wires an external instrumentation layer (see
// telemetry.Instruments) to be notified of every dead-lettered message.
func WithDeadLetterObserver(o DeadLetterObserver) BusOption {
	return func(b *DispatchBus) { b.onDeadLetter = o }
}

// NewDispatchBus creates a DispatchBus that durably logs every successful
// send through log before enqueueing it.
func NewDispatchBus(log MessageLog, opts ...BusOption) *DispatchBus {
	b := &DispatchBus{
		members:  make(map[AgentID]*inboxMember),
		log:      log,
		capacity: 64,
		sendWait: 2 * time.Second,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register installs id's inbox. Idempotent unless the prior owner is still
// live, in which case it fails with DuplicateIdentityError.
func (b *DispatchBus) Register(id AgentID) (Inbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.members[id]; ok && !existing.state.IsTerminal() {
		return nil, &DuplicateIdentityError{AgentID: id}
	}

	inbox := make(Inbox, b.capacity)
	b.members[id] = &inboxMember{inbox: inbox, state: StateActive}
	b.logger.Debug("colony: bus register", "agent_id", id)
	return inbox, nil
}

// Deregister removes id from the bus's membership, used once an agent
// reaches terminated.
func (b *DispatchBus) Deregister(id AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, id)
	b.logger.Debug("colony: bus deregister", "agent_id", id)
}

// SetState updates id's liveness for DuplicateIdentity / dead-letter checks.
func (b *DispatchBus) SetState(id AgentID, state LifecycleState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.members[id]; ok {
		m.state = state
	}
}

// Send appends msg to the log, then enqueues it in the receiver's inbox.
// If the receiver is missing or terminated, a dead-letter error message is
// appended and returned to the sender instead. If the inbox is full, Send
// blocks up to the configured wait before returning BackpressureError.
func (b *DispatchBus) Send(ctx context.Context, msg Message) error {
	b.mu.Lock()
	member, ok := b.members[msg.Receiver]
	var deadInbox Inbox
	if !ok || member.state.IsTerminal() {
		if sender, sok := b.members[msg.Sender]; sok {
			deadInbox = sender.inbox
		}
		b.mu.Unlock()
		return b.deadLetter(ctx, msg, deadInbox)
	}
	inbox := member.inbox
	b.mu.Unlock()

	seq, err := b.log.Append(ctx, msg)
	if err != nil {
		return err
	}
	msg.Seq = seq

	timer := time.NewTimer(b.sendWait)
	defer timer.Stop()
	select {
	case inbox <- msg:
		return nil
	case <-timer.C:
		return &BackpressureError{Receiver: msg.Receiver}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deadLetter appends an error message addressed back to msg.Sender and, if
// the sender's own inbox is reachable, delivers it there too.
func (b *DispatchBus) deadLetter(ctx context.Context, msg Message, senderInbox Inbox) error {
	letter := Message{
		SessionID:     msg.SessionID,
		Sender:        msg.Receiver,
		Receiver:      msg.Sender,
		Type:          MsgError,
		CorrelationID: msg.CorrelationID,
		Text:          "dead-letter: receiver " + string(msg.Receiver) + " is missing or terminated",
		CreatedAt:     msg.CreatedAt,
	}
	seq, err := b.log.Append(ctx, letter)
	if err != nil {
		return err
	}
	letter.Seq = seq
	b.logger.Warn("colony: dead letter", "receiver", msg.Receiver, "sender", msg.Sender)
	if b.onDeadLetter != nil {
		b.onDeadLetter.RecordDeadLetter(ctx)
	}

	if senderInbox != nil {
		select {
		case senderInbox <- letter:
		default:
		}
	}
	return newErr(ErrDeadLetter, "receiver "+string(msg.Receiver)+" unreachable", nil)
}

// Broadcast enqueues one copy of a control message per currently-registered
// live receiver. Membership is captured at the instant of the call.
func (b *DispatchBus) Broadcast(ctx context.Context, sessionID string, sender AgentID, kind ControlKind) {
	b.mu.Lock()
	receivers := make([]AgentID, 0, len(b.members))
	for id, m := range b.members {
		if !m.state.IsTerminal() {
			receivers = append(receivers, id)
		}
	}
	b.mu.Unlock()

	for _, r := range receivers {
		msg := Message{
			SessionID: sessionID,
			Sender:    sender,
			Receiver:  r,
			Type:      MsgControl,
			Control:   kind,
		}
		if err := b.Send(ctx, msg); err != nil {
			b.logger.Warn("colony: broadcast send failed", "receiver", r, "error", err)
		}
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
