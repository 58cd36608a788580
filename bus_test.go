package colony

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memLog is a minimal in-memory MessageLog for bus tests.
type memLog struct {
	mu   sync.Mutex
	msgs []Message
}

func (l *memLog) Append(ctx context.Context, msg Message) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := int64(len(l.msgs) + 1)
	msg.Seq = seq
	l.msgs = append(l.msgs, msg)
	return seq, nil
}

func (l *memLog) Read(ctx context.Context, fromSeq int64, limit int, receiver AgentID) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Message
	for _, m := range l.msgs {
		if m.Seq < fromSeq {
			continue
		}
		if receiver != "" && m.Receiver != receiver {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (l *memLog) Prune(ctx context.Context, upToSeq int64) error { return nil }

func (l *memLog) NextSeq(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.msgs) + 1), nil
}

func TestBusRegisterAndSend(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	inbox, err := bus.Register("worker-0")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if err := bus.Send(ctx, Message{Receiver: "worker-0", Sender: "queen", Type: MsgTask, Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-inbox:
		if msg.Text != "hi" {
			t.Errorf("got text %q, want hi", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBusDuplicateRegistrationOfLiveAgentFails(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	if _, err := bus.Register("worker-0"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := bus.Register("worker-0"); err == nil {
		t.Fatal("expected DuplicateIdentityError, got nil")
	}
}

func TestBusReregisterAfterTerminationSucceeds(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	if _, err := bus.Register("worker-0"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	bus.SetState("worker-0", StateTerminated)
	if _, err := bus.Register("worker-0"); err != nil {
		t.Fatalf("re-register after terminated: %v", err)
	}
}

func TestBusSendToMissingReceiverDeadLetters(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	senderInbox, err := bus.Register("queen")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	err = bus.Send(context.Background(), Message{Receiver: "ghost", Sender: "queen", Type: MsgSubtask})
	if err == nil {
		t.Fatal("expected dead-letter error, got nil")
	}

	select {
	case letter := <-senderInbox:
		if letter.Type != MsgError {
			t.Errorf("got type %q, want error", letter.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dead-letter delivery")
	}
}

func TestBusSendBlocksOnFullInboxThenBackpressures(t *testing.T) {
	bus := NewDispatchBus(&memLog{}, WithInboxCapacity(1), WithSendWait(50*time.Millisecond))
	if _, err := bus.Register("worker-0"); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if err := bus.Send(ctx, Message{Receiver: "worker-0", Type: MsgTask}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := bus.Send(ctx, Message{Receiver: "worker-0", Type: MsgTask})
	if _, ok := err.(*BackpressureError); !ok {
		t.Errorf("got %v, want *BackpressureError", err)
	}
}

func TestBusBroadcastReachesAllLiveMembers(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	inboxA, _ := bus.Register("a")
	inboxB, _ := bus.Register("b")

	bus.Broadcast(context.Background(), "sess-1", "queen", ControlShutdown)

	for _, inbox := range []Inbox{inboxA, inboxB} {
		select {
		case msg := <-inbox:
			if msg.Control != ControlShutdown {
				t.Errorf("got control %q, want shutdown", msg.Control)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}
