package colony

import (
	"context"
	"testing"
	"time"
)

func TestAgentManagerCreateRegistersAndTransitionsToActive(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	provider := &fakeProvider{name: "ollama", chatFn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		return ChatResponse{Text: "ok"}, nil
	}}
	mgr := NewAgentManager(bus, provider, WorkerConfig{MessageTimeout: time.Second}, nil)

	var transitions []LifecycleState
	mgr.OnTransition(func(id AgentID, from, to LifecycleState) { transitions = append(transitions, to) })

	id, err := mgr.Create(context.Background(), "sess-1", RoleGeneric, "llama3.1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty agent id")
	}
	if mgr.ActiveCount() != 1 {
		t.Errorf("got active count %d, want 1", mgr.ActiveCount())
	}

	want := []LifecycleState{StateCreating, StateRegistering, StateActive}
	if len(transitions) != len(want) {
		t.Fatalf("got transitions %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: got %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestAgentManagerCreateBatchToleratesPartialFailure(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	provider := &fakeProvider{name: "ollama", chatFn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		return ChatResponse{Text: "ok"}, nil
	}}
	mgr := NewAgentManager(bus, provider, WorkerConfig{MessageTimeout: time.Second}, nil)

	created, errs := mgr.CreateBatch(context.Background(), "sess-1", RoleGeneric, "llama3.1", 3)
	if len(created) != 3 || len(errs) != 0 {
		t.Errorf("got created=%v errs=%v, want 3 successes", created, errs)
	}
}

func TestAgentManagerTerminateDeregisters(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	provider := &fakeProvider{name: "ollama", chatFn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		return ChatResponse{Text: "ok"}, nil
	}}
	mgr := NewAgentManager(bus, provider, WorkerConfig{MessageTimeout: time.Second}, nil)

	id, err := mgr.Create(context.Background(), "sess-1", RoleGeneric, "llama3.1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mgr.Terminate(id, true)

	if _, err := bus.Register(id); err != nil {
		t.Errorf("expected re-registration to succeed after terminate, got %v", err)
	}
}
