package colony

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memSessionStore is a minimal in-memory SessionStore for coordinator tests.
type memSessionStore struct {
	mu   sync.Mutex
	byID map[string]Session
}

func newMemSessionStore() *memSessionStore { return &memSessionStore{byID: make(map[string]Session)} }

func (s *memSessionStore) Create(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = sess
	return nil
}

func (s *memSessionStore) Update(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = sess
	return nil
}

func (s *memSessionStore) Get(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id], nil
}

func (s *memSessionStore) List(ctx context.Context, status SessionStatus) ([]Session, error) {
	return nil, nil
}

func (s *memSessionStore) Seal(ctx context.Context, id string, status SessionStatus, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.byID[id]
	sess.Status = status
	sess.SealedAt = now
	s.byID[id] = sess
	return nil
}

// routedProvider dispatches Chat calls based on which worker role prompt or
// coordinator prompt is present, letting one fake stand in for both the
// coordinator's decompose/synthesize calls and every worker's subtask calls.
type routedProvider struct {
	mu           sync.Mutex
	calls        int
	decompose    func(req ChatRequest) (ChatResponse, error)
	synthesize   func(req ChatRequest) (ChatResponse, error)
	subtask      func(req ChatRequest) (ChatResponse, error)
	subDecompose func(req ChatRequest) (ChatResponse, error)
}

func (p *routedProvider) Name() string                                 { return "fake" }
func (p *routedProvider) Models(ctx context.Context) ([]string, error) { return nil, nil }
func (p *routedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	var all strings.Builder
	for _, m := range req.Messages {
		all.WriteString(m.Content)
	}
	switch {
	case strings.Contains(all.String(), "Break the following task"):
		return p.decompose(req)
	case strings.Contains(all.String(), "Synthesize the following"):
		return p.synthesize(req)
	case strings.Contains(all.String(), "decompose a single step") && p.subDecompose != nil:
		return p.subDecompose(req)
	default:
		return p.subtask(req)
	}
}

func runWorkerPool(ctx context.Context, t *testing.T, bus *DispatchBus, provider Provider, ids []AgentID) {
	t.Helper()
	for _, id := range ids {
		inbox, err := bus.Register(id)
		if err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		w := NewWorker(id, "sess-1", RoleGeneric, "llama3.1", inbox, bus, provider, WorkerConfig{MessageTimeout: time.Second}, nil)
		go w.Run(ctx)
	}
}

func TestCoordinatorSingleSubtaskSuccess(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	provider := &routedProvider{
		decompose:  func(req ChatRequest) (ChatResponse, error) { return ChatResponse{Text: "not json"}, nil },
		subtask:    func(req ChatRequest) (ChatResponse, error) { return ChatResponse{Text: "done"}, nil },
		synthesize: func(req ChatRequest) (ChatResponse, error) { t.Fatal("synthesize should be skipped for a single subtask"); return ChatResponse{}, nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runWorkerPool(ctx, t, bus, provider, []AgentID{"sess-1-worker-1"})

	sess := &Session{ID: "sess-1", Task: "write a haiku", Architecture: ArchCentralized, Status: SessionRunning}
	store := newMemSessionStore()
	coord, err := NewCoordinator(sess, []WorkerDescriptor{{ID: "sess-1-worker-1", Role: RoleGeneric}}, bus, store, provider, "llama3.1", CoordinatorConfig{PollInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	result, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "done" {
		t.Errorf("got result %q, want %q", result, "done")
	}
	if sess.Status != SessionCompleted {
		t.Errorf("got status %q, want completed", sess.Status)
	}
}

func TestCoordinatorDependencyChainOrdersDispatch(t *testing.T) {
	bus := NewDispatchBus(&memLog{})

	var mu sync.Mutex
	var dispatchOrder []string

	provider := &routedProvider{
		decompose: func(req ChatRequest) (ChatResponse, error) {
			return ChatResponse{Text: `["gather the raw numbers", "based on step 1, compute the average"]`}, nil
		},
		subtask: func(req ChatRequest) (ChatResponse, error) {
			prompt := req.Messages[len(req.Messages)-1].Content
			mu.Lock()
			dispatchOrder = append(dispatchOrder, prompt)
			mu.Unlock()
			return ChatResponse{Text: "ok: " + prompt}, nil
		},
		synthesize: func(req ChatRequest) (ChatResponse, error) { return ChatResponse{Text: "final"}, nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runWorkerPool(ctx, t, bus, provider, []AgentID{"sess-2-worker-1"})

	sess := &Session{ID: "sess-2", Task: "analyze the dataset", Architecture: ArchCentralized, Status: SessionRunning}
	store := newMemSessionStore()
	coord, err := NewCoordinator(sess, []WorkerDescriptor{{ID: "sess-2-worker-1", Role: RoleGeneric}}, bus, store, provider, "llama3.1", CoordinatorConfig{PollInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	result, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "final" {
		t.Errorf("got result %q, want final", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dispatchOrder) != 2 || !strings.Contains(dispatchOrder[0], "gather") || !strings.Contains(dispatchOrder[1], "average") {
		t.Errorf("got dispatch order %v, want gather before average", dispatchOrder)
	}
}

func TestCoordinatorRetryThenSucceed(t *testing.T) {
	bus := NewDispatchBus(&memLog{})

	var attempts int
	var mu sync.Mutex
	provider := &routedProvider{
		decompose: func(req ChatRequest) (ChatResponse, error) { return ChatResponse{Text: "not json"}, nil },
		subtask: func(req ChatRequest) (ChatResponse, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return ChatResponse{}, &ErrLLM{Backend: "fake", Message: "transient failure"}
			}
			return ChatResponse{Text: "recovered"}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runWorkerPool(ctx, t, bus, provider, []AgentID{"sess-3-worker-1"})

	sess := &Session{ID: "sess-3", Task: "flaky task", Architecture: ArchCentralized, Status: SessionRunning}
	store := newMemSessionStore()
	cfg := CoordinatorConfig{MaxRetries: 3, RetryBaseDelay: time.Millisecond, PollInterval: 5 * time.Millisecond}
	coord, err := NewCoordinator(sess, []WorkerDescriptor{{ID: "sess-3-worker-1", Role: RoleGeneric}}, bus, store, provider, "llama3.1", cfg, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	result, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "recovered" {
		t.Errorf("got result %q, want recovered", result)
	}
}

func TestCoordinatorExhaustsRetriesFailsSession(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	provider := &routedProvider{
		decompose: func(req ChatRequest) (ChatResponse, error) { return ChatResponse{Text: "not json"}, nil },
		subtask: func(req ChatRequest) (ChatResponse, error) {
			return ChatResponse{}, &ErrLLM{Backend: "fake", Message: "always fails"}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runWorkerPool(ctx, t, bus, provider, []AgentID{"sess-4-worker-1"})

	sess := &Session{ID: "sess-4", Task: "doomed task", Architecture: ArchCentralized, Status: SessionRunning}
	store := newMemSessionStore()
	cfg := CoordinatorConfig{MaxRetries: 2, RetryBaseDelay: time.Millisecond, PollInterval: 5 * time.Millisecond}
	coord, err := NewCoordinator(sess, []WorkerDescriptor{{ID: "sess-4-worker-1", Role: RoleGeneric}}, bus, store, provider, "llama3.1", cfg, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	_, err = coord.Run(ctx)
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if sess.Status != SessionFailed {
		t.Errorf("got status %q, want failed", sess.Status)
	}
	if sess.FirstFailure == "" {
		t.Error("expected FirstFailure to be recorded")
	}
}

func TestCoordinatorHierarchicalSubDecomposesPerPartition(t *testing.T) {
	bus := NewDispatchBus(&memLog{})

	var mu sync.Mutex
	var subtaskTexts []string

	provider := &routedProvider{
		decompose: func(req ChatRequest) (ChatResponse, error) {
			return ChatResponse{Text: `["gather requirements", "write the report"]`}, nil
		},
		subDecompose: func(req ChatRequest) (ChatResponse, error) {
			return ChatResponse{Text: `["do part one", "do part two"]`}, nil
		},
		subtask: func(req ChatRequest) (ChatResponse, error) {
			prompt := req.Messages[len(req.Messages)-1].Content
			mu.Lock()
			subtaskTexts = append(subtaskTexts, prompt)
			mu.Unlock()
			return ChatResponse{Text: "ok"}, nil
		},
		synthesize: func(req ChatRequest) (ChatResponse, error) { return ChatResponse{Text: "final"}, nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ids := []AgentID{"sess-6-worker-1", "sess-6-worker-2", "sess-6-worker-3", "sess-6-worker-4", "sess-6-worker-5", "sess-6-worker-6"}
	runWorkerPool(ctx, t, bus, provider, ids)

	sess := &Session{ID: "sess-6", Task: "build a thing", Architecture: ArchHierarchical, Status: SessionRunning}
	store := newMemSessionStore()
	workers := make([]WorkerDescriptor, len(ids))
	for i, id := range ids {
		workers[i] = WorkerDescriptor{ID: id, Role: RoleGeneric}
	}
	coord, err := NewCoordinator(sess, workers, bus, store, provider, "llama3.1", CoordinatorConfig{PollInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if coord.partitions < 2 {
		t.Fatalf("got %d partitions, want at least 2 for a 6-worker hierarchical pool", coord.partitions)
	}

	result, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "final" {
		t.Errorf("got result %q, want final", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(subtaskTexts) != 4 {
		t.Errorf("got %d dispatched subtasks, want 4 (2 top-level subtasks x 2 sub-decomposed steps each)", len(subtaskTexts))
	}
}

func TestCoordinatorMeshWorkersShareResultsDirectly(t *testing.T) {
	bus := NewDispatchBus(&memLog{})

	var mu sync.Mutex
	var promptsSeenPeerContext int

	provider := &routedProvider{
		decompose: func(req ChatRequest) (ChatResponse, error) {
			return ChatResponse{Text: `["implement code to gather the raw numbers", "based on step 1, write a summary report"]`}, nil
		},
		subtask: func(req ChatRequest) (ChatResponse, error) {
			system := req.Messages[0].Content
			if strings.Contains(system, "Context shared by peer agents") {
				mu.Lock()
				promptsSeenPeerContext++
				mu.Unlock()
			}
			return ChatResponse{Text: "ok"}, nil
		},
		synthesize: func(req ChatRequest) (ChatResponse, error) { return ChatResponse{Text: "final"}, nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Distinct roles force the first subtask ("implement code...") onto the
	// developer worker and the dependent second subtask ("...report") onto
	// the analyst worker, so the second dispatch deterministically lands on
	// the worker that received the first worker's mesh-shared result.
	ids := []AgentID{"sess-7-worker-1", "sess-7-worker-2"}
	runWorkerPool(ctx, t, bus, provider, ids)

	sess := &Session{ID: "sess-7", Task: "analyze the dataset", Architecture: ArchMesh, Status: SessionRunning}
	store := newMemSessionStore()
	workers := []WorkerDescriptor{{ID: ids[0], Role: RoleDeveloper}, {ID: ids[1], Role: RoleAnalyst}}
	coord, err := NewCoordinator(sess, workers, bus, store, provider, "llama3.1", CoordinatorConfig{PollInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	result, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "final" {
		t.Errorf("got result %q, want final", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if promptsSeenPeerContext == 0 {
		t.Error("expected at least one subtask prompt to include peer-shared context under mesh architecture")
	}
}

func TestCoordinatorHandleWorkerDeathRetriesOnSurvivor(t *testing.T) {
	bus := NewDispatchBus(&memLog{})
	subtaskStarted := make(chan struct{}, 1)
	release := make(chan struct{})
	var callCount int32

	provider := &routedProvider{
		decompose: func(req ChatRequest) (ChatResponse, error) { return ChatResponse{Text: "not json"}, nil },
		subtask: func(req ChatRequest) (ChatResponse, error) {
			if atomic.AddInt32(&callCount, 1) == 1 {
				subtaskStarted <- struct{}{}
				<-release // first attempt blocks until the test kills its worker
				return ChatResponse{}, &ErrLLM{Backend: "fake", Message: "worker was killed"}
			}
			return ChatResponse{Text: "survivor handled it"}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runWorkerPool(ctx, t, bus, provider, []AgentID{"sess-5-worker-1", "sess-5-worker-2"})

	sess := &Session{ID: "sess-5", Task: "resilient task", Architecture: ArchCentralized, Status: SessionRunning}
	store := newMemSessionStore()
	cfg := CoordinatorConfig{MaxRetries: 3, RetryBaseDelay: time.Millisecond, PollInterval: 5 * time.Millisecond}
	workers := []WorkerDescriptor{{ID: "sess-5-worker-1", Role: RoleGeneric}, {ID: "sess-5-worker-2", Role: RoleGeneric}}
	coord, err := NewCoordinator(sess, workers, bus, store, provider, "llama3.1", cfg, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := coord.Run(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- r
	}()

	<-subtaskStarted
	coord.HandleWorkerDeath("sess-5-worker-1")
	close(release)

	select {
	case r := <-resultCh:
		if r != "survivor handled it" {
			t.Errorf("got result %q, want survivor handled it", r)
		}
	case err := <-errCh:
		t.Fatalf("run failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coordinator to finish")
	}
}
