package colony

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
)

// LifecycleHook is invoked on every lifecycle transition, for metrics/log
// observers.
type LifecycleHook func(id AgentID, from, to LifecycleState)

// managedAgent bundles a Worker with its cancellation handle.
type managedAgent struct {
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// AgentManager applies Autoscaler decisions by creating, draining, and
// terminating Worker Runtimes, keeping the Dispatch Bus's registered
// membership in lockstep with the active/draining/terminated invariant.
type AgentManager struct {
	mu       sync.Mutex
	agents   map[AgentID]*managedAgent
	bus      *DispatchBus
	provider Provider
	cfg      WorkerConfig
	hooks    []LifecycleHook
	logger   *slog.Logger
	nextSeq  int
}

// NewAgentManager constructs an AgentManager.
func NewAgentManager(bus *DispatchBus, provider Provider, cfg WorkerConfig, logger *slog.Logger) *AgentManager {
	if logger == nil {
		logger = nopLogger
	}
	return &AgentManager{
		agents:   make(map[AgentID]*managedAgent),
		bus:      bus,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// OnTransition registers a lifecycle callback invoked for every state change.
func (m *AgentManager) OnTransition(h LifecycleHook) {
	m.hooks = append(m.hooks, h)
}

func (m *AgentManager) fire(id AgentID, from, to LifecycleState) {
	for _, h := range m.hooks {
		h(id, from, to)
	}
}

// CreateBatch allocates n new workers for sessionID with the given role and
// model. Partial failure is tolerated: successfully created workers remain
// registered; failures are collected and returned alongside the created ids.
func (m *AgentManager) CreateBatch(ctx context.Context, sessionID string, role Role, model string, n int) ([]AgentID, []error) {
	var created []AgentID
	var errs []error
	for i := 0; i < n; i++ {
		id, err := m.Create(ctx, sessionID, role, model)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		created = append(created, id)
	}
	return created, errs
}

// Create allocates an identifier, constructs a Worker, registers it with
// the Dispatch Bus, and transitions creating -> registering -> active.
func (m *AgentManager) Create(ctx context.Context, sessionID string, role Role, model string) (AgentID, error) {
	m.mu.Lock()
	m.nextSeq++
	id := AgentID(sessionID + "-worker-" + strconv.Itoa(m.nextSeq))
	m.mu.Unlock()

	m.fire(id, "", StateCreating)

	inbox, err := m.bus.Register(id)
	if err != nil {
		m.fire(id, StateCreating, StateFailed)
		return "", err
	}
	m.fire(id, StateCreating, StateRegistering)

	worker := NewWorker(id, sessionID, role, model, inbox, m.bus, m.provider, m.cfg, m.logger)
	m.fire(id, StateRegistering, StateActive)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.agents[id] = &managedAgent{worker: worker, cancel: cancel, done: done}
	m.mu.Unlock()

	go func() {
		defer close(done)
		worker.Run(workerCtx)
		m.bus.SetState(id, worker.State())
		m.bus.Deregister(id)
	}()

	m.logger.Info("colony: agent created", "agent_id", id, "role", role)
	return id, nil
}

// Drain transitions agent_id to draining: no new subtasks are assigned,
// in-flight work completes, then the worker self-terminates.
func (m *AgentManager) Drain(id AgentID) error {
	m.mu.Lock()
	_, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return newErr(ErrStorage, "drain: unknown agent "+string(id), nil)
	}
	m.bus.SetState(id, StateDraining)
	m.fire(id, StateActive, StateDraining)

	shutdown := Message{Receiver: id, Type: MsgControl, Control: ControlShutdown}
	return m.bus.Send(context.Background(), shutdown)
}

// Terminate force-terminates agent_id immediately. In-flight work is left
// for the coordinator to mark failed with reason worker-terminated.
func (m *AgentManager) Terminate(id AgentID, force bool) {
	m.mu.Lock()
	agent, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	agent.cancel()
	m.bus.SetState(id, StateTerminated)
	m.bus.Deregister(id)
	m.fire(id, StateActive, StateTerminated)
	m.logger.Info("colony: agent terminated", "agent_id", id, "force", force)
}

// ActiveCount returns the number of agents whose worker state is active.
func (m *AgentManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.agents {
		if a.worker.State() == StateActive {
			n++
		}
	}
	return n
}

