package colony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CoordinatorConfig tunes the dispatch loop's retry and polling behavior.
type CoordinatorConfig struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	SubtaskTimeout time.Duration // applied as a subtask's deadline when it has none
	PollInterval   time.Duration
}

// DefaultCoordinatorConfig returns sane defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		SubtaskTimeout: 2 * time.Minute,
		PollInterval:   time.Second,
	}
}

// WorkerDescriptor is the caller-supplied identity/role pair for a worker
// the coordinator may dispatch subtasks to. Workers are created and owned
// by an AgentManager; the coordinator only addresses them through the bus.
type WorkerDescriptor struct {
	ID   AgentID
	Role Role
}

type workerState struct {
	WorkerDescriptor
	busy      bool
	partition int
}

// Coordinator drives one session's subtask graph to completion: it
// decomposes the task, dispatches ready subtasks to workers, applies the
// retry policy on failure, and synthesizes a final result on fan-in.
type Coordinator struct {
	id       AgentID
	session  *Session
	bus      *DispatchBus
	inbox    Inbox
	store    SessionStore
	provider Provider
	model    string
	cfg      CoordinatorConfig
	logger   *slog.Logger

	// mu guards everything below: the subtask graph, the worker pool, and
	// the retry bookkeeping. Both the dispatch loop goroutine and an
	// externally-invoked HandleWorkerDeath (from an AgentManager lifecycle
	// hook, on whatever goroutine called Terminate) mutate this state.
	mu         sync.Mutex
	workers    []*workerState
	partitions int

	retryNotBefore map[string]time.Time
	lastAssignee   map[string]AgentID

	// Observer, when set, is notified of each subtask's dispatch-to-
	// completion lifecycle (see telemetry.Instruments.Observe). Assign it
	// after NewCoordinator, before Run.
	Observer    SubtaskObserver
	subtaskDone map[string]func(error)
}

// NewCoordinator registers a coordinator identity on bus and prepares it
// to drive session against the given worker pool.
func NewCoordinator(session *Session, workers []WorkerDescriptor, bus *DispatchBus, store SessionStore, provider Provider, model string, cfg CoordinatorConfig, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = nopLogger
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.SubtaskTimeout == 0 {
		cfg.SubtaskTimeout = 2 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}

	id := AgentID(session.ID + "-coordinator")
	inbox, err := bus.Register(id)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		id: id, session: session, bus: bus, inbox: inbox, store: store,
		provider: provider, model: model, cfg: cfg, logger: logger,
		retryNotBefore: make(map[string]time.Time),
		lastAssignee:   make(map[string]AgentID),
		subtaskDone:    make(map[string]func(error)),
	}
	c.assignPartitions(workers)
	return c, nil
}

// assignPartitions splits the worker pool into groups a subtask's hashed id
// is pinned to. hierarchical uses multiple groups (fan-out to M
// sub-coordinators' pools, per the K > M split); centralized and mesh keep
// a single group so every worker is eligible for every subtask.
func (c *Coordinator) assignPartitions(workers []WorkerDescriptor) {
	n := 1
	if c.session.Architecture == ArchHierarchical {
		n = len(workers) / 3
		if n < 1 {
			n = 1
		}
	}
	c.partitions = n
	c.workers = make([]*workerState, len(workers))
	for i, w := range workers {
		c.workers[i] = &workerState{WorkerDescriptor: w, partition: i % n}
	}
}

// AddWorker admits a new worker into the pool, for the autoscaler to call
// after creating it mid-session. Assigned to the least-populated partition
// so a scale-up doesn't pile every new worker into partition 0.
func (c *Coordinator) AddWorker(w WorkerDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make([]int, c.partitions)
	for _, existing := range c.workers {
		counts[existing.partition]++
	}
	best := 0
	for i, n := range counts {
		if n < counts[best] {
			best = i
		}
	}
	c.workers = append(c.workers, &workerState{WorkerDescriptor: w, partition: best})
}

// RemoveWorker evicts id from the pool, for the autoscaler to call after
// draining it mid-session. Any subtask still assigned to id is left for
// HandleWorkerDeath (driven by the AgentManager's lifecycle hook) to retry.
func (c *Coordinator) RemoveWorker(id AgentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.workers {
		if w.ID == id {
			c.workers = append(c.workers[:i], c.workers[i+1:]...)
			return
		}
	}
}

func partitionHash(id string, n int) int {
	if n <= 1 {
		return 0
	}
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return int(h % uint32(n))
}

// Run decomposes session.Task, dispatches the resulting subtask graph to
// completion, and returns the synthesized result.
func (c *Coordinator) Run(ctx context.Context) (string, error) {
	texts := c.decompose(ctx)
	graph, warning := c.buildGraph(texts)
	c.expandForHierarchy(ctx, graph)
	c.session.Graph = graph
	c.session.Warning = warning
	c.session.Status = SessionRunning
	if err := c.store.Update(ctx, *c.session); err != nil {
		return "", err
	}

	return c.drive(ctx)
}

// Resume drives a session whose subtask graph was already built by a prior
// process, reconstructed via ReactivateNonTerminal after a restart. Unlike
// Run it never re-decomposes the task or rebuilds the graph.
func (c *Coordinator) Resume(ctx context.Context) (string, error) {
	if c.session.Graph == nil {
		return c.Run(ctx)
	}
	c.session.Status = SessionRunning
	if err := c.store.Update(ctx, *c.session); err != nil {
		return "", err
	}
	return c.drive(ctx)
}

// drive runs the dispatch loop to completion and synthesizes the final
// result, sealing the session either way. Shared by Run and Resume.
func (c *Coordinator) drive(ctx context.Context) (string, error) {
	if err := c.dispatchLoop(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	rootsFailed := c.session.Graph.RootsFailed()
	c.mu.Unlock()
	if rootsFailed {
		now := time.Now().Unix()
		_ = c.session.Seal(SessionFailed, now)
		_ = c.store.Seal(ctx, c.session.ID, SessionFailed, now)
		return "", newErr(ErrDependencyFailed, "root subtask failed: "+c.session.FirstFailure, nil)
	}

	result, err := c.synthesize(ctx)
	if err != nil {
		now := time.Now().Unix()
		_ = c.session.Seal(SessionFailed, now)
		_ = c.store.Seal(ctx, c.session.ID, SessionFailed, now)
		return "", err
	}
	c.session.Result = result
	now := time.Now().Unix()
	if err := c.store.Seal(ctx, c.session.ID, SessionCompleted, now); err != nil {
		return "", err
	}
	_ = c.session.Seal(SessionCompleted, now)
	return result, nil
}

const decompositionPromptTemplate = `Break the following task into an ordered JSON array of short, self-contained subtask strings. Respond with only the JSON array and nothing else.

Task: %s`

// decompose asks the backend for a JSON array of subtasks. Any failure —
// backend error, malformed JSON, or an empty array — degrades to a single
// subtask containing the original task text.
func (c *Coordinator) decompose(ctx context.Context) []string {
	resp, err := c.provider.Chat(ctx, ChatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			SystemMessage("You decompose tasks into an ordered JSON array of subtask strings."),
			UserMessage(fmt.Sprintf(decompositionPromptTemplate, c.session.Task)),
		},
	})
	if err != nil {
		c.logger.Warn("colony: decomposition call failed, falling back to single subtask", "error", err)
		return []string{c.session.Task}
	}

	raw := extractJSONArray(resp.Text)
	var subtasks []string
	if raw == "" || json.Unmarshal([]byte(raw), &subtasks) != nil || len(subtasks) == 0 {
		c.logger.Debug("colony: decomposition reply did not parse, falling back to single subtask")
		return []string{c.session.Task}
	}
	return subtasks
}

func extractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

var (
	orderingKeywords = []string{"after", "once", "following", "based on", "using the result of", "depends on", "then"}
	subtaskRefRe     = regexp.MustCompile(`(?i)(?:subtask|step|task)\s*#?(\d+)`)
)

func subtaskID(index int) string {
	return fmt.Sprintf("subtask-%03d", index)
}

// inferDependencies scans text for explicit references to earlier subtask
// indices ("step 1", "subtask 2") and, failing that, for ordering keywords
// implying a dependency on the immediately preceding subtask.
func inferDependencies(index int, text string) []string {
	seen := make(map[int]bool)
	var deps []string
	for _, m := range subtaskRefRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		refIdx := n - 1 // natural-language references are 1-based
		if refIdx >= 0 && refIdx < index && !seen[refIdx] {
			seen[refIdx] = true
			deps = append(deps, subtaskID(refIdx))
		}
	}
	if len(deps) == 0 && index > 0 && containsOrderingKeyword(strings.ToLower(text)) {
		deps = append(deps, subtaskID(index-1))
	}
	return deps
}

func containsOrderingKeyword(folded string) bool {
	for _, kw := range orderingKeywords {
		if strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

func (c *Coordinator) buildGraph(texts []string) (*SubtaskGraph, string) {
	records := make([]*SubtaskRecord, len(texts))
	for i, text := range texts {
		records[i] = &SubtaskRecord{
			ID:        subtaskID(i),
			Text:      text,
			Role:      RoleOf(text),
			DependsOn: inferDependencies(i, text),
		}
	}
	return NewSubtaskGraph(records)
}

const subDecompositionPromptTemplate = `You are a sub-coordinator responsible for one slice of a larger task. Break the following step into an ordered JSON array of 2 to 3 finer steps. Respond with only the JSON array and nothing else.

Step: %s`

// expandForHierarchy implements the hierarchical architecture's "fans out
// to M sub-coordinators, each further decomposes" behavior: every subtask
// is replaced with a short chain of finer subtasks produced by its own
// decomposition call, scoped to the worker-pool partition it already hashes
// to. No-op for centralized and mesh sessions, or when there is only one
// partition to fan out to.
func (c *Coordinator) expandForHierarchy(ctx context.Context, graph *SubtaskGraph) {
	if c.session.Architecture != ArchHierarchical || c.partitions <= 1 {
		return
	}
	for _, r := range graph.All() {
		resp, err := c.provider.Chat(ctx, ChatRequest{
			Model: c.model,
			Messages: []ChatMessage{
				SystemMessage("You decompose a single step into an ordered JSON array of finer steps."),
				UserMessage(fmt.Sprintf(subDecompositionPromptTemplate, r.Text)),
			},
		})
		if err != nil {
			c.logger.Debug("colony: sub-decomposition call failed, keeping subtask atomic", "subtask_id", r.ID, "error", err)
			continue
		}

		raw := extractJSONArray(resp.Text)
		var steps []string
		if raw == "" || json.Unmarshal([]byte(raw), &steps) != nil || len(steps) < 2 {
			continue
		}

		children := make([]*SubtaskRecord, len(steps))
		for i, text := range steps {
			children[i] = &SubtaskRecord{
				ID:       r.ID + "." + strconv.Itoa(i),
				Text:     text,
				Role:     RoleOf(text),
				Priority: r.Priority,
			}
		}
		graph.ExpandSubtask(r.ID, children)
		c.logger.Debug("colony: sub-coordinator expanded subtask", "subtask_id", r.ID, "children", len(children))
	}
}

func (c *Coordinator) dispatchLoop(ctx context.Context) error {
	c.mu.Lock()
	c.fillReady(ctx)
	done := c.session.Graph.AllTerminal()
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for !done {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.inbox:
			if !ok {
				return newErr(ErrStorage, "coordinator inbox closed", nil)
			}
			c.mu.Lock()
			c.handleReply(msg)
			c.fillReady(ctx)
			done = c.session.Graph.AllTerminal()
			c.mu.Unlock()
		case <-ticker.C:
			if cancelled, err := c.checkCancelled(ctx); err == nil && cancelled {
				return newErr(ErrDependencyFailed, "session cancelled externally", nil)
			}
			c.mu.Lock()
			c.checkDeadlines()
			c.fillReady(ctx)
			done = c.session.Graph.AllTerminal()
			c.mu.Unlock()
		}
	}
	return nil
}

// checkCancelled reloads the session's status from the store and reports
// whether it has been sealed cancelled out from under this dispatch loop,
// e.g. by a separate "colonyctl sessions cancel" or "stop-agents"
// invocation sharing the same store.
func (c *Coordinator) checkCancelled(ctx context.Context) (bool, error) {
	stored, err := c.store.Get(ctx, c.session.ID)
	if err != nil {
		return false, err
	}
	return stored.Status == SessionCancelled, nil
}

// fillReady assigns every ready subtask a worker where one is available,
// preferring an idle worker whose role matches and, while any other idle
// worker in the partition exists, not the worker that most recently failed
// it.
func (c *Coordinator) fillReady(ctx context.Context) {
	for _, r := range c.session.Graph.Ready() {
		if notBefore, wait := c.retryNotBefore[r.ID]; wait && time.Now().Before(notBefore) {
			continue
		}
		w, ok := c.pickWorker(r)
		if !ok {
			continue
		}
		if err := c.dispatch(ctx, r, w); err != nil {
			c.logger.Warn("colony: dispatch send failed", "subtask_id", r.ID, "error", err)
			w.busy = false
			c.session.Graph.MarkReadyAgain(r.ID)
		}
	}
}

func (c *Coordinator) pickWorker(r *SubtaskRecord) (*workerState, bool) {
	// children spliced in by expandForHierarchy ("subtask-000.1") hash by
	// their parent's id, so they stay in the parent's partition
	key := r.ID
	if i := strings.IndexByte(key, '.'); i >= 0 {
		key = key[:i]
	}
	partition := partitionHash(key, c.partitions)
	avoid := c.lastAssignee[r.ID]

	var fallback *workerState
	for _, w := range c.workers {
		if w.busy || w.partition != partition || w.ID == avoid {
			continue
		}
		if r.Role != "" && w.Role == r.Role {
			return w, true
		}
		if fallback == nil {
			fallback = w
		}
	}
	if fallback != nil {
		return fallback, true
	}
	// no eligible worker excluding the one that just failed this subtask;
	// better to retry on the same worker than to stall indefinitely.
	for _, w := range c.workers {
		if !w.busy && w.partition == partition {
			return w, true
		}
	}
	return nil, false
}

func (c *Coordinator) dispatch(ctx context.Context, r *SubtaskRecord, w *workerState) error {
	deadline := r.Deadline
	if deadline == 0 && c.cfg.SubtaskTimeout > 0 {
		deadline = time.Now().Add(c.cfg.SubtaskTimeout).Unix()
	}

	c.session.Graph.MarkInFlight(r.ID, w.ID)
	w.busy = true

	if c.Observer != nil && r.Attempt == 0 {
		var done func(error)
		ctx, done = c.Observer.Observe(ctx, c.session.ID, r.ID)
		c.subtaskDone[r.ID] = done
	}

	msg := Message{
		SessionID:     c.session.ID,
		Sender:        c.id,
		Receiver:      w.ID,
		Type:          MsgSubtask,
		CorrelationID: NewCorrelationID(),
		Subtask: &SubtaskPayload{
			SubtaskID: r.ID,
			Text:      r.Text,
			Role:      r.Role,
			Deadline:  deadline,
			Attempt:   r.Attempt,
			Peers:     c.meshPeers(w),
		},
		CreatedAt: time.Now().Unix(),
	}
	r.Deadline = deadline
	return c.bus.Send(ctx, msg)
}

// meshPeers returns the other workers in w's partition when the session
// uses the mesh architecture, so the dispatched worker can share its result
// with them directly over the bus instead of only reporting to the
// coordinator.
func (c *Coordinator) meshPeers(w *workerState) []AgentID {
	if c.session.Architecture != ArchMesh {
		return nil
	}
	var peers []AgentID
	for _, other := range c.workers {
		if other.ID != w.ID && other.partition == w.partition {
			peers = append(peers, other.ID)
		}
	}
	return peers
}

func (c *Coordinator) handleReply(msg Message) {
	if msg.Subtask == nil {
		return
	}
	// a reply from a worker that no longer holds the subtask (it was
	// reassigned after that worker's death, or failed by deadline) is
	// stale: it neither frees that worker nor touches the current attempt
	if r, ok := c.session.Graph.Get(msg.Subtask.SubtaskID); !ok || r.State != SubtaskInFlight || r.AssignedTo != msg.Sender {
		return
	}
	switch msg.Type {
	case MsgResponse:
		c.freeWorker(msg.Sender)
		c.session.Graph.MarkDone(msg.Subtask.SubtaskID, msg.Text)
		delete(c.retryNotBefore, msg.Subtask.SubtaskID)
		delete(c.lastAssignee, msg.Subtask.SubtaskID)
		c.finishObserved(msg.Subtask.SubtaskID, nil)
	case MsgError:
		c.failOrRetry(msg.Sender, msg.Subtask.SubtaskID, msg.Text, "backend-error")
	}
}

// failOrRetry applies the retry policy: up to MaxRetries attempts with
// exponential backoff, preferring a different worker on the next attempt;
// once exhausted the subtask (and its dependents) are marked failed.
func (c *Coordinator) failOrRetry(failedWorker AgentID, taskID, errText, reason string) {
	r, ok := c.session.Graph.Get(taskID)
	if !ok {
		return
	}
	c.freeWorker(failedWorker)
	c.lastAssignee[taskID] = failedWorker
	r.Attempt++

	if r.Attempt >= c.cfg.MaxRetries {
		cascaded := c.session.Graph.MarkFailed(r.ID, errText, reason)
		if c.session.FirstFailure == "" {
			c.session.FirstFailure = r.ID
		}
		delete(c.retryNotBefore, taskID)
		c.finishObserved(taskID, newErr(ErrTransientBackend, errText, nil))
		c.logger.Warn("colony: subtask failed permanently", "subtask_id", r.ID, "reason", reason, "cascaded", cascaded)
		return
	}

	c.session.Graph.MarkReadyAgain(r.ID)
	c.retryNotBefore[taskID] = time.Now().Add(retryBackoff(c.cfg.RetryBaseDelay, r.Attempt-1))
	c.logger.Debug("colony: retrying subtask", "subtask_id", r.ID, "attempt", r.Attempt, "reason", reason)
}

// HandleWorkerDeath applies the retry policy to any subtask the terminated
// worker had in flight and removes it from future worker selection. Wire
// this to AgentManager.OnTransition for the StateTerminated transition.
func (c *Coordinator) HandleWorkerDeath(id AgentID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.session.Graph.All() {
		if r.AssignedTo == id && r.State == SubtaskInFlight {
			c.failOrRetry(id, r.ID, "assigned worker terminated", "worker-terminated")
		}
	}
	for _, w := range c.workers {
		if w.ID == id {
			w.busy = true // permanently excluded: never freed again
		}
	}
}

func (c *Coordinator) checkDeadlines() {
	now := time.Now().Unix()
	for _, r := range c.session.Graph.All() {
		if r.State == SubtaskInFlight && r.Deadline != 0 && now > r.Deadline {
			c.freeWorker(r.AssignedTo)
			c.session.Graph.MarkFailed(r.ID, "deadline exceeded", "timeout")
			if c.session.FirstFailure == "" {
				c.session.FirstFailure = r.ID
			}
			c.finishObserved(r.ID, newErr(ErrTimeout, "deadline exceeded", nil))
			c.logger.Warn("colony: subtask timed out", "subtask_id", r.ID)
		}
	}
}

// finishObserved fires and clears any span started by dispatch for taskID.
// Safe to call even when no Observer is wired or the task was never
// observed (e.g. retried without a fresh span).
func (c *Coordinator) finishObserved(taskID string, err error) {
	done, ok := c.subtaskDone[taskID]
	if !ok {
		return
	}
	delete(c.subtaskDone, taskID)
	done(err)
}

// Snapshot reports the coordinator's current fleet shape for the
// autoscaler: how many of its workers are busy versus idle, and how many
// subtasks are ready-but-unassigned, grouped by priority.
func (c *Coordinator) Snapshot() FleetSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := FleetSnapshot{PendingByPriority: make(map[int]int), ObservedAt: time.Now()}
	for _, w := range c.workers {
		snap.ActiveWorkers++
		if !w.busy {
			snap.IdleWorkers++
		}
	}
	for _, r := range c.session.Graph.Ready() {
		snap.PendingByPriority[r.Priority]++
	}
	return snap
}

func (c *Coordinator) freeWorker(id AgentID) {
	for _, w := range c.workers {
		if w.ID == id {
			w.busy = false
			return
		}
	}
}

// synthesize concatenates completed subtask results in id order with role
// annotations and asks the backend for a final synthesis. Skipped when the
// session decomposed to a single subtask.
func (c *Coordinator) synthesize(ctx context.Context) (string, error) {
	c.mu.Lock()
	all := c.session.Graph.All()
	c.mu.Unlock()

	if len(all) == 1 {
		return all[0].Result, nil
	}

	var b strings.Builder
	for _, r := range all {
		if r.State != SubtaskDone {
			continue
		}
		fmt.Fprintf(&b, "[%s] (%s):\n%s\n\n", r.ID, r.Role, r.Result)
	}

	resp, err := c.provider.Chat(ctx, ChatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			SystemMessage("Synthesize the following subtask results into one coherent final answer for the original task."),
			UserMessage("Original task: " + c.session.Task + "\n\n" + b.String()),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
