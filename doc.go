// Package colony is a multi-agent orchestration runtime.
//
// A user task is decomposed into a dependency graph of subtasks by a
// Coordinator, dispatched to role-specialized Worker Runtimes over an
// in-process Dispatch Bus, and durably recorded in a Message Log. A GPU
// Monitor and an Autoscaler grow or shrink the worker fleet under an Agent
// Manager as GPU memory and queue pressure change.
//
// # Core interfaces
//
//   - [Provider] — the LLM backend (chat, one blocking call per message)
//   - [MessageLog] — durable, ordered, append-only record of inter-agent messages
//   - [DispatchBus] — in-process routing from agent id to inbox
//   - [SessionStore] — durable session/subtask/agent state with optimistic concurrency
//   - [GPUMonitor] — vendor-neutral GPU memory/utilization snapshots
//
// # Included implementations
//
// Storage: store/sqlite (default, embedded), store/postgres (durable,
// multi-process). Backend: provider/ollama. Config: config. Telemetry:
// telemetry. See cmd/colonyctl for the CLI control plane.
package colony
