// Package session implements the runtime session kernel: constructing a
// session from a mount plan, running its orchestrator to completion,
// spawning and resuming child sessions, and persisting transcripts and
// metadata to disk.
//
// # Core Components
//
//   - AmplifierSession: lazily-initialized session wrapping a Coordinator,
//     a module Loader, and an orchestrator, with turn counting and
//     cancellation-aware status transitions.
//   - Spawner: implements self- and named-agent delegation (Spawn) and
//     session reconstruction from persisted state (Resume).
//   - Store: atomic transcript/metadata persistence with write-with-backup
//     semantics, sessions addressed by ID under a per-project directory.
//
// The teacher's original session-management types (Service, Processor,
// Agent, Tools, Storage, the agentic message-processing loop) remain in
// this package as reference material pending adaptation in later passes;
// none of their exported names collide with the types above.
package session
