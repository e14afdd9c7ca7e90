// Package loom is an agent-workflow runtime. It executes user-authored
// directed graphs whose nodes represent LLM calls, prompt templates, tools,
// conditional routing, webhooks, and sub-agents, while streaming execution
// events to live subscribers and persisting a branchable conversation tree.
//
// The core pieces:
//
//   - Graph + Normalize: the persisted node/edge model with dual-channel
//     edges (flow vs. link) and save/load validation.
//   - Runtime: a per-run kernel that indexes edges, lazily materializes
//     link artifacts with memoization and cycle detection.
//   - Flow: a topological scheduler over the flow subgraph with dead-branch
//     pruning, implicit value coercion, and per-node error policies.
//   - Broadcaster: per-chat pub/sub with a bounded replay buffer so
//     reconnecting clients catch up without losing terminal events.
//   - RunControl: cancellation handles, tool-approval waiters, and
//     late-binding of provider-issued run ids.
//   - Orchestrator: the start / retry / edit / continue conversation
//     use-cases on top of the branching message DAG.
//
// Node behavior lives in the nodes subpackage; storage backends in
// store/sqlite and store/postgres; the HTTP surface (webhooks, node routes,
// SSE subscriptions) in server; blob and workspace handling in blob.
package loom
