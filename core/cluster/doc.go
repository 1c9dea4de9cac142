// Package cluster provides the task framework that lets any node operate on
// objects living on another node: envelopes, the transport boundary to the
// clustering substrate, and the per-node task dispatch table.
//
// # Architecture
//
//   - [Envelope]: one encoded task on the wire (sender, kind, payload)
//   - [Dispatcher]: caller side. Encodes payloads, picks fire-and-forget
//     ([Dispatcher.Notify], [Dispatcher.Broadcast]) or synchronous
//     ([Dispatcher.Call]) dispatch, records metrics.
//   - [Node]: executor side. Routes inbound envelopes to the handler
//     registered for their kind.
//   - [Transport]: the substrate boundary. Node identity, ordered one-way
//     delivery, request/reply with timeout, broadcast and membership events.
//
// # Delivery semantics
//
// Fire-and-forget envelopes from one sender to one target are delivered in
// send order; nothing is guaranteed across targets or across senders. A task
// is executed at most once per transmission and never retried by this layer:
// retry policy belongs to the caller because task side effects are not
// guaranteed idempotent. Synchronous calls are bounded by a timeout and fail
// with [ErrClusterTimeout]; the caller must not assume the remote side did or
// did not execute the task.
//
// # Transports
//
// [MemoryHub] wires any number of in-process nodes together for tests. The
// adapters/nats package provides the production transport.
package cluster
