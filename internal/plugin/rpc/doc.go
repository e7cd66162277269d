// Package rpc implements the message-passing boundary between the host and
// the isolated plugin runtime.
//
// The two sides share no memory. Every value that crosses the boundary is
// CBOR-encoded into a Frame and decoded on the other side, so only
// structurally clonable values (maps, slices, strings, numbers, booleans and
// structs of those) can travel. Functions never cross: a local function is
// registered with Peer.Proxy and the remote side receives an opaque
// HandleRef it can invoke through a RemoteCallback.
//
// # Peers
//
// A Peer wraps an Endpoint and provides:
//
//   - Expose: makes a set of named methods callable from the remote side
//   - Call: request/response calls correlated by sequence number
//   - Notify: one-way messages
//   - Proxy: remote-callable callback handles with explicit Release
//
// Every call is asynchronous from the remote side's point of view: inbound
// calls are dispatched on their own goroutine, and a panic or error in a
// handler is serialized as a RemoteError and re-raised at the call site.
//
// Both peers send a hello frame when they start serving. Calls issued before
// the remote hello arrives fail fast with ErrNotInitialized.
//
// # Endpoints
//
// Pipe returns two connected in-memory endpoints for running the runtime in
// the same process. NewWebSocketEndpoint adapts a gorilla/websocket
// connection so the runtime can live in a separate process.
package rpc
