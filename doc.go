// Package meshline is a peer-to-peer message mesh. Processes host a
// `Node` which declares named *input* and *output* channels, and nodes
// exchange data messages directly over TCP.
//
// ## How it works
//
// A single `DiscoveryServer` acts as rendezvous point. Every node keeps a
// connection open to it and walks a small handshake:
//
//	Connect -> Register -> GetInputChannels -> GetOutputChannels -> ...
//
// While registering its inputs, a node learns which nodes produce them;
// while registering its outputs, it learns which nodes consume them. The
// handshake then loops so the node keeps learning about new peers. A node
// dropping its discovery connection is forgotten by the server.
//
// The data-plane never goes through the server: when a `Proxy` publishes
// on an output channel, the `Router` of its node lazily dials every
// consumer and sends them a length-prefixed `wire.DataMessage`. Dead
// connections are swept periodically, and their peers are not dialed
// again until discovery reports them anew.
//
// ## Delivery
//
// Delivery is best-effort and at-most-once: nothing is acknowledged,
// retried or persisted. A message published while no consumer is known
// is dropped, and the drop is logged and counted. Messages of one
// connection are delivered in order, nothing is guaranteed across
// connections.
//
// Peers are not authenticated. Any node able to connect may deliver to
// any declared input, so a mesh must run on a trusted network.
//
// ## Observability
//
// Every component logs through `log/slog` and emits metrics through
// [`hashicorp/go-metrics`][dep-met], so any sink can be plugged in with
// `WithMetricSink`.
//
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package meshline
