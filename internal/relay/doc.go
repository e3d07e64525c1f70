// Package relay implements the WebSocket relay server.
//
// # Overview
//
// The relay is the rendezvous point between browser clients and agent
// daemons. Both sides dial the same endpoint; a query parameter picks the
// role:
//
//   - GET /ws            - client connection (default)
//   - GET /ws?type=agent - agent connection
//   - GET /healthz       - liveness check
//   - GET /readyz        - readiness check with connection counts
//
// # Connection Lifecycle
//
// Every socket gets an auth deadline at accept. A connection that has not
// completed its auth handshake when the deadline fires is closed with code
// 4001; a failed handshake closes with 4002. When an agent ID reconnects,
// the previous socket is closed with 4003 and the new one takes over.
//
// # Routing
//
// The Router owns all message semantics. Client requests are validated,
// rewritten into the server vocabulary, and delivered to the owning agent's
// socket. Agent events flow back through the router, which remaps
// provisional session IDs and fans the result out to every connected tab of
// the owning user. Forwarded envelopes keep the producer's ID, timestamp,
// and sequence numbers; ordering is the agent's to assign.
//
// # Writes
//
// Each connection has a single writer goroutine fed by a buffered channel.
// Send never blocks the router; a full buffer drops the frame and the slow
// consumer catches up or times out on ping.
package relay
