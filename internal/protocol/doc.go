// Package protocol defines the wire format shared by clients, agents, and the relay.
//
// # Overview
//
// Every WebSocket frame carries one JSON Envelope:
//
//	{
//	  "id": "a2f1...",            // UUID, unique per message
//	  "type": "client:execute",   // vocabulary below
//	  "payload": { ... },         // type-specific object
//	  "timestamp": 1735689600000  // producer clock, Unix millis
//	}
//
// # Type Vocabulary
//
// Types are namespaced by producer:
//
//   - client:* - sent by browser clients (auth, execute, abort, file, terminal, git)
//   - agent:*  - sent by agent daemons (auth, stream, response, aborted, results)
//   - server:* - sent by the relay in either direction
//
// The relay translates between the client and agent vocabularies; neither
// side ever sees the other's raw types.
//
// # Envelope Helpers
//
// New mints an envelope with a fresh UUID and current timestamp. Reply keeps
// the correlated request ID. Retype re-addresses an envelope under a new type
// without touching its ID, payload, or timestamp, which is how the relay
// forwards messages while preserving producer identity.
//
// # Ordering
//
// Streaming payloads carry a per-session sequence number assigned by the
// producing agent at emission; relays forward it unchanged. Sequenced reports
// which types carry one and WithSeq stamps an envelope's payload. OrderFeed
// reconstructs producer order from a shuffled feed, falling back to
// timestamps for events that were never numbered.
package protocol
