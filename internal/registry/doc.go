// Package registry tracks live WebSocket connections.
//
// A Registry maps authenticated sockets to their roles: agents are indexed
// by agent ID (one live socket per ID, last writer wins), clients by user ID
// (many tabs per user). Lookups answer the two routing questions the relay
// asks constantly: which socket owns this agent, and which sockets should a
// fanout to this user reach.
//
// All methods are safe for concurrent use. Unregister is idempotent and a
// superseded agent socket cannot evict its replacement.
package registry
