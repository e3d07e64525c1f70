// Package session tracks conversation state between clients and agents.
//
// # Overview
//
// A session is one conversation thread with an agent. Clients may start a
// conversation before the relay has assigned a durable ID, so the manager
// keeps an alias table from client-chosen provisional IDs to the durable
// UUIDs minted at creation. Resolve accepts either form; every announcement
// after the initial remap uses the durable ID only.
//
// # Lifecycle
//
//	provisioning -> idle -> executing -> idle        (successful turn)
//	                        executing -> aborted     (client abort)
//	                        executing -> errored     (agent failure)
//
// Abort only transitions a session that is currently executing, and repeated
// aborts are no-ops, but callers still forward the abort downstream so the
// agent can answer every request it saw.
//
// # Streaming Messages
//
// While a session executes, the first stream event of the turn pins its
// streaming message ID; later events append to it. The ID clears when the
// turn completes or aborts, and a tolerated overlapping execute starts a
// fresh one. Failures that name no session are settled through the pending
// request mapping kept per execute.
package session
