// Package store provides persistence for agents, sessions, and messages.
//
// # Overview
//
// The Store interface abstracts persistence; SQLiteStore is the only
// implementation, using modernc.org/sqlite (pure Go, no cgo) with WAL mode
// and foreign keys enabled.
//
// # Schema
//
// Three tables:
//
//   - agents: registered agent identities. Holds the bcrypt hash of the
//     connection secret, online flag, last-seen time, and the JSON system
//     info reported at handshake.
//   - sessions: conversation threads, owned by (agent, user). Stores the
//     assistant-side session ID so a resumed conversation keeps its context.
//   - messages: the transcript, role user or assistant, ordered by insert.
//
// Deleting an agent cascades to its sessions and their messages.
//
// # Errors
//
// Lookups return ErrNotFound for missing rows. CreateAgent returns
// ErrDuplicateAgent when the (user_id, name) pair already exists.
package store
