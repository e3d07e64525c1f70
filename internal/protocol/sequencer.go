// ABOUTME: Per-session monotonic sequence counter for stream events.
// ABOUTME: The producer stamps seq at emission; relays forward it unchanged.

package protocol

import (
	"encoding/json"
	"sync"
)

// Sequencer hands out strictly increasing sequence numbers per
// session, starting at 1. Counters for distinct sessions are
// independent. The producer of a stream owns its sequencer; anything
// between producer and receiver must never re-number.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint64)}
}

func (q *Sequencer) Next(sessionID string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next[sessionID]++
	return q.next[sessionID]
}

func (q *Sequencer) Forget(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.next, sessionID)
}

// Sequenced reports whether events of this type carry a
// producer-assigned session sequence number.
func Sequenced(msgType string) bool {
	switch msgType {
	case AgentThinking, AgentStream, AgentToolCall, AgentToolResult, AgentInputRequired:
		return true
	}
	return false
}

// WithSeq returns a copy of env whose payload carries the given
// sequence number. The original envelope is left untouched.
func WithSeq(env *Envelope, seq uint64) *Envelope {
	var fields map[string]any
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return env
	}
	fields["seq"] = seq
	payload, err := json.Marshal(fields)
	if err != nil {
		return env
	}
	out := *env
	out.Payload = payload
	return &out
}
