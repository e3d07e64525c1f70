// ABOUTME: Tests for the connection registry.
// ABOUTME: Covers agent supersession, per-user fanout, and idempotent removal.

package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

type fakeSocket struct {
	mu     sync.Mutex
	sent   []*protocol.Envelope
	closed bool
	code   websocket.StatusCode
}

func (f *fakeSocket) Send(_ context.Context, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSocket) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeSocket) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Type
	}
	return out
}

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterAgentSupersedesPrevious(t *testing.T) {
	r := newTestRegistry()
	first := &fakeSocket{}
	second := &fakeSocket{}

	require.Nil(t, r.RegisterAgent(first, "agent-1", "user-1"))
	superseded := r.RegisterAgent(second, "agent-1", "user-1")

	require.Equal(t, Socket(first), superseded)
	assert.Equal(t, Socket(second), r.AgentSocket("agent-1"))

	// Unregistering the stale socket must not evict the live one.
	_, _, wasAgent := r.Unregister(first)
	assert.False(t, wasAgent)
	assert.True(t, r.IsAgentOnline("agent-1"))
}

func TestUnregisterAgentClearsPresence(t *testing.T) {
	r := newTestRegistry()
	s := &fakeSocket{}
	r.RegisterAgent(s, "agent-1", "user-1")

	agentID, userID, wasAgent := r.Unregister(s)
	assert.True(t, wasAgent)
	assert.Equal(t, "agent-1", agentID)
	assert.Equal(t, "user-1", userID)
	assert.False(t, r.IsAgentOnline("agent-1"))

	// Second removal is a no-op.
	_, _, again := r.Unregister(s)
	assert.False(t, again)
}

func TestSendToUserReachesEveryClient(t *testing.T) {
	r := newTestRegistry()
	tab1 := &fakeSocket{}
	tab2 := &fakeSocket{}
	other := &fakeSocket{}
	r.RegisterClient(tab1, "user-1")
	r.RegisterClient(tab2, "user-1")
	r.RegisterClient(other, "user-2")

	r.SendToUser(context.Background(), "user-1", protocol.New(protocol.ServerStream, protocol.StreamPayload{SessionID: "s1", Seq: 1}))

	assert.Equal(t, []string{protocol.ServerStream}, tab1.sentTypes())
	assert.Equal(t, []string{protocol.ServerStream}, tab2.sentTypes())
	assert.Empty(t, other.sentTypes())
}

func TestSendToAgentReportsOffline(t *testing.T) {
	r := newTestRegistry()

	online, err := r.SendToAgent(context.Background(), "ghost", protocol.New(protocol.ServerAbort, protocol.ServerAbortPayload{}))
	require.NoError(t, err)
	assert.False(t, online)

	s := &fakeSocket{}
	r.RegisterAgent(s, "agent-1", "user-1")
	online, err = r.SendToAgent(context.Background(), "agent-1", protocol.New(protocol.ServerAbort, protocol.ServerAbortPayload{SessionID: "s1"}))
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, []string{protocol.ServerAbort}, s.sentTypes())
}

func TestAgentOwner(t *testing.T) {
	r := newTestRegistry()
	s := &fakeSocket{}
	r.RegisterAgent(s, "agent-1", "user-7")

	owner, ok := r.AgentOwner("agent-1")
	require.True(t, ok)
	assert.Equal(t, "user-7", owner)

	_, ok = r.AgentOwner("missing")
	assert.False(t, ok)
}

func TestCounts(t *testing.T) {
	r := newTestRegistry()
	r.RegisterClient(&fakeSocket{}, "u1")
	r.RegisterClient(&fakeSocket{}, "u1")
	r.RegisterAgent(&fakeSocket{}, "a1", "u1")

	clients, agents := r.Counts()
	assert.Equal(t, 2, clients)
	assert.Equal(t, 1, agents)
}
