// ABOUTME: Unit tests for the relay router using in-memory sockets.
// ABOUTME: Covers auth gating, session minting, and forwarding between halves.

package relay

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/crosswire/internal/auth"
	"github.com/tidewater-labs/crosswire/internal/protocol"
	"github.com/tidewater-labs/crosswire/internal/registry"
	"github.com/tidewater-labs/crosswire/internal/session"
	"github.com/tidewater-labs/crosswire/internal/store"
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

func (f *fakeSocket) envelopes(msgType string) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range f.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSocket) lastOf(t *testing.T, msgType string) *protocol.Envelope {
	t.Helper()
	envs := f.envelopes(msgType)
	require.NotEmpty(t, envs, "no %s envelope sent", msgType)
	return envs[len(envs)-1]
}

// fixture wires a router against a real SQLite store with one user,
// one registered agent, and a valid client token.
type fixture struct {
	router   *Router
	reg      *registry.Registry
	sessions *session.Manager
	store    store.Store
	verifier *auth.JWTVerifier
	token    string
	agentKey string
}

const (
	testUserID  = "user-1"
	testAgentID = "agent-1"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	secret, hash, err := auth.GenerateAgentSecret()
	require.NoError(t, err)
	require.NoError(t, st.CreateAgent(context.Background(), &store.Agent{
		ID:         testAgentID,
		UserID:     testUserID,
		Name:       "workstation",
		SecretHash: hash,
	}))

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate(testUserID, time.Hour)
	require.NoError(t, err)

	reg := registry.New(logger)
	sessions := session.NewManager(logger)

	return &fixture{
		router:   NewRouter(reg, sessions, st, verifier, logger),
		reg:      reg,
		sessions: sessions,
		store:    st,
		verifier: verifier,
		token:    token,
		agentKey: auth.FormatAgentKey(testAgentID, secret),
	}
}

func (fx *fixture) authClient(t *testing.T) (*fakeSocket, *connState) {
	t.Helper()
	sock := &fakeSocket{}
	st := &connState{role: RoleClient}
	err := fx.router.Handle(context.Background(), sock, st,
		protocol.New(protocol.ClientAuth, protocol.ClientAuthPayload{Token: fx.token}))
	require.NoError(t, err)
	require.True(t, st.authed)
	return sock, st
}

// authClientAs authenticates a client socket for an arbitrary user.
func (fx *fixture) authClientAs(t *testing.T, userID string) (*fakeSocket, *connState) {
	t.Helper()
	token, err := fx.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	sock := &fakeSocket{}
	st := &connState{role: RoleClient}
	err = fx.router.Handle(context.Background(), sock, st,
		protocol.New(protocol.ClientAuth, protocol.ClientAuthPayload{Token: token}))
	require.NoError(t, err)
	require.True(t, st.authed)
	return sock, st
}

func (fx *fixture) authAgent(t *testing.T) (*fakeSocket, *connState) {
	t.Helper()
	sock := &fakeSocket{}
	st := &connState{role: RoleAgent}
	err := fx.router.Handle(context.Background(), sock, st,
		protocol.New(protocol.AgentAuth, protocol.AgentAuthPayload{SecretKey: fx.agentKey}))
	require.NoError(t, err)
	require.True(t, st.authed)
	return sock, st
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	fx := newFixture(t)
	sock := &fakeSocket{}
	st := &connState{role: RoleClient}

	err := fx.router.Handle(context.Background(), sock, st,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{AgentID: testAgentID, Prompt: "hi"}))
	require.NoError(t, err)

	errEnv := sock.lastOf(t, protocol.ServerError)
	var p protocol.ErrorPayload
	require.NoError(t, errEnv.Decode(&p))
	assert.Equal(t, protocol.CodeAuthRequired, p.Code)
	assert.False(t, st.authed)
}

func TestClientAuthInvalidTokenCloses(t *testing.T) {
	fx := newFixture(t)
	sock := &fakeSocket{}
	st := &connState{role: RoleClient}

	err := fx.router.Handle(context.Background(), sock, st,
		protocol.New(protocol.ClientAuth, protocol.ClientAuthPayload{Token: "garbage"}))

	var ce *closeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CloseAuthFailure, ce.code)

	result := sock.lastOf(t, protocol.ServerAuthResult)
	var p protocol.AuthResultPayload
	require.NoError(t, result.Decode(&p))
	assert.False(t, p.Success)
}

func TestClientAuthSuccessPushesRoster(t *testing.T) {
	fx := newFixture(t)
	sock, st := fx.authClient(t)

	result := sock.lastOf(t, protocol.ServerAuthResult)
	var p protocol.AuthResultPayload
	require.NoError(t, result.Decode(&p))
	assert.True(t, p.Success)
	assert.Equal(t, testUserID, p.UserID)
	assert.Equal(t, testUserID, st.userID)

	roster := sock.lastOf(t, protocol.ServerAgentList)
	var list protocol.AgentListPayload
	require.NoError(t, roster.Decode(&list))
	require.Len(t, list.Agents, 1)
	assert.Equal(t, testAgentID, list.Agents[0].ID)
	assert.False(t, list.Agents[0].IsOnline)
}

func TestAgentAuthSupersedesOlderConnection(t *testing.T) {
	fx := newFixture(t)
	first, _ := fx.authAgent(t)
	_, _ = fx.authAgent(t)

	first.mu.Lock()
	defer first.mu.Unlock()
	assert.True(t, first.closed)
	assert.Equal(t, websocket.StatusCode(protocol.CloseSuperseded), first.code)
}

func TestAgentAuthBadKeyCloses(t *testing.T) {
	fx := newFixture(t)
	sock := &fakeSocket{}
	st := &connState{role: RoleAgent}

	err := fx.router.Handle(context.Background(), sock, st,
		protocol.New(protocol.AgentAuth, protocol.AgentAuthPayload{SecretKey: testAgentID + ".wrong"}))

	var ce *closeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CloseAuthFailure, ce.code)
	assert.False(t, fx.reg.IsAgentOnline(testAgentID))
}

func TestExecuteOfflineAgent(t *testing.T) {
	fx := newFixture(t)
	client, clientSt := fx.authClient(t)

	req := protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
		AgentID: testAgentID,
		Prompt:  "do things",
	})
	require.NoError(t, fx.router.Handle(context.Background(), client, clientSt, req))

	errEnv := client.lastOf(t, protocol.ServerError)
	var p protocol.ErrorPayload
	require.NoError(t, errEnv.Decode(&p))
	assert.Equal(t, protocol.CodeAgentOffline, p.Code)
	assert.Equal(t, req.ID, errEnv.ID)
}

func TestExecuteMintsDurableSessionOnce(t *testing.T) {
	fx := newFixture(t)
	agent, _ := fx.authAgent(t)
	client, clientSt := fx.authClient(t)
	ctx := context.Background()

	req := protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
		AgentID:   testAgentID,
		SessionID: "prov-abc",
		Prompt:    "write docs",
	})
	require.NoError(t, fx.router.Handle(ctx, client, clientSt, req))

	created := client.envelopes(protocol.ServerSessionCreated)
	require.Len(t, created, 1)
	var cp protocol.SessionCreatedPayload
	require.NoError(t, created[0].Decode(&cp))
	assert.Equal(t, "prov-abc", cp.ProvisionalID)
	require.NotEmpty(t, cp.SessionID)
	assert.NotEqual(t, "prov-abc", cp.SessionID)

	exec := agent.lastOf(t, protocol.ServerExecute)
	var ep protocol.ServerExecutePayload
	require.NoError(t, exec.Decode(&ep))
	assert.Equal(t, cp.SessionID, ep.SessionID)
	assert.Equal(t, req.ID, ep.RequestID)

	// Durable record persisted.
	stored, err := fx.store.GetSession(ctx, cp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, testAgentID, stored.AgentID)

	// A second execute against the provisional id reuses the session
	// and announces nothing.
	req2 := protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
		AgentID:   testAgentID,
		SessionID: "prov-abc",
		Prompt:    "more docs",
	})
	require.NoError(t, fx.router.Handle(ctx, client, clientSt, req2))
	assert.Len(t, client.envelopes(protocol.ServerSessionCreated), 1)

	execs := agent.envelopes(protocol.ServerExecute)
	require.Len(t, execs, 2)
	var ep2 protocol.ServerExecutePayload
	require.NoError(t, execs[1].Decode(&ep2))
	assert.Equal(t, cp.SessionID, ep2.SessionID)
}

func TestStreamSeqForwardedUnchanged(t *testing.T) {
	fx := newFixture(t)
	agent, agentSt := fx.authAgent(t)
	client, clientSt := fx.authClient(t)
	ctx := context.Background()

	require.NoError(t, fx.router.Handle(ctx, client, clientSt,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
			AgentID:   testAgentID,
			SessionID: "prov-1",
			Prompt:    "stream to me",
		})))
	exec := agent.lastOf(t, protocol.ServerExecute)
	var ep protocol.ServerExecutePayload
	require.NoError(t, exec.Decode(&ep))

	// The agent numbers its own stream. Whatever it says, goes: a
	// relay that re-numbered would break ordering across reconnects.
	for i, content := range []string{"a", "b", "c"} {
		require.NoError(t, fx.router.Handle(ctx, agent, agentSt,
			protocol.New(protocol.AgentStream, protocol.StreamPayload{
				RequestID: ep.RequestID,
				SessionID: ep.SessionID,
				Seq:       uint64(42 + i),
				Content:   content,
				IsPartial: true,
			})))
	}

	streams := client.envelopes(protocol.ServerStream)
	require.Len(t, streams, 3)
	for i, env := range streams {
		var sp protocol.StreamPayload
		require.NoError(t, env.Decode(&sp))
		assert.Equal(t, uint64(42+i), sp.Seq)
		assert.Equal(t, ep.SessionID, sp.SessionID)
	}

	// Stream traffic also pins the streaming message for the session.
	sess, ok := fx.sessions.Resolve(ep.SessionID)
	require.True(t, ok)
	assert.Equal(t, streams[0].ID, sess.StreamingMessageID)
}

func TestStreamFanoutReachesEveryTab(t *testing.T) {
	fx := newFixture(t)
	agent, agentSt := fx.authAgent(t)
	tab1, tab1St := fx.authClient(t)
	tab2, _ := fx.authClient(t)
	ctx := context.Background()

	require.NoError(t, fx.router.Handle(ctx, tab1, tab1St,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
			AgentID: testAgentID,
			Prompt:  "hello",
		})))
	exec := agent.lastOf(t, protocol.ServerExecute)
	var ep protocol.ServerExecutePayload
	require.NoError(t, exec.Decode(&ep))

	require.NoError(t, fx.router.Handle(ctx, agent, agentSt,
		protocol.New(protocol.AgentStream, protocol.StreamPayload{
			SessionID: ep.SessionID,
			Content:   "chunk",
			IsPartial: true,
		})))

	assert.Len(t, tab1.envelopes(protocol.ServerStream), 1)
	assert.Len(t, tab2.envelopes(protocol.ServerStream), 1)
}

func TestAbortForwardedEveryTime(t *testing.T) {
	fx := newFixture(t)
	agent, _ := fx.authAgent(t)
	client, clientSt := fx.authClient(t)
	ctx := context.Background()

	require.NoError(t, fx.router.Handle(ctx, client, clientSt,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
			AgentID:   testAgentID,
			SessionID: "prov-1",
			Prompt:    "long job",
		})))

	// Two aborts from an impatient user: both are forwarded, addressed
	// by durable id even though the client used the provisional one.
	for i := 0; i < 2; i++ {
		require.NoError(t, fx.router.Handle(ctx, client, clientSt,
			protocol.New(protocol.ClientAbort, protocol.AbortPayload{
				AgentID:   testAgentID,
				SessionID: "prov-1",
			})))
	}

	aborts := agent.envelopes(protocol.ServerAbort)
	require.Len(t, aborts, 2)
	var ap protocol.ServerAbortPayload
	require.NoError(t, aborts[0].Decode(&ap))
	assert.NotEqual(t, "prov-1", ap.SessionID)

	sess, ok := fx.sessions.Resolve("prov-1")
	require.True(t, ok)
	assert.Equal(t, session.StateAborted, sess.State)
}

func TestAgentResponsePersistsAndCompletes(t *testing.T) {
	fx := newFixture(t)
	agent, agentSt := fx.authAgent(t)
	client, clientSt := fx.authClient(t)
	ctx := context.Background()

	require.NoError(t, fx.router.Handle(ctx, client, clientSt,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
			AgentID: testAgentID,
			Prompt:  "summarize",
		})))
	exec := agent.lastOf(t, protocol.ServerExecute)
	var ep protocol.ServerExecutePayload
	require.NoError(t, exec.Decode(&ep))

	require.NoError(t, fx.router.Handle(ctx, agent, agentSt,
		protocol.New(protocol.AgentResponse, protocol.ResponsePayload{
			RequestID: ep.RequestID,
			Success:   true,
			Data: &protocol.ResponseData{
				SessionID:          ep.SessionID,
				AssistantSessionID: "backend-xyz",
				Content:            "done",
			},
		})))

	complete := client.lastOf(t, protocol.ServerComplete)
	assert.Equal(t, ep.RequestID, complete.ID)
	var cp protocol.CompletePayload
	require.NoError(t, complete.Decode(&cp))
	assert.Equal(t, "done", cp.Content)

	stored, err := fx.store.GetSession(ctx, ep.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "backend-xyz", stored.AssistantSessionID)

	msgs, err := fx.store.ListMessages(ctx, ep.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)

	sess, ok := fx.sessions.Resolve(ep.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StateIdle, sess.State)
}

func TestAgentFailureSettlesSession(t *testing.T) {
	fx := newFixture(t)
	agent, agentSt := fx.authAgent(t)
	client, clientSt := fx.authClient(t)
	ctx := context.Background()

	require.NoError(t, fx.router.Handle(ctx, client, clientSt,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
			AgentID: testAgentID,
			Prompt:  "doomed",
		})))
	exec := agent.lastOf(t, protocol.ServerExecute)
	var ep protocol.ServerExecutePayload
	require.NoError(t, exec.Decode(&ep))

	// Some failures carry no data at all. The request ID is enough to
	// find and settle the session.
	require.NoError(t, fx.router.Handle(ctx, agent, agentSt,
		protocol.New(protocol.AgentResponse, protocol.ResponsePayload{
			RequestID: ep.RequestID,
			Success:   false,
			Error:     "assistant crashed",
		})))

	errEnv := client.lastOf(t, protocol.ServerError)
	assert.Equal(t, ep.RequestID, errEnv.ID)
	var p protocol.ErrorPayload
	require.NoError(t, errEnv.Decode(&p))
	assert.Equal(t, protocol.CodeInternalError, p.Code)
	assert.Equal(t, "assistant crashed", p.Message)
	assert.Equal(t, ep.SessionID, p.Details)

	sess, ok := fx.sessions.Resolve(ep.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StateErrored, sess.State)
}

func TestAbortCrossUserRejected(t *testing.T) {
	fx := newFixture(t)
	agent, _ := fx.authAgent(t)
	owner, ownerSt := fx.authClient(t)
	intruder, intruderSt := fx.authClientAs(t, "user-2")
	ctx := context.Background()

	require.NoError(t, fx.router.Handle(ctx, owner, ownerSt,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
			AgentID:   testAgentID,
			SessionID: "prov-1",
			Prompt:    "long job",
		})))
	execs := len(agent.envelopes(protocol.ServerExecute))
	require.Equal(t, 1, execs)

	require.NoError(t, fx.router.Handle(ctx, intruder, intruderSt,
		protocol.New(protocol.ClientAbort, protocol.AbortPayload{
			AgentID:   testAgentID,
			SessionID: "prov-1",
		})))

	errEnv := intruder.lastOf(t, protocol.ServerError)
	var p protocol.ErrorPayload
	require.NoError(t, errEnv.Decode(&p))
	assert.Equal(t, protocol.CodeInvalidInput, p.Code)

	// Nothing reached the agent and the session kept running.
	assert.Empty(t, agent.envelopes(protocol.ServerAbort))
	sess, ok := fx.sessions.Resolve("prov-1")
	require.True(t, ok)
	assert.Equal(t, session.StateExecuting, sess.State)

	// An unknown session doesn't open a side door to someone else's
	// agent either.
	require.NoError(t, fx.router.Handle(ctx, intruder, intruderSt,
		protocol.New(protocol.ClientAbort, protocol.AbortPayload{
			AgentID:   testAgentID,
			SessionID: "never-seen",
		})))
	assert.Empty(t, agent.envelopes(protocol.ServerAbort))
}

func TestInputResponseCrossUserRejected(t *testing.T) {
	fx := newFixture(t)
	agent, _ := fx.authAgent(t)
	owner, ownerSt := fx.authClient(t)
	intruder, intruderSt := fx.authClientAs(t, "user-2")
	ctx := context.Background()

	require.NoError(t, fx.router.Handle(ctx, owner, ownerSt,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
			AgentID:   testAgentID,
			SessionID: "prov-1",
			Prompt:    "ask me things",
		})))

	require.NoError(t, fx.router.Handle(ctx, intruder, intruderSt,
		protocol.New(protocol.ClientInputResponse, protocol.InputResponsePayload{
			RequestID: "input-1",
			SessionID: "prov-1",
			Answers:   []byte(`{"allow":true}`),
		})))

	errEnv := intruder.lastOf(t, protocol.ServerError)
	var p protocol.ErrorPayload
	require.NoError(t, errEnv.Decode(&p))
	assert.Equal(t, protocol.CodeInvalidInput, p.Code)
	assert.Empty(t, agent.envelopes(protocol.ServerInputResponse))

	// The owner's answer still goes through.
	require.NoError(t, fx.router.Handle(ctx, owner, ownerSt,
		protocol.New(protocol.ClientInputResponse, protocol.InputResponsePayload{
			RequestID: "input-1",
			SessionID: "prov-1",
			Answers:   []byte(`{"allow":true}`),
		})))
	assert.Len(t, agent.envelopes(protocol.ServerInputResponse), 1)
}

func TestAgentAbortedReachesClient(t *testing.T) {
	fx := newFixture(t)
	agent, agentSt := fx.authAgent(t)
	client, clientSt := fx.authClient(t)
	ctx := context.Background()

	require.NoError(t, fx.router.Handle(ctx, client, clientSt,
		protocol.New(protocol.ClientExecute, protocol.ExecutePayload{
			AgentID: testAgentID,
			Prompt:  "job",
		})))
	exec := agent.lastOf(t, protocol.ServerExecute)
	var ep protocol.ServerExecutePayload
	require.NoError(t, exec.Decode(&ep))

	require.NoError(t, fx.router.Handle(ctx, agent, agentSt,
		protocol.New(protocol.AgentAborted, protocol.AbortedPayload{
			RequestID: ep.RequestID,
			SessionID: ep.SessionID,
			Success:   true,
		})))

	aborted := client.lastOf(t, protocol.ServerAborted)
	var ap protocol.AbortedPayload
	require.NoError(t, aborted.Decode(&ap))
	assert.True(t, ap.Success)

	sess, ok := fx.sessions.Resolve(ep.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StateAborted, sess.State)
}

func TestUnknownTypeInvalidRequest(t *testing.T) {
	fx := newFixture(t)
	client, clientSt := fx.authClient(t)

	require.NoError(t, fx.router.Handle(context.Background(), client, clientSt,
		&protocol.Envelope{ID: "x", Type: "client:frobnicate", Payload: []byte(`{}`)}))

	errEnv := client.lastOf(t, protocol.ServerError)
	var p protocol.ErrorPayload
	require.NoError(t, errEnv.Decode(&p))
	assert.Equal(t, protocol.CodeInvalidInput, p.Code)
}

func TestFileRequestForwardedOpaque(t *testing.T) {
	fx := newFixture(t)
	agent, _ := fx.authAgent(t)
	client, clientSt := fx.authClient(t)

	req := protocol.New(protocol.ClientFile, protocol.FilePayload{
		AgentID: testAgentID,
		Action:  "read",
		Path:    "/tmp/notes.txt",
	})
	require.NoError(t, fx.router.Handle(context.Background(), client, clientSt, req))

	fwd := agent.lastOf(t, protocol.ServerFile)
	assert.Equal(t, req.ID, fwd.ID)
	assert.JSONEq(t, string(req.Payload), string(fwd.Payload))
}

func TestPingPong(t *testing.T) {
	fx := newFixture(t)
	client, clientSt := fx.authClient(t)

	req := protocol.New(protocol.ClientPing, protocol.PingPayload{})
	require.NoError(t, fx.router.Handle(context.Background(), client, clientSt, req))

	pong := client.lastOf(t, protocol.ServerPong)
	assert.Equal(t, req.ID, pong.ID)
}
