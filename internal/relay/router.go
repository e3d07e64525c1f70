// ABOUTME: Protocol translation between the client and agent vocabularies.
// ABOUTME: Owns auth gating, session minting, and forwarding between halves.

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tidewater-labs/crosswire/internal/auth"
	"github.com/tidewater-labs/crosswire/internal/protocol"
	"github.com/tidewater-labs/crosswire/internal/registry"
	"github.com/tidewater-labs/crosswire/internal/session"
	"github.com/tidewater-labs/crosswire/internal/store"
)

// Role discriminates the two connection kinds at the shared endpoint.
type Role string

const (
	RoleClient Role = "client"
	RoleAgent  Role = "agent"
)

// connState is the per-connection identity a socket accumulates. It is
// only touched from that socket's read loop.
type connState struct {
	role    Role
	authed  bool
	userID  string
	agentID string

	// onAuth disarms the auth deadline. Set by the server before the
	// read loop starts.
	onAuth func()
}

// Router translates envelopes between the two protocol halves. It is
// shared by all connections; per-connection identity arrives via
// connState.
type Router struct {
	reg      *registry.Registry
	sessions *session.Manager
	store    store.Store
	tokens   auth.TokenVerifier
	log      *slog.Logger
}

func NewRouter(reg *registry.Registry, sessions *session.Manager, st store.Store, tokens auth.TokenVerifier, log *slog.Logger) *Router {
	return &Router{
		reg:      reg,
		sessions: sessions,
		store:    st,
		tokens:   tokens,
		log:      log.With("component", "router"),
	}
}

// Handle processes one inbound envelope. It never returns an error for
// protocol-level problems; those go back to the peer as ServerError
// envelopes. A non-nil return means the connection should be torn down.
func (r *Router) Handle(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic handling envelope", "type", env.Type, "panic", rec)
			r.sendError(ctx, c, env, protocol.CodeInternalError, "internal error")
			err = nil
		}
	}()

	switch st.role {
	case RoleClient:
		return r.handleClient(ctx, c, st, env)
	case RoleAgent:
		return r.handleAgent(ctx, c, st, env)
	default:
		return fmt.Errorf("unknown role %q", st.role)
	}
}

func (r *Router) sendError(ctx context.Context, c registry.Socket, env *protocol.Envelope, code, message string) {
	_ = c.Send(ctx, protocol.Reply(env, protocol.ServerError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

// --- client side ---

func (r *Router) handleClient(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope) error {
	if env.Type == protocol.ClientAuth {
		return r.handleClientAuth(ctx, c, st, env)
	}
	if !st.authed {
		r.sendError(ctx, c, env, protocol.CodeAuthRequired, "Authentication required")
		return nil
	}

	switch env.Type {
	case protocol.ClientPing:
		return c.Send(ctx, protocol.Reply(env, protocol.ServerPong, protocol.PingPayload{}))
	case protocol.ClientExecute:
		return r.handleExecute(ctx, c, st, env)
	case protocol.ClientAbort:
		return r.handleAbort(ctx, c, st, env)
	case protocol.ClientInputResponse:
		return r.forwardToSessionAgent(ctx, c, st, env, protocol.ServerInputResponse)
	case protocol.ClientFile:
		return r.forwardToNamedAgent(ctx, c, st, env, protocol.ServerFile)
	case protocol.ClientTerminal:
		return r.forwardToNamedAgent(ctx, c, st, env, protocol.ServerTerminal)
	case protocol.ClientGit:
		return r.forwardToNamedAgent(ctx, c, st, env, protocol.ServerGit)
	default:
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, fmt.Sprintf("unknown message type %q", env.Type))
		return nil
	}
}

func (r *Router) handleClientAuth(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope) error {
	var p protocol.ClientAuthPayload
	if err := env.Decode(&p); err != nil {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "malformed auth payload")
		return nil
	}

	userID, err := r.tokens.Verify(p.Token)
	if err != nil {
		r.log.Info("client auth rejected", "error", err)
		_ = c.Send(ctx, protocol.Reply(env, protocol.ServerAuthResult, protocol.AuthResultPayload{
			Success: false,
			Error:   "invalid token",
		}))
		return &closeError{code: protocol.CloseAuthFailure, reason: "authentication failed"}
	}

	st.authed = true
	st.userID = userID
	if st.onAuth != nil {
		st.onAuth()
	}
	r.reg.RegisterClient(c, userID)

	if err := c.Send(ctx, protocol.Reply(env, protocol.ServerAuthResult, protocol.AuthResultPayload{
		Success: true,
		UserID:  userID,
	})); err != nil {
		return err
	}

	return r.pushRoster(ctx, c, userID)
}

// pushRoster sends the user's agents with live presence folded in.
func (r *Router) pushRoster(ctx context.Context, c registry.Socket, userID string) error {
	agents, err := r.store.ListAgentsForUser(ctx, userID)
	if err != nil {
		r.log.Error("listing agents for roster", "user_id", userID, "error", err)
		return nil
	}

	list := protocol.AgentListPayload{Agents: make([]protocol.AgentSummary, 0, len(agents))}
	for _, a := range agents {
		s := protocol.AgentSummary{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			IsOnline:    r.reg.IsAgentOnline(a.ID),
		}
		if a.LastSeenAt != nil {
			s.LastSeenAt = a.LastSeenAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		}
		list.Agents = append(list.Agents, s)
	}
	return c.Send(ctx, protocol.New(protocol.ServerAgentList, list))
}

func (r *Router) handleExecute(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope) error {
	var p protocol.ExecutePayload
	if err := env.Decode(&p); err != nil || p.AgentID == "" || p.Prompt == "" {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "execute requires agentId and prompt")
		return nil
	}

	agent, err := r.store.GetAgent(ctx, p.AgentID)
	if err != nil || agent.UserID != st.userID {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "unknown agent")
		return nil
	}
	if !r.reg.IsAgentOnline(p.AgentID) {
		r.sendError(ctx, c, env, protocol.CodeAgentOffline, "Agent is offline")
		return nil
	}

	sess, known := r.sessions.Resolve(p.SessionID)
	if !known {
		durable := uuid.New().String()
		record := &store.Session{
			ID:               durable,
			AgentID:          p.AgentID,
			UserID:           st.userID,
			Name:             sessionName(p.Prompt),
			WorkingDirectory: p.WorkingDirectory,
		}
		if err := r.store.CreateSession(ctx, record); err != nil {
			r.log.Error("creating session", "error", err)
			r.sendError(ctx, c, env, protocol.CodeInternalError, "could not create session")
			return nil
		}
		sess = r.sessions.Begin(durable, p.SessionID, p.AgentID, st.userID)

		// The remap announcement goes only to the socket that used the
		// provisional id, exactly once.
		if err := c.Send(ctx, protocol.New(protocol.ServerSessionCreated, protocol.SessionCreatedPayload{
			ProvisionalID:    p.SessionID,
			SessionID:        durable,
			Name:             record.Name,
			WorkingDirectory: record.WorkingDirectory,
		})); err != nil {
			return err
		}
	}

	if _, err := r.sessions.StartExecute(sess.ID, env.ID); err != nil {
		r.sendError(ctx, c, env, protocol.CodeInternalError, "session vanished")
		return nil
	}

	if err := r.store.SaveMessage(ctx, &store.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      store.RoleUser,
		Content:   p.Prompt,
	}); err != nil {
		r.log.Error("saving prompt", "session_id", sess.ID, "error", err)
	}

	assistantSessionID := ""
	if stored, err := r.store.GetSession(ctx, sess.ID); err == nil {
		assistantSessionID = stored.AssistantSessionID
	}

	forward := protocol.Reply(env, protocol.ServerExecute, protocol.ServerExecutePayload{
		RequestID:          env.ID,
		SessionID:          sess.ID,
		Prompt:             p.Prompt,
		WorkingDirectory:   p.WorkingDirectory,
		AssistantSessionID: assistantSessionID,
		PermissionMode:     p.PermissionMode,
		Options:            p.Options,
	})
	online, err := r.reg.SendToAgent(ctx, p.AgentID, forward)
	if !online {
		r.sendError(ctx, c, env, protocol.CodeAgentOffline, "Agent is offline")
		return nil
	}
	return err
}

// sessionName derives a display name from the first prompt.
func sessionName(prompt string) string {
	name := strings.TrimSpace(prompt)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	if len(name) > 60 {
		name = name[:60]
	}
	return name
}

func (r *Router) handleAbort(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope) error {
	var p protocol.AbortPayload
	if err := env.Decode(&p); err != nil || p.SessionID == "" {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "abort requires sessionId")
		return nil
	}

	agentID := p.AgentID
	sessionID := p.SessionID
	if sess, ok := r.sessions.Resolve(p.SessionID); ok {
		if sess.UserID != st.userID {
			r.sendError(ctx, c, env, protocol.CodeInvalidInput, "unknown session")
			return nil
		}
		agentID = sess.AgentID
		sessionID = sess.ID
		if _, err := r.sessions.Abort(sessionID); err != nil {
			r.log.Warn("aborting session", "session_id", sessionID, "error", err)
		}
	} else if owner, ok := r.reg.AgentOwner(agentID); ok && owner != st.userID {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "unknown agent")
		return nil
	}

	// Duplicate aborts are forwarded as-is; the agent answers each one
	// and reports whatever it actually did.
	forward := protocol.Reply(env, protocol.ServerAbort, protocol.ServerAbortPayload{
		RequestID: env.ID,
		SessionID: sessionID,
	})
	online, err := r.reg.SendToAgent(ctx, agentID, forward)
	if !online {
		r.sendError(ctx, c, env, protocol.CodeAgentOffline, "Agent is offline")
		return nil
	}
	return err
}

// forwardToNamedAgent relays a client request whose payload names the
// target agent. The payload crosses the relay untouched.
func (r *Router) forwardToNamedAgent(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope, outType string) error {
	var target struct {
		AgentID string `json:"agentId"`
	}
	if err := env.Decode(&target); err != nil || target.AgentID == "" {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "request requires agentId")
		return nil
	}

	owner, ok := r.reg.AgentOwner(target.AgentID)
	if ok && owner != st.userID {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "unknown agent")
		return nil
	}

	online, err := r.reg.SendToAgent(ctx, target.AgentID, protocol.Retype(env, outType))
	if !online {
		r.sendError(ctx, c, env, protocol.CodeAgentOffline, "Agent is offline")
		return nil
	}
	return err
}

// forwardToSessionAgent relays a client message addressed by session.
func (r *Router) forwardToSessionAgent(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope, outType string) error {
	var target struct {
		SessionID string `json:"sessionId"`
	}
	if err := env.Decode(&target); err != nil || target.SessionID == "" {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "request requires sessionId")
		return nil
	}

	sess, ok := r.sessions.Resolve(target.SessionID)
	if !ok || sess.UserID != st.userID {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "unknown session")
		return nil
	}

	online, err := r.reg.SendToAgent(ctx, sess.AgentID, protocol.Retype(env, outType))
	if !online {
		r.sendError(ctx, c, env, protocol.CodeAgentOffline, "Agent is offline")
		return nil
	}
	return err
}

// --- agent side ---

// agentToServer maps agent stream event types to their client-facing
// counterparts.
var agentToServer = map[string]string{
	protocol.AgentThinking:       protocol.ServerThinking,
	protocol.AgentStream:         protocol.ServerStream,
	protocol.AgentToolCall:       protocol.ServerToolCall,
	protocol.AgentToolResult:     protocol.ServerToolResult,
	protocol.AgentInputRequired:  protocol.ServerInputRequired,
	protocol.AgentAborted:        protocol.ServerAborted,
	protocol.AgentFileResult:     protocol.ServerFileResult,
	protocol.AgentTerminalOutput: protocol.ServerTerminalOutput,
	protocol.AgentGitResult:      protocol.ServerGitResult,
}

func (r *Router) handleAgent(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope) error {
	if env.Type == protocol.AgentAuth {
		return r.handleAgentAuth(ctx, c, st, env)
	}
	if !st.authed {
		r.sendError(ctx, c, env, protocol.CodeAuthRequired, "Authentication required")
		return nil
	}

	if outType, ok := agentToServer[env.Type]; ok {
		return r.forwardAgentEvent(ctx, st, env, outType)
	}

	switch env.Type {
	case protocol.AgentPing:
		if err := r.store.TouchAgent(ctx, st.agentID, ""); err != nil {
			r.log.Warn("touching agent", "agent_id", st.agentID, "error", err)
		}
		return c.Send(ctx, protocol.Reply(env, protocol.ServerPong, protocol.PingPayload{}))
	case protocol.AgentResponse:
		return r.handleAgentResponse(ctx, st, env)
	default:
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, fmt.Sprintf("unknown message type %q", env.Type))
		return nil
	}
}

func (r *Router) handleAgentAuth(ctx context.Context, c registry.Socket, st *connState, env *protocol.Envelope) error {
	var p protocol.AgentAuthPayload
	if err := env.Decode(&p); err != nil {
		r.sendError(ctx, c, env, protocol.CodeInvalidInput, "malformed auth payload")
		return nil
	}

	reject := func() error {
		_ = c.Send(ctx, protocol.Reply(env, protocol.ServerAgentAuthResult, protocol.AgentAuthResultPayload{
			Success: false,
			Error:   "invalid credentials",
		}))
		return &closeError{code: protocol.CloseAuthFailure, reason: "authentication failed"}
	}

	agentID, secret, err := auth.ParseAgentKey(p.SecretKey)
	if err != nil {
		r.log.Info("agent auth rejected", "error", err)
		return reject()
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		r.log.Info("agent auth rejected", "agent_id", agentID, "error", err)
		return reject()
	}
	if err := auth.VerifyAgentSecret(agent.SecretHash, secret); err != nil {
		r.log.Info("agent auth rejected", "agent_id", agentID, "error", err)
		return reject()
	}

	st.authed = true
	st.agentID = agentID
	st.userID = agent.UserID
	if st.onAuth != nil {
		st.onAuth()
	}

	if superseded := r.reg.RegisterAgent(c, agentID, agent.UserID); superseded != nil {
		r.log.Info("closing superseded agent connection", "agent_id", agentID)
		_ = superseded.Close(websocket.StatusCode(protocol.CloseSuperseded), "superseded by newer connection")
	}

	sysinfo, _ := json.Marshal(p.SystemInfo)
	if err := r.store.SetAgentOnline(ctx, agentID, true); err != nil {
		r.log.Warn("marking agent online", "agent_id", agentID, "error", err)
	}
	if err := r.store.TouchAgent(ctx, agentID, string(sysinfo)); err != nil {
		r.log.Warn("touching agent", "agent_id", agentID, "error", err)
	}

	if err := c.Send(ctx, protocol.Reply(env, protocol.ServerAgentAuthResult, protocol.AgentAuthResultPayload{
		Success: true,
		AgentID: agentID,
	})); err != nil {
		return err
	}

	r.reg.SendToUser(ctx, agent.UserID, protocol.New(protocol.ServerAgentStatus, protocol.AgentStatusPayload{
		AgentID:    agentID,
		IsOnline:   true,
		SystemInfo: &p.SystemInfo,
	}))
	return nil
}

// forwardAgentEvent translates one agent stream event and fans it out to
// the owning user's clients. Sequence numbers are assigned by the agent
// at emission and cross the relay untouched.
func (r *Router) forwardAgentEvent(ctx context.Context, st *connState, env *protocol.Envelope, outType string) error {
	var fields map[string]any
	if err := env.Decode(&fields); err != nil {
		r.log.Warn("malformed agent event", "type", env.Type, "error", err)
		return nil
	}

	sessionID, _ := fields["sessionId"].(string)
	userID := st.userID
	if sess, ok := r.sessions.Resolve(sessionID); ok {
		userID = sess.UserID
		sessionID = sess.ID
		fields["sessionId"] = sessionID
		if protocol.Sequenced(env.Type) {
			if _, err := r.sessions.StreamChunk(sessionID, env.ID); err != nil {
				r.log.Warn("recording stream chunk", "session_id", sessionID, "error", err)
			}
		} else {
			r.sessions.Touch(sessionID)
		}
	}

	if env.Type == protocol.AgentAborted && sessionID != "" {
		if _, err := r.sessions.Abort(sessionID); err != nil {
			r.log.Warn("aborting session", "session_id", sessionID, "error", err)
		}
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	out := &protocol.Envelope{
		ID:        env.ID,
		Type:      outType,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}
	r.reg.SendToUser(ctx, userID, out)
	return nil
}

func (r *Router) handleAgentResponse(ctx context.Context, st *connState, env *protocol.Envelope) error {
	var p protocol.ResponsePayload
	if err := env.Decode(&p); err != nil {
		r.log.Warn("malformed agent response", "error", err)
		return nil
	}

	sessionID := ""
	if p.Data != nil {
		sessionID = p.Data.SessionID
	}
	userID := st.userID
	if sess, ok := r.sessions.Resolve(sessionID); ok {
		userID = sess.UserID
		sessionID = sess.ID
	} else if sess, ok := r.sessions.SessionForRequest(p.RequestID); ok {
		// A bare failure names no session; settle it via the request
		// it answers.
		userID = sess.UserID
		sessionID = sess.ID
	}

	if sessionID != "" {
		if _, err := r.sessions.Complete(sessionID, p.Success); err != nil {
			r.log.Warn("completing session", "session_id", sessionID, "error", err)
		}
	}

	if p.Success && p.Data != nil {
		if p.Data.AssistantSessionID != "" {
			if err := r.store.UpdateAssistantSession(ctx, sessionID, p.Data.AssistantSessionID); err != nil {
				r.log.Warn("recording assistant session", "session_id", sessionID, "error", err)
			}
		}
		if p.Data.Content != "" {
			if err := r.store.SaveMessage(ctx, &store.Message{
				ID:        uuid.New().String(),
				SessionID: sessionID,
				Role:      store.RoleAssistant,
				Content:   p.Data.Content,
			}); err != nil {
				r.log.Error("saving response", "session_id", sessionID, "error", err)
			}
		}

		complete := protocol.CompletePayload{SessionID: sessionID}
		complete.AssistantSessionID = p.Data.AssistantSessionID
		complete.Content = p.Data.Content
		complete.Usage = p.Data.Usage
		out := protocol.Reply(env, protocol.ServerComplete, complete)
		if p.RequestID != "" {
			out.ID = p.RequestID
		}
		r.reg.SendToUser(ctx, userID, out)
		return nil
	}

	out := protocol.Reply(env, protocol.ServerError, protocol.ErrorPayload{
		Code:    protocol.CodeInternalError,
		Message: p.Error,
		Details: sessionID,
	})
	if p.RequestID != "" {
		out.ID = p.RequestID
	}
	r.reg.SendToUser(ctx, userID, out)
	return nil
}

// closeError tells the read loop to close the socket with a specific
// application close code.
type closeError struct {
	code   int
	reason string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d: %s", e.code, e.reason)
}
