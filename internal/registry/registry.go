// ABOUTME: Connection registry tracking live client and agent sockets.
// ABOUTME: Enforces at most one live socket per agent ID, many per user.

package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

// Socket is the transport half a registered connection exposes to the
// rest of the relay. The concrete implementation lives in the relay
// package; the registry only needs to push envelopes and close.
type Socket interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	Close(code websocket.StatusCode, reason string) error
}

type clientConn struct {
	userID string
}

type agentConn struct {
	agentID string
	userID  string
}

// Registry is the authoritative map of live connections. All lookups
// used for routing go through it; a socket absent from the registry
// receives no further envelopes.
type Registry struct {
	mu          sync.RWMutex
	clients     map[Socket]*clientConn
	agents      map[Socket]*agentConn
	agentByID   map[string]Socket
	userClients map[string]map[Socket]struct{}

	log *slog.Logger
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		clients:     make(map[Socket]*clientConn),
		agents:      make(map[Socket]*agentConn),
		agentByID:   make(map[string]Socket),
		userClients: make(map[string]map[Socket]struct{}),
		log:         log.With("component", "registry"),
	}
}

// RegisterClient records an authenticated client socket. A user may
// hold any number of client connections at once.
func (r *Registry) RegisterClient(s Socket, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[s] = &clientConn{userID: userID}
	set, ok := r.userClients[userID]
	if !ok {
		set = make(map[Socket]struct{})
		r.userClients[userID] = set
	}
	set[s] = struct{}{}

	r.log.Debug("client registered", "user_id", userID, "clients_for_user", len(set))
}

// RegisterAgent records an authenticated agent socket. If the agent ID
// already has a live socket, the newer registration wins and the
// superseded socket is returned so the caller can close it.
func (r *Registry) RegisterAgent(s Socket, agentID, userID string) (superseded Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.agentByID[agentID]; ok && prev != s {
		superseded = prev
		delete(r.agents, prev)
	}
	r.agents[s] = &agentConn{agentID: agentID, userID: userID}
	r.agentByID[agentID] = s

	r.log.Info("agent registered", "agent_id", agentID, "user_id", userID, "superseded", superseded != nil)
	return superseded
}

// Unregister removes a socket of either role. Safe to call for sockets
// that were never registered or were already removed; repeated calls
// are no-ops. Returns the agent identity that went offline, if any,
// so the caller can update presence.
func (r *Registry) Unregister(s Socket) (agentID, userID string, wasAgent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[s]; ok {
		delete(r.clients, s)
		if set, ok := r.userClients[c.userID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(r.userClients, c.userID)
			}
		}
		return "", c.userID, false
	}

	if a, ok := r.agents[s]; ok {
		delete(r.agents, s)
		// Only clear the ID mapping if this socket still owns it; a
		// superseded socket must not evict its replacement.
		if r.agentByID[a.agentID] == s {
			delete(r.agentByID, a.agentID)
		}
		return a.agentID, a.userID, true
	}

	return "", "", false
}

// AgentSocket returns the live socket for an agent ID, or nil.
func (r *Registry) AgentSocket(agentID string) Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agentByID[agentID]
}

// IsAgentOnline reports whether the agent has a live registered socket.
func (r *Registry) IsAgentOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agentByID[agentID]
	return ok
}

// AgentOwner returns the user an agent socket authenticated under.
func (r *Registry) AgentOwner(agentID string) (userID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agentByID[agentID]
	if !ok {
		return "", false
	}
	a, ok := r.agents[s]
	if !ok {
		return "", false
	}
	return a.userID, true
}

// ClientsFor returns a snapshot of the sockets belonging to a user.
func (r *Registry) ClientsFor(userID string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.userClients[userID]
	out := make([]Socket, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// SendToUser fans an envelope out to every client socket the user
// holds. Delivery is best effort; a failed socket does not stop the
// fanout and failures are only logged.
func (r *Registry) SendToUser(ctx context.Context, userID string, env *protocol.Envelope) {
	for _, s := range r.ClientsFor(userID) {
		if err := s.Send(ctx, env); err != nil {
			r.log.Warn("client send failed", "user_id", userID, "type", env.Type, "error", err)
		}
	}
}

// SendToAgent delivers an envelope to the agent's live socket.
// Returns false if the agent is offline.
func (r *Registry) SendToAgent(ctx context.Context, agentID string, env *protocol.Envelope) (bool, error) {
	s := r.AgentSocket(agentID)
	if s == nil {
		return false, nil
	}
	return true, s.Send(ctx, env)
}

// Counts reports live connection totals for health reporting.
func (r *Registry) Counts() (clients, agents int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients), len(r.agents)
}
