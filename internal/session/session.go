// ABOUTME: Session lifecycle manager mapping provisional IDs to durable ones.
// ABOUTME: Tracks per-session execution state transitions through the relay.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is a session's position in its lifecycle. Transitions are
// driven by relay traffic: execute requests push a session into
// Executing, terminal agent events settle it back to Idle or into a
// terminal state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateIdle         State = "idle"
	StateExecuting    State = "executing"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
	StateErrored      State = "errored"
)

var ErrUnknownSession = errors.New("unknown session")

// Session is the in-memory lifecycle record. Durable fields are
// persisted separately by the store; this struct only carries what
// routing decisions need.
type Session struct {
	ID            string
	ProvisionalID string
	AgentID       string
	UserID        string
	State         State
	ActiveRequest string
	// StreamingMessageID names the message currently being streamed
	// for this session, empty between turns.
	StreamingMessageID string
	StartedAt          time.Time
	UpdatedAt          time.Time
}

// Manager owns the session table and the provisional alias map. All
// methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// byProvisional aliases client-minted IDs to durable ones so a
	// client that never learned the durable ID can keep addressing
	// the session.
	byProvisional map[string]string
	// byRequest maps an in-flight execute request back to its session
	// so a bare failure response can still settle the right record.
	byRequest map[string]string

	log *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		sessions:      make(map[string]*Session),
		byProvisional: make(map[string]string),
		byRequest:     make(map[string]string),
		log:           log.With("component", "sessions"),
	}
}

// Begin registers a freshly minted durable session and records the
// provisional alias the client used, if any.
func (m *Manager) Begin(id, provisionalID, agentID, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s := &Session{
		ID:            id,
		ProvisionalID: provisionalID,
		AgentID:       agentID,
		UserID:        userID,
		State:         StateProvisioning,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	m.sessions[id] = s
	if provisionalID != "" && provisionalID != id {
		m.byProvisional[provisionalID] = id
	}
	m.log.Info("session started", "session_id", id, "provisional_id", provisionalID, "agent_id", agentID)
	return s
}

// Resolve maps either a durable or a provisional ID to the durable
// session record.
func (m *Manager) Resolve(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(id)
}

func (m *Manager) resolveLocked(id string) (*Session, bool) {
	if s, ok := m.sessions[id]; ok {
		return s, true
	}
	if durable, ok := m.byProvisional[id]; ok {
		s, ok := m.sessions[durable]
		return s, ok
	}
	return nil, false
}

// SessionForRequest resolves the session an in-flight execute request
// belongs to.
func (m *Manager) SessionForRequest(requestID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	durable, ok := m.byRequest[requestID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[durable]
	return s, ok
}

// StartExecute moves a session into Executing and records the request
// driving it. A session already executing is tolerated: the newer
// request replaces the active one and its stream simply interleaves,
// which mirrors what agents actually do with overlapping prompts.
// Each execute begins a fresh streaming message.
func (m *Manager) StartExecute(id, requestID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.resolveLocked(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.State == StateExecuting {
		m.log.Warn("execute on already-executing session", "session_id", s.ID, "request_id", requestID)
	}
	if s.ActiveRequest != "" {
		delete(m.byRequest, s.ActiveRequest)
	}
	s.State = StateExecuting
	s.ActiveRequest = requestID
	s.StreamingMessageID = ""
	s.UpdatedAt = time.Now()
	m.byRequest[requestID] = s.ID
	return s, nil
}

// Touch bumps a session's activity timestamp on stream traffic.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.resolveLocked(id); ok {
		s.UpdatedAt = time.Now()
	}
}

// StreamChunk records stream activity for a session. The first chunk
// of a turn starts the streaming message and later chunks append to
// it, so the returned ID is stable until the turn settles.
func (m *Manager) StreamChunk(id, chunkID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.resolveLocked(id)
	if !ok {
		return "", ErrUnknownSession
	}
	if s.StreamingMessageID == "" {
		s.StreamingMessageID = chunkID
	}
	s.UpdatedAt = time.Now()
	return s.StreamingMessageID, nil
}

// Complete settles an executing session back to Idle after a
// successful response, or to Errored on failure.
func (m *Manager) Complete(id string, success bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.resolveLocked(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	if success {
		s.State = StateIdle
	} else {
		s.State = StateErrored
	}
	if s.ActiveRequest != "" {
		delete(m.byRequest, s.ActiveRequest)
	}
	s.ActiveRequest = ""
	s.StreamingMessageID = ""
	s.UpdatedAt = time.Now()
	return s, nil
}

// Abort marks a session aborted. Aborting a session that is not
// executing, or aborting twice, succeeds without effect beyond the
// state already reached.
func (m *Manager) Abort(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.resolveLocked(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.State == StateExecuting {
		s.State = StateAborted
		if s.ActiveRequest != "" {
			delete(m.byRequest, s.ActiveRequest)
		}
		s.ActiveRequest = ""
		s.StreamingMessageID = ""
	}
	s.UpdatedAt = time.Now()
	return s, nil
}

// Remove drops a session and its aliases from the tables.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.resolveLocked(id)
	if !ok {
		return
	}
	delete(m.sessions, s.ID)
	if s.ProvisionalID != "" {
		delete(m.byProvisional, s.ProvisionalID)
	}
	if s.ActiveRequest != "" {
		delete(m.byRequest, s.ActiveRequest)
	}
}
