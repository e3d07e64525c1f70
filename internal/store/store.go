// ABOUTME: Store interface and data types for crosswire-relay persistence
// ABOUTME: Defines Agent, Session, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when creating an agent whose ID already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// Agent is a registered remote agent. SecretHash holds a bcrypt hash
// of the secret half of the agent's connection key; the plaintext is
// shown once at registration and never stored.
type Agent struct {
	ID          string
	UserID      string
	Name        string
	Description string
	SecretHash  string
	IsOnline    bool
	LastSeenAt  *time.Time
	SystemInfo  string
	CreatedAt   time.Time
}

// Session is the durable record of a conversation with an agent.
// AssistantSessionID is the backend's own session identifier, learned
// from the agent's first response and used for resumption.
type Session struct {
	ID                 string
	AgentID            string
	UserID             string
	Name               string
	WorkingDirectory   string
	AssistantSessionID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MessageRole constants for stored messages
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a persisted conversation turn within a session.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store defines the interface for agent and session persistence
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgentsForUser(ctx context.Context, userID string) ([]*Agent, error)
	SetAgentOnline(ctx context.Context, id string, online bool) error
	TouchAgent(ctx context.Context, id string, systemInfo string) error
	DeleteAgent(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsForAgent(ctx context.Context, agentID string) ([]*Session, error)
	UpdateAssistantSession(ctx context.Context, id, assistantSessionID string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	Close() error
}
