// ABOUTME: Wire envelope and the closed message-type vocabulary for the relay protocol.
// ABOUTME: Every client, agent, and server message is an Envelope with a typed payload.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire unit exchanged on every connection. The id correlates
// a request with its response; the timestamp is producer wall-clock in
// milliseconds and is used for display ordering only.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// New builds an envelope of the given type with a fresh id and timestamp.
// It panics only if the payload cannot be marshaled, which indicates a
// programming error (all payload types in this package marshal cleanly).
func New(msgType string, payload any) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshaling %s payload: %v", msgType, err))
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Reply builds an envelope that answers the given one, reusing its id so the
// receiver can correlate the response.
func Reply(to *Envelope, msgType string, payload any) *Envelope {
	env := New(msgType, payload)
	if to != nil && to.ID != "" {
		env.ID = to.ID
	}
	return env
}

// Retype copies an envelope under a new type, preserving id, payload,
// and producer timestamp. Used when the relay translates a message from
// one side's vocabulary to the other's without touching the body.
func Retype(e *Envelope, msgType string) *Envelope {
	return &Envelope{
		ID:        e.ID,
		Type:      msgType,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Client-originated message types.
const (
	ClientAuth          = "client:auth"
	ClientExecute       = "client:execute"
	ClientAbort         = "client:abort"
	ClientInputResponse = "client:input_response"
	ClientFile          = "client:file"
	ClientTerminal      = "client:terminal"
	ClientGit           = "client:git"
	ClientPing          = "client:ping"
)

// Server-to-client message types.
const (
	ServerAuthResult     = "server:auth_result"
	ServerThinking       = "server:thinking"
	ServerStream         = "server:stream"
	ServerToolCall       = "server:tool_call"
	ServerToolResult     = "server:tool_result"
	ServerInputRequired  = "server:input_required"
	ServerComplete       = "server:complete"
	ServerAborted        = "server:aborted"
	ServerFileResult     = "server:file_result"
	ServerTerminalOutput = "server:terminal_output"
	ServerGitResult      = "server:git_result"
	ServerAgentStatus    = "server:agent_status"
	ServerAgentList      = "server:agent_list"
	ServerSessionCreated = "server:session_created"
	ServerError          = "server:error"
	ServerPong           = "server:pong"
)

// Agent-originated message types.
const (
	AgentAuth           = "agent:auth"
	AgentThinking       = "agent:thinking"
	AgentStream         = "agent:stream"
	AgentToolCall       = "agent:tool_call"
	AgentToolResult     = "agent:tool_result"
	AgentInputRequired  = "agent:input_required"
	AgentResponse       = "agent:response"
	AgentAborted        = "agent:aborted"
	AgentFileResult     = "agent:file_result"
	AgentTerminalOutput = "agent:terminal_output"
	AgentGitResult      = "agent:git_result"
	AgentPing           = "agent:ping"
)

// Server-to-agent message types.
const (
	ServerAgentAuthResult = "server:agent_auth_result"
	ServerExecute         = "server:execute"
	ServerAbort           = "server:abort"
	ServerInputResponse   = "server:input_response"
	ServerFile            = "server:file"
	ServerTerminal        = "server:terminal"
	ServerGit             = "server:git"
)

// WebSocket close codes. Operators must be able to tell an auth timeout
// apart from a rejected credential or a superseded agent connection.
const (
	CloseAuthTimeout = 4001
	CloseAuthFailure = 4002
	CloseSuperseded  = 4003
)

// Error codes carried in ServerError payloads.
const (
	CodeAuthRequired  = "AUTH_REQUIRED"
	CodeAuthInvalid   = "AUTH_INVALID"
	CodeAgentOffline  = "AGENT_OFFLINE"
	CodeInvalidInput  = "INVALID_REQUEST"
	CodeInternalError = "INTERNAL_ERROR"
)
