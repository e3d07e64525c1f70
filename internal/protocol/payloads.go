// ABOUTME: Typed payload structs for every message in the relay vocabulary.
// ABOUTME: Mirrors the client-facing and agent-facing halves of the protocol.

package protocol

import "encoding/json"

// SystemInfo describes the machine an agent runs on. Sent once during agent
// authentication and echoed in status broadcasts.
type SystemInfo struct {
	OS       string `json:"os"`
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	HomeDir  string `json:"homeDir"`
	Platform string `json:"platform,omitempty"`
	Arch     string `json:"arch,omitempty"`
}

// ClientAuthPayload carries the opaque bearer token of a browser client.
type ClientAuthPayload struct {
	Token string `json:"token"`
}

// AgentAuthPayload carries the agent's shared secret and host description.
type AgentAuthPayload struct {
	SecretKey  string     `json:"secretKey"`
	SystemInfo SystemInfo `json:"systemInfo"`
}

// AuthResultPayload answers a client auth attempt.
type AuthResultPayload struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AgentAuthResultPayload answers an agent auth attempt with the durable
// agent id on success.
type AgentAuthResultPayload struct {
	Success bool   `json:"success"`
	AgentID string `json:"agentId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecuteOptions tune a single assistant run.
type ExecuteOptions struct {
	MaxTurns     int      `json:"maxTurns,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// ExecutePayload is a client's request to run a prompt on an agent. The
// session id may be a client-chosen provisional id; the relay mints the
// durable one and announces the remap via ServerSessionCreated.
type ExecutePayload struct {
	AgentID          string          `json:"agentId"`
	SessionID        string          `json:"sessionId,omitempty"`
	Prompt           string          `json:"prompt"`
	WorkingDirectory string          `json:"workingDirectory,omitempty"`
	PermissionMode   string          `json:"permissionMode,omitempty"`
	Options          *ExecuteOptions `json:"options,omitempty"`
}

// ServerExecutePayload is the relay's translation of an execute, addressed
// to the agent. It always carries the durable session id and the latest
// assistant resumption token, if any.
type ServerExecutePayload struct {
	RequestID          string          `json:"requestId"`
	SessionID          string          `json:"sessionId"`
	Prompt             string          `json:"prompt"`
	WorkingDirectory   string          `json:"workingDirectory,omitempty"`
	AssistantSessionID string          `json:"assistantSessionId,omitempty"`
	PermissionMode     string          `json:"permissionMode,omitempty"`
	Options            *ExecuteOptions `json:"options,omitempty"`
}

// StreamPayload is one streamed chunk of assistant output. Seq is assigned
// by the producer and strictly increases per session; receivers sort by it.
type StreamPayload struct {
	RequestID   string `json:"requestId,omitempty"`
	SessionID   string `json:"sessionId"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
	IsPartial   bool   `json:"isPartial"`
	Seq         uint64 `json:"seq,omitempty"`
}

// ThinkingPayload reports assistant thinking status.
type ThinkingPayload struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Seq       uint64 `json:"seq,omitempty"`
}

// ToolCallPayload reports a tool invocation by the assistant.
type ToolCallPayload struct {
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	ToolArgs  json.RawMessage `json:"toolArgs,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Content   string          `json:"content,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

// ToolResultPayload reports the outcome of a tool invocation.
type ToolResultPayload struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId"`
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

// InputQuestion is one question the assistant is asking the user.
type InputQuestion struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// InputRequiredPayload asks the user to answer before the run can continue.
type InputRequiredPayload struct {
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	Questions []InputQuestion `json:"questions"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

// InputResponsePayload carries the user's answers back to the agent.
type InputResponsePayload struct {
	AgentID   string          `json:"agentId,omitempty"`
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	Answers   json.RawMessage `json:"answers"`
}

// Usage reports token consumption for a completed run.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ResponseData is the final result of an assistant run.
type ResponseData struct {
	SessionID          string `json:"sessionId"`
	AssistantSessionID string `json:"assistantSessionId,omitempty"`
	Content            string `json:"content,omitempty"`
	Usage              *Usage `json:"usage,omitempty"`
}

// ResponsePayload is the agent's terminal report for an execute request.
type ResponsePayload struct {
	RequestID string        `json:"requestId"`
	Success   bool          `json:"success"`
	Data      *ResponseData `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// CompletePayload tells the client a run finished.
type CompletePayload struct {
	SessionID          string `json:"sessionId"`
	AssistantSessionID string `json:"assistantSessionId,omitempty"`
	Content            string `json:"content,omitempty"`
	Usage              *Usage `json:"usage,omitempty"`
}

// AbortPayload is a client's request to stop an in-flight run.
type AbortPayload struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}

// ServerAbortPayload is the relay's translation of an abort, addressed to
// the agent.
type ServerAbortPayload struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// AbortedPayload reports the outcome of an abort attempt.
type AbortedPayload struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

// FilePayload is a client's filesystem request, executed on the agent. The
// relay treats everything past agentId as opaque.
type FilePayload struct {
	AgentID string `json:"agentId"`
	Action  string `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	NewPath string `json:"newPath,omitempty"`
}

// TerminalPayload is a client's terminal request.
type TerminalPayload struct {
	AgentID    string `json:"agentId"`
	Action     string `json:"action"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// GitPayload is a client's version-control request.
type GitPayload struct {
	AgentID          string          `json:"agentId"`
	Action           string          `json:"action"`
	WorkingDirectory string          `json:"workingDirectory"`
	Params           json.RawMessage `json:"params,omitempty"`
}

// ResultPayload is the generic shape of file/terminal/git results coming
// back from an agent. The relay forwards it without inspecting Data.
type ResultPayload struct {
	RequestID  string          `json:"requestId"`
	Action     string          `json:"action,omitempty"`
	TerminalID string          `json:"terminalId,omitempty"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// TerminalOutputPayload streams raw terminal bytes back to the client.
type TerminalOutputPayload struct {
	RequestID  string `json:"requestId,omitempty"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// AgentStatusPayload announces an agent going online or offline.
type AgentStatusPayload struct {
	AgentID    string      `json:"agentId"`
	IsOnline   bool        `json:"isOnline"`
	SystemInfo *SystemInfo `json:"systemInfo,omitempty"`
}

// AgentSummary is one row of the roster pushed to a client after auth.
type AgentSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsOnline    bool   `json:"isOnline"`
	LastSeenAt  string `json:"lastSeenAt,omitempty"`
}

// AgentListPayload is the roster of a user's agents.
type AgentListPayload struct {
	Agents []AgentSummary `json:"agents"`
}

// SessionCreatedPayload announces the provisional-to-durable session id
// remap. Sent exactly once per provisional id, to the originating socket.
type SessionCreatedPayload struct {
	ProvisionalID    string `json:"provisionalId"`
	SessionID        string `json:"sessionId"`
	Name             string `json:"name,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// ErrorPayload is the body of every ServerError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PingPayload is intentionally empty; the envelope carries the timing.
type PingPayload struct{}
