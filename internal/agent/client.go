// ABOUTME: Outbound relay client for crosswire-agent.
// ABOUTME: Dials the relay, authenticates, and dispatches server requests.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 10 * time.Second
	readLimitBytes    = 512 * 1024
)

// ErrAuthRejected is returned when the relay rejects the agent's key.
var ErrAuthRejected = errors.New("relay rejected credentials")

// Client is the agent side of the relay connection. It dials out,
// authenticates with the agent key, and serves execute, abort, file,
// terminal, and git requests until its context is canceled.
type Client struct {
	RelayURL  string // e.g. "wss://relay.example.com/ws"
	SecretKey string // "agentID.secret" shown once at registration

	Executor  Executor
	Files     *FileHandler
	Terminals *TerminalManager
	Git       *GitHandler

	Logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	runs   map[string]*run
	runsMu sync.Mutex

	// seq numbers this agent's stream events per session. The relay
	// forwards seq as-is, so ordering is fixed here at the source.
	seq *protocol.Sequencer

	agentID string
}

// run is one in-flight execute request.
type run struct {
	requestID string
	cancel    context.CancelFunc
}

// Run connects to the relay and serves requests until ctx is canceled.
// Reconnects on disconnect with exponential backoff, resetting the
// delay after each successful connection.
func (c *Client) Run(ctx context.Context) error {
	if c.runs == nil {
		c.runs = make(map[string]*run)
	}
	if c.seq == nil {
		c.seq = protocol.NewSequencer()
	}
	delay := time.Second
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if connected {
			delay = time.Second
		}
		c.Logger.Warn("relay disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	url := c.RelayURL
	if !strings.Contains(url, "type=") {
		if strings.Contains(url, "?") {
			url += "&type=agent"
		} else {
			url += "?type=agent"
		}
	}

	conn, _, dialErr := websocket.Dial(ctx, url, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimitBytes)
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer conn.CloseNow()

	if err := c.authenticate(ctx, conn); err != nil {
		return false, err
	}
	connected = true
	c.Logger.Info("connected to relay", "agent_id", c.agentID)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeat(hbCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.Logger.Warn("malformed envelope from relay", "error", err)
			continue
		}
		c.dispatch(ctx, &env)
	}
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	authEnv := protocol.New(protocol.AgentAuth, protocol.AgentAuthPayload{
		SecretKey:  c.SecretKey,
		SystemInfo: CollectSystemInfo(),
	})
	data, err := json.Marshal(authEnv)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parsing auth result: %w", err)
	}
	if env.Type != protocol.ServerAgentAuthResult {
		return fmt.Errorf("expected auth result, got %s", env.Type)
	}
	var result protocol.AgentAuthResultPayload
	if err := env.Decode(&result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrAuthRejected, result.Error)
	}
	c.agentID = result.AgentID
	return nil
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, protocol.New(protocol.AgentPing, protocol.PingPayload{})); err != nil {
				return
			}
		}
	}
}

// send marshals and writes an envelope under the write mutex.
func (c *Client) send(ctx context.Context, env *protocol.Envelope) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *Client) dispatch(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.ServerExecute:
		c.handleExecute(ctx, env)
	case protocol.ServerAbort:
		c.handleAbort(ctx, env)
	case protocol.ServerInputResponse:
		c.handleInputResponse(env)
	case protocol.ServerFile:
		c.handleFile(ctx, env)
	case protocol.ServerTerminal:
		c.handleTerminal(ctx, env)
	case protocol.ServerGit:
		c.handleGit(ctx, env)
	case protocol.ServerPong:
		// Heartbeat acknowledged; nothing to do.
	default:
		c.Logger.Debug("ignoring unexpected message", "type", env.Type)
	}
}

func (c *Client) handleExecute(ctx context.Context, env *protocol.Envelope) {
	var p protocol.ServerExecutePayload
	if err := env.Decode(&p); err != nil {
		c.Logger.Warn("malformed execute", "error", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.runsMu.Lock()
	// A newer execute for the same session replaces the old run.
	if prev, ok := c.runs[p.SessionID]; ok {
		prev.cancel()
	}
	c.runs[p.SessionID] = &run{requestID: p.RequestID, cancel: cancel}
	c.runsMu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.runsMu.Lock()
			if cur, ok := c.runs[p.SessionID]; ok && cur.requestID == p.RequestID {
				delete(c.runs, p.SessionID)
			}
			c.runsMu.Unlock()
		}()

		emit := func(msgType string, payload any) {
			out := protocol.New(msgType, payload)
			if protocol.Sequenced(msgType) {
				out = protocol.WithSeq(out, c.seq.Next(p.SessionID))
			}
			if err := c.send(ctx, out); err != nil {
				c.Logger.Warn("emitting event", "type", msgType, "error", err)
			}
		}

		result, err := c.Executor.Execute(runCtx, Request{
			RequestID:          p.RequestID,
			SessionID:          p.SessionID,
			Prompt:             p.Prompt,
			WorkingDirectory:   p.WorkingDirectory,
			AssistantSessionID: p.AssistantSessionID,
			PermissionMode:     p.PermissionMode,
			Options:            p.Options,
		}, emit)

		if runCtx.Err() != nil {
			// Aborted; the abort handler already reported the outcome.
			return
		}
		if err != nil {
			c.sendResponse(ctx, protocol.ResponsePayload{
				RequestID: p.RequestID,
				Success:   false,
				// Failures still name their session.
				Data:  &protocol.ResponseData{SessionID: p.SessionID},
				Error: err.Error(),
			})
			return
		}
		c.sendResponse(ctx, protocol.ResponsePayload{
			RequestID: p.RequestID,
			Success:   true,
			Data: &protocol.ResponseData{
				SessionID:          p.SessionID,
				AssistantSessionID: result.AssistantSessionID,
				Content:            result.Content,
				Usage:              result.Usage,
			},
		})
	}()
}

func (c *Client) sendResponse(ctx context.Context, p protocol.ResponsePayload) {
	if err := c.send(ctx, protocol.New(protocol.AgentResponse, p)); err != nil {
		c.Logger.Warn("sending response", "request_id", p.RequestID, "error", err)
	}
}

// handleAbort cancels the session's run if one exists. Every abort gets
// an answer, including duplicates and aborts for sessions with nothing
// running.
func (c *Client) handleAbort(ctx context.Context, env *protocol.Envelope) {
	var p protocol.ServerAbortPayload
	if err := env.Decode(&p); err != nil {
		c.Logger.Warn("malformed abort", "error", err)
		return
	}

	c.runsMu.Lock()
	r, ok := c.runs[p.SessionID]
	if ok {
		delete(c.runs, p.SessionID)
	}
	c.runsMu.Unlock()

	if ok {
		r.cancel()
	}
	if err := c.send(ctx, protocol.New(protocol.AgentAborted, protocol.AbortedPayload{
		RequestID: p.RequestID,
		SessionID: p.SessionID,
		Success:   ok,
	})); err != nil {
		c.Logger.Warn("sending aborted", "error", err)
	}
}

func (c *Client) handleInputResponse(env *protocol.Envelope) {
	var p protocol.InputResponsePayload
	if err := env.Decode(&p); err != nil {
		c.Logger.Warn("malformed input response", "error", err)
		return
	}
	if answerer, ok := c.Executor.(InputAnswerer); ok {
		answerer.AnswerInput(p.RequestID, p.Answers)
	}
}

func (c *Client) handleFile(ctx context.Context, env *protocol.Envelope) {
	var p protocol.FilePayload
	if err := env.Decode(&p); err != nil {
		c.Logger.Warn("malformed file request", "error", err)
		return
	}
	result := c.Files.Handle(&p)
	result.RequestID = env.ID
	if err := c.send(ctx, protocol.New(protocol.AgentFileResult, result)); err != nil {
		c.Logger.Warn("sending file result", "error", err)
	}
}

func (c *Client) handleTerminal(ctx context.Context, env *protocol.Envelope) {
	var p protocol.TerminalPayload
	if err := env.Decode(&p); err != nil {
		c.Logger.Warn("malformed terminal request", "error", err)
		return
	}
	result := c.Terminals.Handle(ctx, &p, func(terminalID, data string) {
		_ = c.send(ctx, protocol.New(protocol.AgentTerminalOutput, protocol.TerminalOutputPayload{
			TerminalID: terminalID,
			Data:       data,
		}))
	})
	result.RequestID = env.ID
	if err := c.send(ctx, protocol.New(protocol.AgentTerminalOutput, result)); err != nil {
		c.Logger.Warn("sending terminal result", "error", err)
	}
}

func (c *Client) handleGit(ctx context.Context, env *protocol.Envelope) {
	var p protocol.GitPayload
	if err := env.Decode(&p); err != nil {
		c.Logger.Warn("malformed git request", "error", err)
		return
	}
	result := c.Git.Handle(ctx, &p)
	result.RequestID = env.ID
	if err := c.send(ctx, protocol.New(protocol.AgentGitResult, result)); err != nil {
		c.Logger.Warn("sending git result", "error", err)
	}
}
