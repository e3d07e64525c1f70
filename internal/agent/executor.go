// ABOUTME: Executor abstraction and the subprocess-backed implementation.
// ABOUTME: Streams assistant output as events and escalates SIGTERM to SIGKILL.

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

// Request is one execute order from the relay.
type Request struct {
	RequestID          string
	SessionID          string
	Prompt             string
	WorkingDirectory   string
	AssistantSessionID string
	PermissionMode     string
	Options            *protocol.ExecuteOptions
}

// Result is the terminal outcome of a run.
type Result struct {
	AssistantSessionID string
	Content            string
	Usage              *protocol.Usage
}

// EmitFunc sends a stream event back through the relay while a run is
// in flight.
type EmitFunc func(msgType string, payload any)

// Executor runs one prompt to completion. Implementations must honor
// context cancellation promptly: cancellation is how aborts arrive.
type Executor interface {
	Execute(ctx context.Context, req Request, emit EmitFunc) (*Result, error)
}

// InputAnswerer is implemented by executors that can receive answers to
// input_required questions mid-run.
type InputAnswerer interface {
	AnswerInput(requestID string, answers json.RawMessage)
}

// CommandExecutor shells out to an assistant CLI, feeding the prompt on
// stdin and streaming stdout lines back as events. On abort the process
// gets SIGTERM, then SIGKILL after the grace period.
type CommandExecutor struct {
	Command    string
	Args       []string
	AbortGrace time.Duration
}

func (e *CommandExecutor) Execute(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	grace := e.AbortGrace
	if grace == 0 {
		grace = 5 * time.Second
	}

	cmd := exec.Command(e.Command, e.Args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Stdin = strings.NewReader(req.Prompt)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.Command, err)
	}

	// Escalating kill on abort. The watcher exits when the run ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(grace):
				_ = cmd.Process.Kill()
			}
		}
	}()

	emit(protocol.AgentThinking, protocol.ThinkingPayload{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Status:    "started",
	})

	var content strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		content.WriteString(line)
		content.WriteByte('\n')
		emit(protocol.AgentStream, protocol.StreamPayload{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Content:   line + "\n",
			IsPartial: true,
		})
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s exited: %w", e.Command, waitErr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading output: %w", err)
	}

	return &Result{
		AssistantSessionID: req.AssistantSessionID,
		Content:            strings.TrimSuffix(content.String(), "\n"),
	}, nil
}
