// ABOUTME: Tests for the subprocess executor.
// ABOUTME: Covers streaming, failure reporting, and abort cancellation.

package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []struct {
		msgType string
		payload any
	}
}

func (r *eventRecorder) emit(msgType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, struct {
		msgType string
		payload any
	}{msgType, payload})
}

func (r *eventRecorder) ofType(msgType string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.msgType == msgType {
			out = append(out, e.payload)
		}
	}
	return out
}

func TestCommandExecutorStreamsOutput(t *testing.T) {
	e := &CommandExecutor{Command: "cat"}
	rec := &eventRecorder{}

	result, err := e.Execute(context.Background(), Request{
		RequestID: "req-1",
		SessionID: "s1",
		Prompt:    "line one\nline two\n",
	}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", result.Content)

	streams := rec.ofType(protocol.AgentStream)
	require.Len(t, streams, 2)
	first := streams[0].(protocol.StreamPayload)
	assert.Equal(t, "line one\n", first.Content)
	assert.Equal(t, "s1", first.SessionID)
	assert.True(t, first.IsPartial)

	thinking := rec.ofType(protocol.AgentThinking)
	require.Len(t, thinking, 1)
}

func TestCommandExecutorReportsFailure(t *testing.T) {
	e := &CommandExecutor{Command: "false"}
	rec := &eventRecorder{}

	_, err := e.Execute(context.Background(), Request{RequestID: "r", SessionID: "s"}, rec.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")
}

func TestCommandExecutorMissingBinary(t *testing.T) {
	e := &CommandExecutor{Command: "definitely-not-a-real-binary-xyz"}
	rec := &eventRecorder{}

	_, err := e.Execute(context.Background(), Request{RequestID: "r", SessionID: "s"}, rec.emit)
	require.Error(t, err)
}

func TestCommandExecutorAbort(t *testing.T) {
	e := &CommandExecutor{Command: "sleep", Args: []string{"30"}, AbortGrace: time.Second}
	rec := &eventRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, Request{RequestID: "r", SessionID: "s"}, rec.emit)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "abort should not wait for the process")
}

func TestCommandExecutorPreservesAssistantSession(t *testing.T) {
	e := &CommandExecutor{Command: "cat"}
	rec := &eventRecorder{}

	result, err := e.Execute(context.Background(), Request{
		RequestID:          "r",
		SessionID:          "s",
		Prompt:             "hi\n",
		AssistantSessionID: "backend-7",
	}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "backend-7", result.AssistantSessionID)
	assert.False(t, strings.Contains(result.Content, "backend-7"))
}
