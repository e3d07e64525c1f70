// ABOUTME: Tests for envelope construction, payload decoding, and feed ordering.
// ABOUTME: Covers the receiver-side reconstruction of out-of-order streams.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFillsIDAndTimestamp(t *testing.T) {
	env := New(ClientPing, PingPayload{})

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, ClientPing, env.Type)
	assert.NotZero(t, env.Timestamp)
}

func TestReplyReusesID(t *testing.T) {
	req := New(ClientExecute, ExecutePayload{AgentID: "a1", Prompt: "hi"})
	resp := Reply(req, ServerError, ErrorPayload{Code: CodeAgentOffline, Message: "Agent is offline"})

	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, ServerError, resp.Type)
}

func TestDecodeRoundTrip(t *testing.T) {
	env := New(ClientExecute, ExecutePayload{
		AgentID:   "agent-1",
		SessionID: "prov-1",
		Prompt:    "write a test",
	})

	var got ExecutePayload
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "prov-1", got.SessionID)
	assert.Equal(t, "write a test", got.Prompt)
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	env := &Envelope{Type: ClientAuth, Payload: []byte(`{"token":`)}

	var p ClientAuthPayload
	assert.Error(t, env.Decode(&p))
}

func TestOrderFeedReconstructsSequence(t *testing.T) {
	// Arrival order 3,1,2 must render as 1,2,3.
	arrival := []FeedEvent{
		FeedEventOf(New(ServerStream, StreamPayload{SessionID: "s1", Content: "c", Seq: 3})),
		FeedEventOf(New(ServerStream, StreamPayload{SessionID: "s1", Content: "a", Seq: 1})),
		FeedEventOf(New(ServerStream, StreamPayload{SessionID: "s1", Content: "b", Seq: 2})),
	}

	OrderFeed(arrival)

	var contents []string
	for _, ev := range arrival {
		var p StreamPayload
		require.NoError(t, ev.Envelope.Decode(&p))
		contents = append(contents, p.Content)
	}
	assert.Equal(t, []string{"a", "b", "c"}, contents)
}

func TestOrderFeedFallsBackToTimestamp(t *testing.T) {
	// Producers that omit seq order by envelope timestamp.
	early := FeedEventOf(&Envelope{Type: ServerThinking, Payload: []byte(`{}`), Timestamp: 100})
	late := FeedEventOf(&Envelope{Type: ServerThinking, Payload: []byte(`{}`), Timestamp: 200})

	events := []FeedEvent{late, early}
	OrderFeed(events)

	assert.Equal(t, int64(100), events[0].Timestamp)
	assert.Equal(t, int64(200), events[1].Timestamp)
}
