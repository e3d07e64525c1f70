// ABOUTME: Outbound half of a relay connection: buffered queue plus writer goroutine.
// ABOUTME: Send never blocks the router; a full queue drops the envelope.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

const outboundQueueSize = 256

var errConnClosed = errors.New("connection closed")

// Conn wraps a websocket with a single writer goroutine. All envelope
// writes funnel through the queue so concurrent senders never contend
// on the socket, and a stalled peer cannot stall the router.
type Conn struct {
	ws           *websocket.Conn
	out          chan *protocol.Envelope
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}

	log *slog.Logger
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration, log *slog.Logger) *Conn {
	c := &Conn{
		ws:           ws,
		out:          make(chan *protocol.Envelope, outboundQueueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		log:          log,
	}
	go c.writeLoop()
	return c
}

// Send queues an envelope for delivery. It returns immediately: if the
// queue is full the envelope is dropped and logged, on the theory that
// a consumer too slow to drain the queue has already lost the stream.
func (c *Conn) Send(_ context.Context, env *protocol.Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.out <- env:
		return nil
	default:
		c.log.Warn("outbound queue full, dropping envelope", "type", env.Type)
		return nil
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.out:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("marshaling envelope", "type", env.Type, "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			err = c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.log.Debug("write failed, closing connection", "error", err)
				c.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// Close tears the connection down with the given close code. Safe to
// call multiple times; only the first call reaches the wire.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close(code, reason)
	})
	return err
}
