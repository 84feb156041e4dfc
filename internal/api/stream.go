package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
	"github.com/firmforge/firmforge/internal/events"
	"github.com/firmforge/firmforge/internal/events/bus"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB

	// sendBufferSize bounds the per-client event backlog; a client that
	// falls further behind loses events rather than stalling the bus.
	sendBufferSize = 64
)

// StreamRunEvents upgrades to a websocket and forwards the run's bus
// events as JSON frames until the run reaches a terminal state. The
// first frame is a snapshot of the current state so subscribers joining
// mid-run start consistent.
// GET /api/runs/:runId/events
func (h *Handler) StreamRunEvents(c *gin.Context) {
	runID := c.Param("runId")
	state, ok := h.orch.Get(runID)
	if !ok {
		if !h.store.RunExists(runID) {
			appErr := errors.NotFound("run", runID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		state = h.diskRunState(runID)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("run_id", runID), zap.Error(err))
		return
	}
	client := newStreamClient(conn, h.logger.WithRunID(runID))

	var sub bus.Subscription
	if h.bus != nil {
		sub, err = h.bus.Subscribe(events.SubjectRun(runID), func(_ context.Context, evt *bus.Event) error {
			client.forward(evt)
			if events.Terminal(evt.Type) {
				client.close()
			}
			return nil
		})
		if err != nil {
			h.logger.Warn("websocket event subscription failed",
				zap.String("run_id", runID), zap.Error(err))
		}
	}

	client.forward(snapshotEvent(state))
	if state.Status.Terminal() {
		client.close()
	}

	go client.writePump()
	client.readPump()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	client.close()
}

// snapshotEvent wraps the current run state in the same envelope the
// bus events use, keeping the stream homogeneous for consumers.
func snapshotEvent(state v1.RunState) *bus.Event {
	return bus.NewEvent(events.RunSnapshot, "api", map[string]interface{}{
		"run_id":   state.RunID,
		"status":   string(state.Status),
		"stage":    state.CurrentStage,
		"progress": state.Progress,
		"errors":   state.Errors,
	})
}

// streamClient is one websocket subscriber to a run's events.
type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu     sync.RWMutex
	closed bool
}

func newStreamClient(conn *websocket.Conn, log *logger.Logger) *streamClient {
	return &streamClient{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: log,
	}
}

// forward encodes an event and queues it for the write pump.
func (c *streamClient) forward(evt *bus.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Warn("failed to encode run event", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Debug("dropping event for slow websocket client",
			zap.String("type", evt.Type))
	}
}

// trySend enqueues without blocking. Senders hold the read lock so
// close cannot shut the channel under an in-flight send.
func (c *streamClient) trySend(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the send channel once; the write pump drains what is
// queued and then closes the connection.
func (c *streamClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump consumes the connection until the peer goes away. The
// stream is one-way; inbound frames only feed the pong handler.
func (c *streamClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump drains the send channel onto the connection, batching
// queued frames and keeping the peer alive with pings.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
