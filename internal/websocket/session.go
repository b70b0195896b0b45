package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed so a stalled client cannot block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the client.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Input answers are capped well
	// below this by the env var limits, so anything larger is garbage.
	maxMessageSize = 4096

	// sendBufferSize is the capacity of the per-session outbound channel.
	// A session whose buffer fills up is too slow and is disconnected.
	sendBufferSize = 64

	// tailBlock is how long one XRead call blocks waiting for new output.
	tailBlock = 2 * time.Second
)

// Session is one WebSocket connection bound to one task. Two goroutines feed
// the outbound channel (the output tail and the status subscription); the
// writePump serialises them onto the wire; the readPump consumes input
// answers from the peer.
type Session struct {
	conn   *websocket.Conn
	task   *db.Task
	tasks  repositories.TaskRepository
	fabric *redisio.Fabric
	replay int64
	logger *zap.Logger

	send      chan any
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn, task *db.Task, tasks repositories.TaskRepository, fabric *redisio.Fabric, replay int64, logger *zap.Logger) *Session {
	return &Session{
		conn:   conn,
		task:   task,
		tasks:  tasks,
		fabric: fabric,
		replay: replay,
		logger: logger.With(zap.String("task_id", task.ID.String())),
		send:   make(chan any, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// run blocks until the connection closes or ctx is canceled.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writePump()
	go s.statusPump(ctx)
	go s.outputPump(ctx)
	s.readPump(ctx)

	cancel()
	s.shutdown()
}

// enqueue queues a frame for delivery. Returns false when the session is
// closed or the peer is too slow to keep up.
func (s *Session) enqueue(msg any) bool {
	select {
	case <-s.closed:
		return false
	case s.send <- msg:
		return true
	default:
		s.logger.Warn("ws: send buffer full, dropping client")
		s.shutdown()
		return false
	}
}

// shutdown closes the connection once; safe to call from any goroutine.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// closeNormal sends a close frame with code 1000 and tears the session down.
func (s *Session) closeNormal(reason string) {
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	s.shutdown()
}

// statusPump sends a snapshot of the task's current state, then forwards
// every status transition from the task's pub/sub channel. It closes the
// session when a terminal status is seen.
func (s *Session) statusPump(ctx context.Context) {
	sub := s.fabric.SubscribeStatus(ctx, s.task.ID.String())
	defer sub.Close()

	// Snapshot from the database so a late subscriber still learns where
	// the task stands.
	snapshot := map[string]any{"status": string(s.task.Status)}
	if len(s.task.Results) > 0 {
		var results any
		if err := json.Unmarshal(s.task.Results, &results); err == nil {
			snapshot["results"] = results
		}
	}
	if !s.enqueue(Message{Type: "status", TaskID: s.task.ID.String(), Timestamp: time.Now().UnixMicro(), Data: snapshot}) {
		return
	}
	if s.task.Status.IsTerminal() {
		// Give the replay a moment to drain before closing.
		time.Sleep(100 * time.Millisecond)
		s.closeNormal("task already finished")
		return
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sm, err := redisio.DecodeStatusMessage([]byte(msg.Payload))
			if err != nil {
				continue
			}
			status, err := db.ParseTaskStatus(sm.Status)
			if err != nil {
				continue
			}
			if !s.enqueue(Message{Type: "status", TaskID: s.task.ID.String(), Timestamp: time.Now().UnixMicro(), Data: map[string]any{"status": string(status), "data": sm.Data}}) {
				return
			}
			if status.IsTerminal() {
				time.Sleep(100 * time.Millisecond)
				s.closeNormal("task finished")
				return
			}
		}
	}
}

// outputPump replays the last `replay` output entries and then tails the
// stream until the session closes.
func (s *Session) outputPump(ctx context.Context) {
	taskID := s.task.ID.String()
	lastID := "0"

	if s.replay > 0 {
		events, err := s.fabric.ReplayOutput(ctx, taskID, s.replay)
		if err != nil {
			s.logger.Warn("ws: replay failed", zap.Error(err))
		}
		for _, ev := range events {
			if !s.enqueue(outputFrame(ev)) {
				return
			}
			lastID = ev.ID
		}
	} else {
		lastID = "$"
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}
		events, next, err := s.fabric.TailOutput(ctx, taskID, lastID, tailBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("ws: tail failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		lastID = next
		for _, ev := range events {
			if !s.enqueue(outputFrame(ev)) {
				return
			}
		}
	}
}

// readPump consumes input answers from the peer. The only accepted frame is
// a UserInput whose request_id matches the task's pending input request.
func (s *Session) readPump(ctx context.Context) {
	defer s.shutdown()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		var input UserInput
		if err := json.Unmarshal(raw, &input); err != nil {
			s.enqueue(ErrorMessage{Error: "Invalid JSON format"})
			continue
		}
		if strings.TrimSpace(input.RequestID) == "" {
			s.enqueue(ErrorMessage{Error: "Invalid input payload"})
			continue
		}
		if err := s.forwardInput(ctx, input); err != nil {
			s.enqueue(ErrorMessage{Error: err.Error()})
		}
	}
}

// forwardInput validates the answer against the task's pending request and
// publishes it on the input_response channel. The input lock serializes
// concurrent answers to the same prompt.
func (s *Session) forwardInput(ctx context.Context, input UserInput) error {
	task, err := s.tasks.Get(ctx, s.task.ID)
	if err != nil {
		return errInvalidInputRequest
	}
	if task.Status != db.TaskWaitingForInput || task.InputRequestID == nil || *task.InputRequestID != input.RequestID {
		return errInvalidInputRequest
	}
	ok, err := s.fabric.AcquireInputLock(ctx, s.task.ID.String())
	if err != nil || !ok {
		return errInvalidInputRequest
	}
	defer s.fabric.ReleaseInputLock(ctx, s.task.ID.String())
	if err := s.fabric.PublishInputResponse(ctx, s.task.ID.String(), input.RequestID, input.Data); err != nil {
		s.logger.Error("ws: failed to publish input response", zap.Error(err))
		return errInvalidInputRequest
	}
	s.logger.Info("ws: input forwarded", zap.String("request_id", input.RequestID))
	return nil
}

// writePump is the only goroutine writing data frames to the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// outputFrame converts a stream entry into the wire envelope.
func outputFrame(ev redisio.OutputEvent) Message {
	return Message{
		Type:      ev.Type,
		TaskID:    ev.TaskID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
		RequestID: ev.RequestID,
		Password:  strings.EqualFold(ev.Password, "true"),
	}
}
