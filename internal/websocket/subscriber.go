package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxCommandSize = 512
	snapshotWait   = 2 * time.Second
	sendBuffer     = 64
)

// subscriber is one socket. readLoop handles commands, writeLoop owns every
// write to the connection.
type subscriber struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newSubscriber(hub *Hub, conn *websocket.Conn) *subscriber {
	return &subscriber{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// enqueue hands a frame to writeLoop without blocking. It reports false
// when the buffer is full or the subscriber is gone.
func (s *subscriber) enqueue(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *subscriber) emit(event Event) {
	event.At = time.Now()
	frame, err := json.Marshal(event)
	if err != nil {
		s.hub.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return
	}
	s.enqueue(frame)
}

func (s *subscriber) fail(msg string) {
	s.emit(Event{Type: EventError, Data: map[string]string{"error": msg}})
}

// close stops writeLoop. The connection itself is closed by writeLoop.
func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *subscriber) readLoop() {
	defer func() {
		s.hub.leave(s)
		s.hub.logger.Debug("subscriber disconnected", "subscriber_id", s.id)
	}()

	s.conn.SetReadLimit(maxCommandSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := s.conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.fail("invalid command")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("websocket read failed", "subscriber_id", s.id, "error", err)
			}
			return
		}
		s.handle(cmd)
	}
}

func (s *subscriber) handle(cmd Command) {
	switch cmd.Type {
	case CommandSubscribe:
		if cmd.Board == "" {
			s.fail("board required for subscribe")
			return
		}
		board := normalizeBoard(cmd.Board)
		if !s.hub.subscribe(s, board) {
			return
		}
		s.emit(Event{Type: EventSubscribed, Board: board})
		s.sendSnapshot(board)

	case CommandUnsubscribe:
		if cmd.Board == "" {
			s.fail("board required for unsubscribe")
			return
		}
		board := normalizeBoard(cmd.Board)
		s.hub.unsubscribe(s, board)
		s.emit(Event{Type: EventUnsubscribed, Board: board})

	case CommandPing:
		s.emit(Event{Type: EventPong})

	default:
		s.fail("unknown command " + cmd.Type)
	}
}

func (s *subscriber) sendSnapshot(board string) {
	if s.hub.source == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotWait)
	defer cancel()

	snap, err := s.hub.snapshot(ctx, board)
	if err != nil {
		s.hub.logger.Warn("failed to read board snapshot", "board", board, "error", err)
		s.fail("snapshot unavailable")
		return
	}
	s.emit(Event{Type: EventSnapshot, Board: board, Data: snap})
}

func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.hub.logger.Debug("websocket write failed", "subscriber_id", s.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
