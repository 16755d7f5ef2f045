// SPDX-License-Identifier: MIT

package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator views live on the admin network; origin is not a boundary here.
	CheckOrigin: func(*http.Request) bool { return true },
}

type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &subscriber{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.add(s)

	go s.writePump()
	go s.readPump()
}

// readPump consumes inbound frames. The only application message subscribers
// send is {"type":"ping"}, answered with a pong envelope.
func (s *subscriber) readPump() {
	defer func() {
		s.hub.drop(s, "read closed")
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == TypePing {
			pong, _ := json.Marshal(Message{
				Type:      TypePong,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			select {
			case s.send <- pong:
			default:
			}
		}
	}
}

// writePump drains the send buffer onto the connection with per-send
// deadlines and keeps the protocol-level ping alive.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.hub.drop(s, "write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.drop(s, "ping failed")
				return
			}
		}
	}
}
