package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
)

// wsHub fans committed entries out to live-feed clients. A single hub
// goroutine owns the connection set; registration, removal, and broadcast
// all go through channels.
type wsHub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// The feed is read-only and carries no credentials, so any origin may
// subscribe.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("stream client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			h.remove(conn)

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Slow client; drop it rather than stall the feed.
					h.remove(conn)
				}
			}

		case <-h.done:
			for conn := range h.connections {
				h.remove(conn)
			}
			return
		}
	}
}

func (h *wsHub) remove(conn *wsConn) {
	if _, ok := h.connections[conn]; !ok {
		return
	}
	delete(h.connections, conn)
	close(conn.send)
	slog.Debug("stream client disconnected", "total", len(h.connections))
}

// broadcast queues msg for every client. A full queue drops the message.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		slog.Warn("stream broadcast queue full, dropping entry")
	}
}

func (h *wsHub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// handleStream upgrades the request and registers the client.
// GET /api/v1/stream
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, clientSendBuffer)}
	select {
	case s.hub.registerCh <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.hub)
}

// writePump sends queued messages until the hub closes the send channel.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards client messages and unregisters on disconnect.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
