package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	// Per-subscriber outbound buffer. A subscriber that cannot drain it in
	// time is dropped and reconciles by refetching the results.
	sendBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type message struct {
	pollID  int64
	payload []byte
}

// Hub groups websocket subscribers by poll and fans result snapshots out to
// each group. Membership and delivery are independent of vote admission.
type Hub struct {
	log *slog.Logger

	rooms map[int64]map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan message
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:        log,
		rooms:      make(map[int64]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan message, 64),
	}
}

// Run owns the room registry. It must be running before any subscriber joins.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			room, ok := h.rooms[c.pollID]
			if !ok {
				room = make(map[*client]struct{})
				h.rooms[c.pollID] = room
			}
			room[c] = struct{}{}
		case c := <-h.unregister:
			if room, ok := h.rooms[c.pollID]; ok {
				if _, ok := room[c]; ok {
					delete(room, c)
					close(c.send)
					if len(room) == 0 {
						delete(h.rooms, c.pollID)
					}
				}
			}
		case msg := <-h.broadcast:
			for c := range h.rooms[msg.pollID] {
				select {
				case c.send <- msg.payload:
				default:
					// Slow subscriber, at-most-once delivery: drop it.
					delete(h.rooms[msg.pollID], c)
					close(c.send)
				}
			}
		case <-ctx.Done():
			for _, room := range h.rooms {
				for c := range room {
					close(c.send)
				}
			}
			return
		}
	}
}

// Broadcast delivers the snapshot to every current subscriber of the poll.
// Best effort: if the hub is saturated the snapshot is dropped.
func (h *Hub) Broadcast(pollID int64, snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message{pollID: pollID, payload: payload}:
	default:
		h.log.Warn("live broadcast dropped", slog.Int64("pollID", pollID))
	}

	return nil
}

// ServeWS upgrades the request and joins the connection to the poll's group.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, pollID int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		hub:    h,
		conn:   conn,
		pollID: pollID,
		send:   make(chan []byte, sendBuffer),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()

	return nil
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	pollID int64
	send   chan []byte
}

// readPump discards inbound frames; the socket is push-only. It exists to
// observe pongs and connection loss.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
