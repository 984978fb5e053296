package realtime

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		return strings.Contains(origin, "://"+strings.TrimSpace(r.Host))
	},
}

// Client is one WebSocket connection subscribed to a project room.
type Client struct {
	ID          string
	ProjectID   string
	DisplayName string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newClient(projectID, displayName string, conn *websocket.Conn) *Client {
	return &Client{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		DisplayName: displayName,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Serve upgrades the request, joins the client to the project room and pumps
// messages until the connection drops. It blocks for the connection's
// lifetime, so it is called from the HTTP handler goroutine.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, projectID, displayName string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := newClient(projectID, displayName, conn)
	h.add(client)

	go client.writePump()
	client.readPump(h)
	return nil
}

// readPump drains incoming frames. Clients only speak to the server through
// the REST API; frames are read solely to notice closes and answer pings.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
