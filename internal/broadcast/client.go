package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sensorvision/telemetry/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Authentication happens in front of this service.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	hub            *Hub
	conn           *websocket.Conn
	send           chan []byte
	organizationID uint
}

// ServeWS upgrades the request and streams the organization's messages
// until the peer disconnects or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, organizationID uint) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		hub:            h,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		organizationID: organizationID,
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	h.log.Debug("websocket subscriber connected",
		logger.String("remote", conn.RemoteAddr().String()),
		logger.Uint64("organization_id", uint64(organizationID)))

	go c.writePump()
	c.readPump()
	return nil
}

// readPump discards inbound messages; it exists to process control frames
// and to notice disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", logger.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
