package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// client pairs one websocket connection with its outbound queue.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Slow consumer; drop the connection rather than the whole fan-out.
		c.hub.logger.Warn("dropping slow client", zap.String("conn_id", c.id))
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// readPump decodes inbound frames into events and hands them to the engine.
// Its exit is the single disconnect-cleanup trigger for the connection.
func (c *client) readPump(engine Engine) {
	defer func() {
		c.hub.remove(c.id)
		engine.HandleDisconnect(c.id)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		var event session.Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.hub.logger.Debug("dropping malformed frame", zap.String("conn_id", c.id), zap.Error(err))
			continue
		}
		engine.HandleEvent(c.id, event)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
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
