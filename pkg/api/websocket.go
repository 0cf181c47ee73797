package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devhyun/dexflow/pkg/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS handled by the main server
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// feedClient streams one order's transition events to one connection.
// Subscribing to an unknown or already-terminal order id is valid; the feed
// just stays silent.
type feedClient struct {
	conn *websocket.Conn
	sub  *notify.Subscription
	log  *zap.SugaredLogger
}

// handleOrderFeed upgrades the connection and forwards transition events for
// the order in the path until the client disconnects. Forward-only: no
// replay of transitions that happened before the subscription.
func (s *Server) handleOrderFeed(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade", "err", err)
		return
	}

	c := &feedClient{
		conn: conn,
		sub:  s.bus.Subscribe(orderID),
		log:  s.log,
	}
	s.log.Infow("ws_subscribed", "order_id", orderID, "remote", conn.RemoteAddr().String())

	go c.writePump()
	go c.readPump()
}

// readPump discards client messages and detects disconnects. Closing the
// subscription here is what terminates the write pump.
func (c *feedClient) readPump() {
	defer func() {
		c.sub.Unsubscribe()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debugw("ws_read", "err", err)
			}
			return
		}
	}
}

// writePump forwards subscription events and keeps the connection alive with
// pings.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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
