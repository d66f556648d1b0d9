package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aftionix/jobboard-realtime/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	sendBuffer = 64
	seenLimit  = 512
)

// Conn is one websocket connection bound to an authenticated identity.
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	identity Identity
	send     chan []byte

	closeOnce sync.Once

	// seen is the per-connection dedup set, a second line of defense behind
	// the hub's channel routing. Only touched from the hub run loop.
	seen      map[string]struct{}
	seenOrder []string
}

// markSeen records id and reports whether it was new to this connection.
func (c *Conn) markSeen(id string) bool {
	if _, dup := c.seen[id]; dup {
		return false
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return true
}

func (c *Conn) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// ServeWS returns the websocket upgrade handler. The credential is verified
// after the upgrade so an authentication failure reaches the client as an
// auth_error frame rather than an opaque handshake rejection.
func (h *Hub) ServeWS(secret []byte) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// the browser client is same-origin; notifyctl and tests are not
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug("websocket upgrade failed", "error", err)
			return
		}

		identity, err := VerifyToken(TokenFromRequest(r), secret)
		if err != nil {
			h.log.Warn("websocket auth rejected", "error", err)
			env, _ := notify.NewEnvelope(notify.EventAuthError, notify.AuthErrorPayload{
				Message: "authentication failed",
			})
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteJSON(env)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth failed"),
				time.Now().Add(writeWait))
			ws.Close()
			return
		}

		c := &Conn{
			hub:      h,
			ws:       ws,
			identity: identity,
			send:     make(chan []byte, sendBuffer),
			seen:     make(map[string]struct{}),
		}
		h.register <- c

		ack, _ := notify.NewEnvelope(notify.EventConnected, notify.ConnectedPayload{
			Message:   "Connected to real-time notifications",
			UserID:    identity.UserID,
			UserRoom:  "user_" + identity.UserID,
			Timestamp: time.Now().UTC(),
		})
		c.send <- marshal(ack)

		go c.writePump()
		// net/http cancels r.Context() the moment this handler returns, even
		// for hijacked connections; the pumps need a context that outlives it.
		go c.readPump(context.WithoutCancel(r.Context()))
	}
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Warn("unexpected close", "userId", c.identity.UserID, "error", err)
			} else {
				c.hub.log.Debug("connection closed", "userId", c.identity.UserID)
			}
			return
		}

		var env notify.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.hub.log.Debug("unreadable frame dropped", "userId", c.identity.UserID, "error", err)
			continue
		}
		c.handleInbound(ctx, env)
	}
}

func (c *Conn) handleInbound(ctx context.Context, env notify.Envelope) {
	switch env.Event {
	case notify.EventNotificationRead:
		var p notify.ReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.NotificationID == "" {
			c.hub.log.Debug("bad notification_read payload", "userId", c.identity.UserID)
			return
		}
		if c.hub.events != nil {
			c.hub.events.NotificationRead(ctx, c.identity.UserID, p.NotificationID)
		}

	case notify.EventTypingStart, notify.EventTypingStop:
		var p notify.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ReceiverID == "" {
			return
		}
		c.hub.relayTyping(c.identity, p.ReceiverID, env.Event == notify.EventTypingStart)

	case notify.EventCustom:
		c.hub.log.Debug("custom event", "userId", c.identity.UserID, "payload", string(env.Payload))

	default:
		c.hub.log.Debug("unknown inbound event dropped", "event", env.Event)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
