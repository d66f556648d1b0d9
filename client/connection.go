package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aftionix/jobboard-realtime/notify"
)

// ErrAuthRejected is the terminal authentication failure. The server
// delivered an auth_error frame; retrying with the same credential would
// only fail again, so the session stops without consuming reconnect budget.
var ErrAuthRejected = errors.New("client: authentication rejected by server")

// session owns one websocket lifecycle including its reconnect budget. A new
// Connect call gets a new session with a fresh budget.
type session struct {
	c *Client

	mu   sync.Mutex
	conn *websocket.Conn

	// authed marks that the current dial reached authenticated. Only touched
	// from the run goroutine; readLoop executes on the same goroutine.
	authed bool
}

func newSession(c *Client) *session {
	return &session{c: c}
}

// run drives the attempt loop: after reconnectAttempts consecutive failed
// dials beyond the first, the session gives up; each dial that reaches
// authenticated resets the count. Backoff is exponential between failures.
// Auth rejection is fatal; exhausting the budget degrades to REST polling
// when configured.
func (s *session) run(ctx context.Context) {
	log := s.c.log.WithCategory("transport")

	delay := s.c.reconnectFloor
	failures := 0
	for {
		s.authed = false
		err := s.connectOnce(ctx)
		switch {
		case errors.Is(err, ErrAuthRejected):
			log.Error("authentication rejected, giving up", "failures", failures)
			s.c.setState(StateError)
			return
		case ctx.Err() != nil:
			s.c.setState(StateDisconnected)
			return
		}

		// The budget bounds consecutive failed dials, not lifetime
		// reconnects: a dial that reached authenticated restores the full
		// allowance for whatever drops the connection next.
		if s.authed {
			failures = 0
			delay = s.c.reconnectFloor
		} else {
			failures++
		}

		if failures > s.c.reconnectAttempts {
			log.Warn("reconnect budget exhausted", "failures", failures)
			s.c.setState(StateDisconnected)
			s.pollLoop(ctx)
			return
		}

		log.Debug("connection lost, retrying", "failures", failures, "delay", delay.String(), "error", errString(err))
		s.c.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			s.c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.c.reconnectCap {
			delay = s.c.reconnectCap
		}
	}
}

// connectOnce performs a single dial-authenticate-read cycle and returns
// when the connection drops. A clean shutdown returns ctx.Err.
func (s *session) connectOnce(ctx context.Context) error {
	s.c.setState(StateConnecting)

	token, err := s.c.tokens.Token(ctx)
	if err != nil {
		// No credential means nothing to authenticate with; treat as fatal
		// rather than hammering the server.
		return errors.Join(ErrAuthRejected, err)
	}

	wsURL, err := websocketURL(s.c.baseURL)
	if err != nil {
		return err
	}

	dialer := &websocket.Dialer{HandshakeTimeout: s.c.handshakeTimeout}
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()
	s.c.setState(StateConnected)

	// Close the socket when ctx is cancelled so the read loop unblocks.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-readDone:
		}
	}()

	return s.readLoop(ctx, conn)
}

func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	log := s.c.log.WithCategory("transport")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("connection dropped", "error", err.Error())
			} else {
				log.Debug("connection closed")
			}
			return err
		}

		var env notify.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn("discarding malformed frame", "error", err.Error())
			continue
		}

		switch env.Event {
		case notify.EventAuthError:
			return ErrAuthRejected
		case notify.EventConnected:
			s.authed = true
			s.c.setState(StateAuthenticated)
			go s.c.onAuthenticated(ctx)
		case notify.EventNotificationCount:
			s.handleCount(env.Payload)
		case notify.EventUserTyping:
			s.handleTyping(env.Payload)
		default:
			s.handleNotification(ctx, env)
		}
	}
}

func (s *session) handleNotification(ctx context.Context, env notify.Envelope) {
	n, err := notify.DecodeInbound(env)
	if err != nil {
		if !errors.Is(err, notify.ErrNotNotification) {
			s.c.log.WithCategory("transport").Warn("discarding malformed notification",
				"event", env.Event, "error", err.Error())
		}
		return
	}
	s.c.accept(ctx, *n)
}

func (s *session) handleCount(payload json.RawMessage) {
	var p notify.CountPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if s.c.onCountHint != nil {
		s.c.onCountHint(p.Count)
	}
}

func (s *session) handleTyping(payload json.RawMessage) {
	var p notify.UserTypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if s.c.onTyping != nil {
		s.c.onTyping(p)
	}
}

// pollLoop is the degraded mode after the reconnect budget runs out: fetch
// the backlog over REST on an interval so the local set keeps converging
// even without a channel.
func (s *session) pollLoop(ctx context.Context) {
	if s.c.pollInterval <= 0 {
		return
	}
	log := s.c.log.WithCategory("transport")
	log.Warn("entering REST polling fallback", "interval", s.c.pollInterval.String())

	ticker := time.NewTicker(s.c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.c.loadBacklog(ctx); err != nil {
				log.Debug("poll failed", "error", err.Error())
			}
		}
	}
}

func (s *session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// emit sends an envelope on the live connection. It reports false when no
// connection is up; callers fall back to REST.
func (s *session) emit(event string, payload any) bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	env, err := notify.NewEnvelope(event, payload)
	if err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(env) == nil
}

// accept routes one inbound notification: dedup-insert into the store,
// present it, then fire the application hook. Duplicates stop here.
func (c *Client) accept(ctx context.Context, n notify.Notification) {
	if !c.store.Insert(n) {
		c.log.WithCategory("store").Debug("duplicate suppressed", "id", n.ID)
		return
	}
	c.presenter.Present(ctx, c.role, n)
	if c.onNotification != nil {
		c.onNotification(n)
	}
}

// onAuthenticated runs once per authenticated transition: load the backlog,
// then flush any read-state changes made while offline.
func (c *Client) onAuthenticated(ctx context.Context) {
	log := c.log.WithCategory("sync")
	if err := c.loadBacklog(ctx); err != nil {
		log.Warn("initial state load failed", "error", err.Error())
	}
	c.flushPending(ctx)
}

// websocketURL converts an http(s) base URL to its ws(s) /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("client: unsupported scheme " + u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
