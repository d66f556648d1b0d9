// Package client is the Go client for the Aftionix realtime notification
// service. It owns one connection per authenticated session, keeps the local
// notification set consistent across reconnects, and falls back to the REST
// API whenever the channel is unavailable.
package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aftionix/jobboard-realtime/notify"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

// State is the connection lifecycle. Only StateAuthenticated connections
// accept and emit domain events.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// TokenSource supplies the session credential. It is invoked fresh on every
// connection attempt and every REST call; tokens are never cached beyond the
// attempt they were issued for.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken returns a TokenSource for a fixed credential, for tools and
// tests where the session outlives the token anyway.
func StaticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

const (
	defaultReconnectAttempts = 2
	defaultReconnectFloor    = 2 * time.Second
	defaultReconnectCap      = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultBacklogLimit      = 50
	defaultPollInterval      = 30 * time.Second
)

// Client is a session-scoped realtime notification client. Construct one on
// login and Close it on logout; it is never a process-wide singleton.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	presenter  *Presenter
	role       notify.Role
	log        *observability.Logger

	reconnectAttempts int
	reconnectFloor    time.Duration
	reconnectCap      time.Duration
	handshakeTimeout  time.Duration
	backlogLimit      int
	pollInterval      time.Duration

	onNotification func(notify.Notification)
	onStateChange  func(State)
	onCountHint    func(int)
	onTyping       func(notify.UserTypingPayload)

	store   *Store
	pending *pendingSync

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	session *session
	done    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPresenter sets the delivery presenter for inbound notifications.
func WithPresenter(p *Presenter) Option {
	return func(c *Client) { c.presenter = p }
}

// WithLogger sets the structured logger.
func WithLogger(log *observability.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithReconnectPolicy bounds reconnection. Attempts cap consecutive failed
// dials, deliberately few so an unreachable server degrades quietly instead
// of looping; a dial that authenticates restores the full allowance.
func WithReconnectPolicy(attempts int, floor, cap time.Duration) Option {
	return func(c *Client) {
		c.reconnectAttempts = attempts
		c.reconnectFloor = floor
		c.reconnectCap = cap
	}
}

// WithHandshakeTimeout bounds the websocket dial.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithBacklogLimit sets the page size of the initial-state load.
func WithBacklogLimit(n int) Option {
	return func(c *Client) { c.backlogLimit = n }
}

// WithPollInterval sets the REST polling cadence used after reconnection
// attempts are exhausted. Zero disables the polling fallback.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// OnNotification registers a hook invoked for every newly inserted
// notification, after the presenter has run.
func OnNotification(fn func(notify.Notification)) Option {
	return func(c *Client) { c.onNotification = fn }
}

// OnStateChange registers a hook for connection state transitions.
func OnStateChange(fn func(State)) Option {
	return func(c *Client) { c.onStateChange = fn }
}

// OnCountHint registers a hook for server unread-count hints.
func OnCountHint(fn func(int)) Option {
	return func(c *Client) { c.onCountHint = fn }
}

// OnTyping registers a hook for typing indicators.
func OnTyping(fn func(notify.UserTypingPayload)) Option {
	return func(c *Client) { c.onTyping = fn }
}

// New creates a client for baseURL (e.g. "https://aftionix.in"). role is
// used for presentation only; the server derives channels from the token.
func New(baseURL string, role notify.Role, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:           baseURL,
		tokens:            tokens,
		role:              role,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		log:               observability.NewLogger("realtime-client"),
		reconnectAttempts: defaultReconnectAttempts,
		reconnectFloor:    defaultReconnectFloor,
		reconnectCap:      defaultReconnectCap,
		handshakeTimeout:  defaultHandshakeTimeout,
		backlogLimit:      defaultBacklogLimit,
		pollInterval:      defaultPollInterval,
		store:             NewStore(),
		pending:           newPendingSync(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.presenter == nil {
		c.presenter = NewPresenter(nil, nil, c.log)
	}
	return c
}

// Connect starts the session: dial, authenticate, load the backlog, and keep
// the channel alive within the reconnect budget. It returns immediately; use
// OnStateChange to observe progress. Calling Connect on a live session is a
// no-op.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.session = newSession(c)
	go func() {
		defer close(c.done)
		c.session.run(ctx)
	}()
}

// Close tears down the connection and clears all local state. No state from
// this session may leak into the next identity.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.session = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.store.Clear()
	c.pending.clear()
	c.setState(StateDisconnected)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	fn := c.onStateChange
	c.mu.Unlock()

	if changed && fn != nil {
		fn(s)
	}
}

// Notifications returns a snapshot of the local set, newest first.
func (c *Client) Notifications() []notify.Notification {
	return c.store.List()
}

// UnreadCount is derived from the local set on every call; it is never
// stored separately, so it cannot drift.
func (c *Client) UnreadCount() int {
	return c.store.UnreadCount()
}

// ClearNotifications empties the local set. This is the user's explicit
// clear action, not a transport event.
func (c *Client) ClearNotifications() {
	c.store.Clear()
}
