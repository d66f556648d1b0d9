package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/aftionix/jobboard-realtime/notify"
)

// pendingSync accumulates read-state changes that could not reach the server
// at the time they were made. It is flushed after every authenticated
// transition. There is no rollback path: the local flag is authoritative for
// this session and the server converges when the flush lands.
type pendingSync struct {
	mu    sync.Mutex
	reads map[string]struct{}
	all   bool
	types map[notify.Type]struct{}
}

func newPendingSync() *pendingSync {
	return &pendingSync{
		reads: make(map[string]struct{}),
		types: make(map[notify.Type]struct{}),
	}
}

func (p *pendingSync) addRead(id string) {
	p.mu.Lock()
	p.reads[id] = struct{}{}
	p.mu.Unlock()
}

func (p *pendingSync) addAll() {
	p.mu.Lock()
	// markAllRead subsumes every narrower pending change
	p.all = true
	p.reads = make(map[string]struct{})
	p.types = make(map[notify.Type]struct{})
	p.mu.Unlock()
}

func (p *pendingSync) addType(t notify.Type) {
	p.mu.Lock()
	if !p.all {
		p.types[t] = struct{}{}
	}
	p.mu.Unlock()
}

// drain returns and clears the accumulated changes.
func (p *pendingSync) drain() (reads []string, all bool, types []notify.Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.reads {
		reads = append(reads, id)
	}
	for t := range p.types {
		types = append(types, t)
	}
	all = p.all
	p.reads = make(map[string]struct{})
	p.types = make(map[notify.Type]struct{})
	p.all = false
	return reads, all, types
}

func (p *pendingSync) clear() {
	p.mu.Lock()
	p.reads = make(map[string]struct{})
	p.types = make(map[notify.Type]struct{})
	p.all = false
	p.mu.Unlock()
}

// MarkRead flips a notification to read. The local flag changes immediately
// and never rolls back; server sync rides the live channel when there is
// one, the REST API otherwise, and the pending queue when both fail.
func (c *Client) MarkRead(ctx context.Context, id string) {
	c.store.MarkRead(id)

	if s := c.liveSession(); s != nil && s.emit(notify.EventNotificationRead, notify.ReadPayload{NotificationID: id}) {
		return
	}
	if err := c.patchRead(ctx, id); err != nil {
		c.log.WithCategory("sync").Debug("read sync deferred", "id", id, "error", err.Error())
		c.pending.addRead(id)
	}
}

// MarkAllRead flips every local notification to read and syncs via REST.
func (c *Client) MarkAllRead(ctx context.Context) {
	c.store.MarkAllRead()
	if err := c.postAction(ctx, "markAllRead", ""); err != nil {
		c.log.WithCategory("sync").Debug("markAllRead sync deferred", "error", err.Error())
		c.pending.addAll()
	}
}

// MarkReadByType flips every local notification of one type to read and
// syncs via REST.
func (c *Client) MarkReadByType(ctx context.Context, t notify.Type) {
	c.store.MarkReadByType(t)
	if err := c.postAction(ctx, "markReadByType", t); err != nil {
		c.log.WithCategory("sync").Debug("markReadByType sync deferred", "type", string(t), "error", err.Error())
		c.pending.addType(t)
	}
}

// flushPending replays read-state changes made while offline.
func (c *Client) flushPending(ctx context.Context) {
	reads, all, types := c.pending.drain()
	log := c.log.WithCategory("sync")

	if all {
		if err := c.postAction(ctx, "markAllRead", ""); err != nil {
			log.Warn("pending markAllRead flush failed", "error", err.Error())
			c.pending.addAll()
		}
		return
	}
	for _, t := range types {
		if err := c.postAction(ctx, "markReadByType", t); err != nil {
			log.Warn("pending markReadByType flush failed", "type", string(t), "error", err.Error())
			c.pending.addType(t)
		}
	}
	for _, id := range reads {
		if err := c.patchRead(ctx, id); err != nil {
			log.Warn("pending read flush failed", "id", id, "error", err.Error())
			c.pending.addRead(id)
		}
	}
}

// StatsByType returns the per-type read/unread aggregate. It asks the server
// first and falls back to aggregating the local set when the endpoint is
// unreachable, so the caller always gets an answer.
func (c *Client) StatsByType(ctx context.Context) (notify.Stats, error) {
	var stats notify.Stats
	if err := c.getJSON(ctx, "/api/notifications/stats", &stats); err != nil {
		c.log.WithCategory("sync").Debug("stats endpoint unavailable, using local aggregate", "error", err.Error())
		return c.store.StatsByType(), nil
	}
	return stats, nil
}

// SendTyping emits a typing indicator to another user. Advisory: it is
// silently dropped when no channel is up.
func (c *Client) SendTyping(receiverID string, typing bool) {
	event := notify.EventTypingStart
	if !typing {
		event = notify.EventTypingStop
	}
	if s := c.liveSession(); s != nil {
		s.emit(event, notify.TypingPayload{ReceiverID: receiverID})
	}
}

// Emit sends an application-defined event. Advisory, like SendTyping.
func (c *Client) Emit(event string, payload any) {
	if s := c.liveSession(); s != nil {
		s.emit(event, payload)
	}
}

func (c *Client) liveSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return nil
	}
	return c.session
}

// loadBacklog fetches the most recent notifications page and merges it into
// the local set. Runs on every authenticated transition and on each poll
// tick in degraded mode.
func (c *Client) loadBacklog(ctx context.Context) error {
	var backlog []notify.Notification
	path := "/api/notifications?limit=" + strconv.Itoa(c.backlogLimit)
	if err := c.getJSON(ctx, path, &backlog); err != nil {
		return err
	}
	c.store.Merge(backlog)
	return nil
}

// restEnvelope is the API's {success, data, error} wrapper.
type restEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) patchRead(ctx context.Context, id string) error {
	body, _ := json.Marshal(map[string]bool{"isRead": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.baseURL+"/api/notifications/"+id, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, nil)
}

func (c *Client) postAction(ctx context.Context, action string, t notify.Type) error {
	body, _ := json.Marshal(struct {
		Action string      `json:"action"`
		Type   notify.Type `json:"type,omitempty"`
	}{Action: action, Type: t})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, nil)
}

// doJSON authenticates the request with a fresh token, executes it, and
// unwraps the success envelope into out when out is non-nil.
func (c *Client) doJSON(req *http.Request, out any) error {
	token, err := c.tokens.Token(req.Context())
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var env restEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", req.Method, req.URL.Path, resp.StatusCode, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
		}
	}
	return nil
}
