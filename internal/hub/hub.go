package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aftionix/jobboard-realtime/notify"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

// Identity is what the session provider vouches for at connect time.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Role   notify.Role
}

// Events receives client-originated domain intents read off connections.
type Events interface {
	// NotificationRead is the authoritative half of the client's optimistic
	// mark-as-read.
	NotificationRead(ctx context.Context, userID, notificationID string)
}

// Hub subscribes every authenticated connection to three logical channels:
// its personal channel (user_<id>), its role channel, and the implicit
// broadcast channel. Fan-out overlap between those channels is collapsed to
// at-most-once per connection by each connection's seen-set.
type Hub struct {
	log    *observability.Logger
	events Events

	register   chan *Conn
	unregister chan *Conn
	outbound   chan delivery

	conns map[*Conn]struct{}
	users map[string]map[*Conn]struct{}
	roles map[notify.Role]map[*Conn]struct{}

	// presence mirrors the registries for queries outside the run loop
	presenceMu sync.RWMutex
	presence   map[string]int
}

// delivery is one envelope addressed at a channel. dedupID is empty for
// frames exempt from per-connection dedup (count hints, typing relays).
type delivery struct {
	userID  string      // exactly one of userID/role set, or neither for broadcast
	role    notify.Role
	all     bool
	dedupID string
	channel string // metrics label
	frame   []byte
}

func New(log *observability.Logger) *Hub {
	return &Hub{
		log:        log.WithCategory("hub"),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		outbound:   make(chan delivery, 256),
		conns:      make(map[*Conn]struct{}),
		users:      make(map[string]map[*Conn]struct{}),
		roles:      make(map[notify.Role]map[*Conn]struct{}),
		presence:   make(map[string]int),
	}
}

// SetEvents wires the receiver for client-originated intents. Must be called
// before Run; the hub and the dispatch service reference each other, so one
// side has to be attached late.
func (h *Hub) SetEvents(events Events) {
	h.events = events
}

// Run owns every registry mutation. Call it once, typically in its own
// goroutine; it exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.conns {
				c.closeSend()
			}
			return

		case c := <-h.register:
			h.conns[c] = struct{}{}
			addConn(h.users, c.identity.UserID, c)
			addConn(h.roles, c.identity.Role, c)
			h.setPresence(c.identity.UserID, +1)
			observability.ActiveConnections.Inc()
			h.log.Info("client connected",
				"userId", c.identity.UserID, "role", c.identity.Role, "total", len(h.conns))

		case c := <-h.unregister:
			if _, ok := h.conns[c]; !ok {
				continue
			}
			delete(h.conns, c)
			removeConn(h.users, c.identity.UserID, c)
			removeConn(h.roles, c.identity.Role, c)
			h.setPresence(c.identity.UserID, -1)
			c.closeSend()
			observability.ActiveConnections.Dec()
			h.log.Info("client disconnected",
				"userId", c.identity.UserID, "total", len(h.conns))

		case d := <-h.outbound:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	var targets map[*Conn]struct{}
	switch {
	case d.all:
		targets = h.conns
	case d.userID != "":
		targets = h.users[d.userID]
	default:
		targets = h.roles[d.role]
	}

	for c := range targets {
		if d.dedupID != "" && !c.markSeen(d.dedupID) {
			observability.DuplicatesSuppressed.Inc()
			h.log.Debug("duplicate suppressed", "id", d.dedupID, "userId", c.identity.UserID)
			continue
		}
		select {
		case c.send <- d.frame:
			observability.NotificationsDelivered.WithLabelValues(d.channel).Inc()
		default:
			// slow consumer, drop the connection rather than block fan-out
			observability.SlowConsumersDropped.Inc()
			h.log.Warn("dropping slow consumer", "userId", c.identity.UserID)
			delete(h.conns, c)
			removeConn(h.users, c.identity.UserID, c)
			removeConn(h.roles, c.identity.Role, c)
			h.setPresence(c.identity.UserID, -1)
			c.closeSend()
			observability.ActiveConnections.Dec()
		}
	}
}

// PublishToUser delivers n on the recipient's personal channel.
func (h *Hub) PublishToUser(userID string, n *notify.Notification) {
	env, err := notify.NewEnvelope(notify.EventNewNotification, n)
	if err != nil {
		h.log.Error("encode notification", "error", err)
		return
	}
	h.enqueue(delivery{userID: userID, dedupID: n.ID, channel: "personal", frame: marshal(env)})
}

// PublishToRole delivers n to every connection holding the role.
func (h *Hub) PublishToRole(role notify.Role, n *notify.Notification) {
	env, err := notify.NewEnvelope(notify.RoleEventName(role), n)
	if err != nil {
		h.log.Error("encode role notification", "error", err)
		return
	}
	h.enqueue(delivery{role: role, dedupID: n.ID, channel: "role", frame: marshal(env)})
}

// Broadcast delivers n to every connected client.
func (h *Hub) Broadcast(n *notify.Notification) {
	env, err := notify.NewEnvelope(notify.EventBroadcast, n)
	if err != nil {
		h.log.Error("encode broadcast", "error", err)
		return
	}
	h.enqueue(delivery{all: true, dedupID: n.ID, channel: "broadcast", frame: marshal(env)})
}

// AnnounceJob pushes a job_created event to every jobseeker connection.
func (h *Hub) AnnounceJob(job notify.JobSummary) {
	env, err := notify.NewEnvelope(notify.EventJobCreated, notify.JobCreatedPayload{Job: job})
	if err != nil {
		h.log.Error("encode job_created", "error", err)
		return
	}
	dedup := ""
	if job.ID != "" {
		dedup = "job_" + job.ID
	}
	h.enqueue(delivery{role: notify.RoleJobseeker, dedupID: dedup, channel: "job", frame: marshal(env)})
}

// SendCountHint pushes the server's unread count to the user's connections.
func (h *Hub) SendCountHint(userID string, count int) {
	env, err := notify.NewEnvelope(notify.EventNotificationCount, notify.CountPayload{Count: count, UserID: userID})
	if err != nil {
		return
	}
	h.enqueue(delivery{userID: userID, channel: "count", frame: marshal(env)})
}

func (h *Hub) relayTyping(from Identity, receiverID string, typing bool) {
	env, err := notify.NewEnvelope(notify.EventUserTyping, notify.UserTypingPayload{
		UserID:   from.UserID,
		UserName: from.Name,
		IsTyping: typing,
	})
	if err != nil {
		return
	}
	h.enqueue(delivery{userID: receiverID, channel: "typing", frame: marshal(env)})
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.outbound <- d:
	default:
		h.log.Warn("hub outbound queue full, dropping frame", "channel", d.channel)
	}
}

// IsUserOnline reports whether the user has at least one live connection.
// Used by the publish service to decide on the email fallback.
func (h *Hub) IsUserOnline(userID string) bool {
	h.presenceMu.RLock()
	defer h.presenceMu.RUnlock()
	return h.presence[userID] > 0
}

// ConnectedUsers returns the number of distinct online users.
func (h *Hub) ConnectedUsers() int {
	h.presenceMu.RLock()
	defer h.presenceMu.RUnlock()
	return len(h.presence)
}

func (h *Hub) setPresence(userID string, delta int) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	h.presence[userID] += delta
	if h.presence[userID] <= 0 {
		delete(h.presence, userID)
	}
}

func addConn[K comparable](m map[K]map[*Conn]struct{}, key K, c *Conn) {
	set, ok := m[key]
	if !ok {
		set = make(map[*Conn]struct{})
		m[key] = set
	}
	set[c] = struct{}{}
}

func removeConn[K comparable](m map[K]map[*Conn]struct{}, key K, c *Conn) {
	if set, ok := m[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func marshal(env notify.Envelope) []byte {
	b, _ := json.Marshal(env)
	return b
}
