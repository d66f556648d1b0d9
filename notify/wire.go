package notify

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire event names. Every websocket frame is an Envelope carrying one of
// these tags plus a JSON payload.
const (
	// server -> client
	EventConnected         = "connected"
	EventAuthError         = "auth_error"
	EventNewNotification   = "new_notification"
	EventBroadcast         = "broadcast_notification"
	EventJobCreated        = "job_created"
	EventNotificationCount = "notification_count"
	EventUserTyping        = "user_typing"

	// client -> server
	EventNotificationRead = "notification_read"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventCustom           = "custom_event"

	// role-targeted events are "notification:<role>"
	roleEventPrefix = "notification:"
)

// ErrMalformed flags an inbound frame that cannot produce a displayable
// notification. Callers drop these at the boundary and never surface them.
var ErrMalformed = errors.New("malformed notification payload")

// ErrNotNotification flags an inbound event that is valid wire traffic but
// does not carry a notification (count hints, typing indicators, acks).
var ErrNotNotification = errors.New("event does not carry a notification")

// Envelope is the framing for every websocket message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it with the event tag.
func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// RoleEventName returns the wire event used for role-targeted fan-out.
func RoleEventName(role Role) string {
	return roleEventPrefix + string(role)
}

// ConnectedPayload is the handshake ack sent once a connection is
// authenticated and subscribed to its channels.
type ConnectedPayload struct {
	Message   string    `json:"message"`
	UserID    string    `json:"userId"`
	UserRoom  string    `json:"userRoom"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthErrorPayload tells the client its credential was rejected. Fatal for
// the session; clients must not reconnect with the same credential.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// CountPayload is the server's unread-count hint.
type CountPayload struct {
	Count  int    `json:"count"`
	UserID string `json:"userId"`
}

// ReadPayload is the client's read acknowledgement.
type ReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// TypingPayload addresses a typing indicator at another user.
type TypingPayload struct {
	ReceiverID string `json:"receiverId"`
}

// UserTypingPayload is the fan-out of a typing indicator.
type UserTypingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// JobSummary is the slice of a job posting carried by job_created events.
type JobSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Company  string `json:"company"`
	Location string `json:"location,omitempty"`
}

// JobCreatedPayload announces a freshly posted job to jobseekers.
type JobCreatedPayload struct {
	Job JobSummary `json:"job"`
}

// roleEventPayload is the role-targeted shape. It may omit id and createdAt;
// DecodeInbound synthesizes them so replays stay distinguishable.
type roleEventPayload struct {
	ID        string         `json:"id,omitempty"`
	Type      Type           `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitzero"`
}

// DecodeInbound turns any notification-carrying inbound envelope into the
// canonical record. The four shapes (direct, role-tagged, broadcast,
// job-created) all land here; everything downstream sees one type.
//
// Returns ErrNotNotification for envelopes that are valid traffic but carry
// no notification, and ErrMalformed for frames missing title or message.
func DecodeInbound(env Envelope) (*Notification, error) {
	switch {
	case env.Event == EventNewNotification:
		var n Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return finishDecode(&n, "n")

	case env.Event == EventBroadcast:
		var n Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if n.Type == "" {
			n.Type = TypeBroadcast
		}
		return finishDecode(&n, "broadcast")

	case strings.HasPrefix(env.Event, roleEventPrefix):
		role := Role(strings.TrimPrefix(env.Event, roleEventPrefix))
		var p roleEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if p.Type == "" {
			// an untyped record would pollute per-type stats with an empty key
			p.Type = TypeSystemAlert
		}
		n := &Notification{
			ID:        p.ID,
			Type:      p.Type,
			Title:     p.Title,
			Message:   p.Message,
			Data:      p.Data,
			CreatedAt: p.CreatedAt,
		}
		return finishDecode(n, string(role))

	case env.Event == EventJobCreated:
		var p JobCreatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if p.Job.Title == "" || p.Job.Company == "" {
			return nil, ErrMalformed
		}
		n := &Notification{
			Type:    TypeJobCreated,
			Title:   "New Job Posted",
			Message: fmt.Sprintf("%s at %s", p.Job.Title, p.Job.Company),
			Data:    map[string]any{"jobId": p.Job.ID},
		}
		if p.Job.ID != "" {
			n.ID = "job_" + p.Job.ID
		}
		return finishDecode(n, "job")

	default:
		return nil, ErrNotNotification
	}
}

func finishDecode(n *Notification, idPrefix string) (*Notification, error) {
	if n.Title == "" || n.Message == "" {
		return nil, ErrMalformed
	}
	if n.ID == "" {
		n.ID = SynthesizeID(idPrefix)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n, nil
}

// SynthesizeID builds a stable-format identifier for events that arrive
// without one: "<prefix>_<unix ms>_<random hex>". The random suffix keeps
// replays distinguishable from genuinely new events in the same millisecond.
func SynthesizeID(prefix string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back anyway
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(b))
}
