package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aftionix/jobboard-realtime/notify"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

// ErrInvalidNotification rejects publishes lacking a displayable title or
// message before they can corrupt any client's state.
var ErrInvalidNotification = errors.New("notification requires title and message")

// Store is the persistence contract the service needs. *Repository satisfies it.
type Store interface {
	Create(ctx context.Context, n *notify.Notification) error
	ListRecent(ctx context.Context, userID string, limit int) ([]*notify.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) error
	MarkReadByType(ctx context.Context, userID string, t notify.Type) error
	UnreadCount(ctx context.Context, userID string) (int, error)
	StatsByType(ctx context.Context, userID string) (notify.Stats, error)
}

// Broadcaster is the channel-router contract. *hub.Hub satisfies it.
type Broadcaster interface {
	PublishToUser(userID string, n *notify.Notification)
	PublishToRole(role notify.Role, n *notify.Notification)
	Broadcast(n *notify.Notification)
	AnnounceJob(job notify.JobSummary)
	SendCountHint(userID string, count int)
	IsUserOnline(userID string) bool
}

// Mailer delivers the offline fallback. *EmailService satisfies it.
type Mailer interface {
	SendNotificationEmail(ctx context.Context, to string, n *notify.Notification) error
}

// Service is the publish pipeline: persist, fan out over the hub, push a
// fresh count hint, and fall back to email for offline recipients.
type Service struct {
	store  Store
	hub    Broadcaster
	mailer Mailer
	rdb    *redis.Client
	log    *observability.Logger
}

func NewService(store Store, hub Broadcaster, mailer Mailer, rdb *redis.Client, log *observability.Logger) *Service {
	return &Service{store: store, hub: hub, mailer: mailer, rdb: rdb, log: log.WithCategory("dispatch")}
}

// NotifyUser publishes n on the recipient's personal channel. email, when
// known, enables the offline fallback. Persistence failures are logged and
// delivery continues; the row is only the reconnect backlog, not the
// delivery path.
func (s *Service) NotifyUser(ctx context.Context, userID, email string, n *notify.Notification) error {
	if err := s.prepare(n, userID, "n"); err != nil {
		return err
	}

	if err := s.store.Create(ctx, n); err != nil {
		s.log.Error("persist notification failed", "id", n.ID, "error", err)
	}

	s.hub.PublishToUser(userID, n)
	s.pushCountHint(ctx, userID)

	if !s.hub.IsUserOnline(userID) && email != "" && s.mailer != nil {
		observability.EmailFallbacksQueued.Inc()
		if err := s.mailer.SendNotificationEmail(ctx, email, n); err != nil {
			s.log.Warn("email fallback failed", "id", n.ID, "error", err)
		}
	}
	return nil
}

// NotifyRole pushes n to every live connection holding the role. Role pushes
// are transient: they have no single recipient row, so durability comes from
// the per-user notifications the domain router also emits.
func (s *Service) NotifyRole(ctx context.Context, role notify.Role, n *notify.Notification) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if err := s.prepare(n, "", string(role)); err != nil {
		return err
	}
	s.hub.PublishToRole(role, n)
	return nil
}

// BroadcastAll pushes n to every connected client.
func (s *Service) BroadcastAll(ctx context.Context, n *notify.Notification) error {
	if err := s.prepare(n, "", "broadcast"); err != nil {
		return err
	}
	if n.Type == "" {
		n.Type = notify.TypeBroadcast
	}
	s.hub.Broadcast(n)
	return nil
}

// AnnounceJob pushes a job_created event to the jobseeker role channel.
func (s *Service) AnnounceJob(ctx context.Context, job notify.JobSummary) error {
	if job.Title == "" || job.Company == "" {
		return ErrInvalidNotification
	}
	s.hub.AnnounceJob(job)
	return nil
}

func (s *Service) prepare(n *notify.Notification, recipientID, idPrefix string) error {
	if n.Title == "" || n.Message == "" {
		return ErrInvalidNotification
	}
	if n.ID == "" {
		n.ID = notify.SynthesizeID(idPrefix)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if recipientID != "" {
		n.RecipientID = recipientID
	}
	return nil
}

// NotificationRead implements hub.Events: the authoritative half of the
// client's optimistic mark-as-read, arriving over the websocket.
func (s *Service) NotificationRead(ctx context.Context, userID, notificationID string) {
	if err := s.store.MarkRead(ctx, userID, notificationID); err != nil {
		s.log.Warn("mark read failed", "id", notificationID, "error", err)
		return
	}
	s.pushCountHint(ctx, userID)
}

// MarkRead is the REST fallback for a single notification.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	if err := s.store.MarkRead(ctx, userID, notificationID); err != nil {
		return err
	}
	s.pushCountHint(ctx, userID)
	return nil
}

// MarkAllRead acknowledges the user's whole backlog.
func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	if err := s.store.MarkAllRead(ctx, userID); err != nil {
		return err
	}
	s.pushCountHint(ctx, userID)
	return nil
}

// MarkReadByType acknowledges every unread notification of one type.
func (s *Service) MarkReadByType(ctx context.Context, userID string, t notify.Type) error {
	if err := s.store.MarkReadByType(ctx, userID, t); err != nil {
		return err
	}
	s.pushCountHint(ctx, userID)
	return nil
}

// Backlog returns the recent notifications the initial-state loader merges.
func (s *Service) Backlog(ctx context.Context, userID string, limit int) ([]*notify.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListRecent(ctx, userID, limit)
}

// Stats returns the authoritative per-type aggregate.
func (s *Service) Stats(ctx context.Context, userID string) (notify.Stats, error) {
	return s.store.StatsByType(ctx, userID)
}

// pushCountHint recomputes the server-side unread count, caches it, and
// pushes it to the user's connections.
func (s *Service) pushCountHint(ctx context.Context, userID string) {
	count, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		s.log.Warn("unread count failed", "userId", userID, "error", err)
		return
	}
	if s.rdb != nil {
		s.rdb.Set(ctx, "notify:unread:"+userID, count, time.Hour)
	}
	s.hub.SendCountHint(userID, count)
}

// PublishCommand is the shape sibling services put on the Redis bridge
// channel when they want to publish without speaking AMQP.
type PublishCommand struct {
	Target       string               `json:"target"` // "user" | "role" | "broadcast" | "job"
	UserID       string               `json:"userId,omitempty"`
	Email        string               `json:"email,omitempty"`
	Role         notify.Role          `json:"role,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Job          *notify.JobSummary   `json:"job,omitempty"`
}

// BridgeChannel is the Redis pub/sub channel the web application publishes on.
const BridgeChannel = "notify:publish"

// RunBridge subscribes to the Redis bridge channel and applies publish
// commands until ctx is cancelled. Malformed commands are dropped silently.
func (s *Service) RunBridge(ctx context.Context) error {
	if s.rdb == nil {
		return errors.New("redis not configured")
	}

	sub := s.rdb.Subscribe(ctx, BridgeChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var cmd PublishCommand
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				s.log.Debug("bad bridge command dropped", "error", err)
				continue
			}
			if err := s.Apply(ctx, cmd); err != nil {
				s.log.Debug("bridge command rejected", "target", cmd.Target, "error", err)
			}
		}
	}
}

// Apply executes one publish command from the bridge or the internal API.
func (s *Service) Apply(ctx context.Context, cmd PublishCommand) error {
	switch cmd.Target {
	case "user":
		if cmd.UserID == "" || cmd.Notification == nil {
			return ErrInvalidNotification
		}
		return s.NotifyUser(ctx, cmd.UserID, cmd.Email, cmd.Notification)
	case "role":
		if cmd.Notification == nil {
			return ErrInvalidNotification
		}
		return s.NotifyRole(ctx, cmd.Role, cmd.Notification)
	case "broadcast":
		if cmd.Notification == nil {
			return ErrInvalidNotification
		}
		return s.BroadcastAll(ctx, cmd.Notification)
	case "job":
		if cmd.Job == nil {
			return ErrInvalidNotification
		}
		return s.AnnounceJob(ctx, *cmd.Job)
	default:
		return fmt.Errorf("unknown publish target %q", cmd.Target)
	}
}
