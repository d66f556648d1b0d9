package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aftionix/jobboard-realtime/internal/dispatch"
	"github.com/aftionix/jobboard-realtime/internal/hub"
	"github.com/aftionix/jobboard-realtime/notify"
	"github.com/aftionix/jobboard-realtime/pkg/jsonutil"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

// Server holds the HTTP surface: the websocket endpoint, the REST fallback
// the client uses when the channel is down, and the internal publish API
// for sibling services.
type Server struct {
	svc         *dispatch.Service
	hub         *hub.Hub
	jwtSecret   []byte
	internalKey string
	log         *observability.Logger
}

func NewServer(svc *dispatch.Service, h *hub.Hub, jwtSecret []byte, internalKey string, log *observability.Logger) *Server {
	return &Server{svc: svc, hub: h, jwtSecret: jwtSecret, internalKey: internalKey, log: log}
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.ServeWS(s.jwtSecret))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.sessionAuth)
	api.HandleFunc("/notifications", s.ListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.NotificationAction).Methods(http.MethodPost)
	api.HandleFunc("/notifications/stats", s.NotificationStats).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}", s.PatchNotification).Methods(http.MethodPatch)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(s.internalAuth)
	internal.HandleFunc("/notify", s.InternalPublish).Methods(http.MethodPost)
	internal.HandleFunc("/broadcast", s.InternalBroadcast).Methods(http.MethodPost)

	return otelhttp.NewHandler(r, "realtime")
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	jsonutil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "active",
		"service":        "realtime",
		"connectedUsers": s.hub.ConnectedUsers(),
		"date":           time.Now().Format(time.DateTime),
	})
}

type identityKey struct{}

// sessionAuth verifies the same session token the websocket handshake uses,
// so REST fallback calls carry the identical identity.
func (s *Server) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := hub.VerifyToken(hub.TokenFromRequest(r), s.jwtSecret)
		if err != nil {
			jsonutil.WriteErrorJSON(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (s *Server) internalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Internal-Key")
		if s.internalKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.internalKey)) != 1 {
			jsonutil.WriteErrorJSON(w, http.StatusUnauthorized, "Invalid internal key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIdentity(r *http.Request) hub.Identity {
	id, _ := r.Context().Value(identityKey{}).(hub.Identity)
	return id
}

// ListNotifications serves the backlog the client's initial-state loader
// merges on every (re)connect.
func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	list, err := s.svc.Backlog(r.Context(), identity.UserID, limit)
	if err != nil {
		s.log.Error("list notifications failed", "userId", identity.UserID, "error", err)
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "Failed to load notifications")
		return
	}
	if list == nil {
		list = []*notify.Notification{}
	}
	jsonutil.WriteData(w, http.StatusOK, list)
}

// PatchNotification is the REST fallback for marking one notification read.
func (s *Server) PatchNotification(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)
	id := mux.Vars(r)["id"]

	var req struct {
		IsRead *bool `json:"isRead"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsRead == nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "isRead is required")
		return
	}
	if !*req.IsRead {
		// read state is monotonic; there is no un-read
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "Cannot mark a notification unread")
		return
	}

	if err := s.svc.MarkRead(r.Context(), identity.UserID, id); err != nil {
		s.log.Error("mark read failed", "id", id, "error", err)
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "Failed to update notification")
		return
	}
	jsonutil.WriteData(w, http.StatusOK, map[string]string{"id": id})
}

// NotificationAction handles bulk read-state actions.
func (s *Server) NotificationAction(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)

	var req struct {
		Action string      `json:"action"`
		Type   notify.Type `json:"type,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var err error
	switch req.Action {
	case "markAllRead":
		err = s.svc.MarkAllRead(r.Context(), identity.UserID)
	case "markReadByType":
		if req.Type == "" {
			jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "type is required")
			return
		}
		err = s.svc.MarkReadByType(r.Context(), identity.UserID, req.Type)
	default:
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "Unknown action")
		return
	}

	if err != nil {
		s.log.Error("notification action failed", "action", req.Action, "error", err)
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "Action failed")
		return
	}
	jsonutil.WriteData(w, http.StatusOK, map[string]string{"action": req.Action})
}

// NotificationStats serves the authoritative per-type read/unread aggregate.
func (s *Server) NotificationStats(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)

	stats, err := s.svc.Stats(r.Context(), identity.UserID)
	if err != nil {
		s.log.Error("stats failed", "userId", identity.UserID, "error", err)
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	jsonutil.WriteData(w, http.StatusOK, stats)
}

// InternalPublish lets sibling services publish without a broker round trip.
// The body is a dispatch.PublishCommand.
func (s *Server) InternalPublish(w http.ResponseWriter, r *http.Request) {
	var cmd dispatch.PublishCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.svc.Apply(r.Context(), cmd); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonutil.WriteData(w, http.StatusAccepted, map[string]string{"target": cmd.Target})
}

// InternalBroadcast is shorthand for a global broadcast.
func (s *Server) InternalBroadcast(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.svc.BroadcastAll(r.Context(), &n); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonutil.WriteData(w, http.StatusAccepted, map[string]string{"id": n.ID})
}
