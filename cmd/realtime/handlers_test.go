package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aftionix/jobboard-realtime/internal/dispatch"
	"github.com/aftionix/jobboard-realtime/internal/hub"
	"github.com/aftionix/jobboard-realtime/notify"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

var testSecret = []byte("handler-test-secret")

type stubStore struct {
	backlog    []*notify.Notification
	markedRead [][2]string
	markedAll  []string
	stats      notify.Stats
}

func (s *stubStore) Create(ctx context.Context, n *notify.Notification) error { return nil }

func (s *stubStore) ListRecent(ctx context.Context, userID string, limit int) ([]*notify.Notification, error) {
	return s.backlog, nil
}

func (s *stubStore) MarkRead(ctx context.Context, userID, id string) error {
	s.markedRead = append(s.markedRead, [2]string{userID, id})
	return nil
}

func (s *stubStore) MarkAllRead(ctx context.Context, userID string) error {
	s.markedAll = append(s.markedAll, userID)
	return nil
}

func (s *stubStore) MarkReadByType(ctx context.Context, userID string, t notify.Type) error {
	return nil
}

func (s *stubStore) UnreadCount(ctx context.Context, userID string) (int, error) { return 0, nil }

func (s *stubStore) StatsByType(ctx context.Context, userID string) (notify.Stats, error) {
	return s.stats, nil
}

type stubBroadcaster struct {
	toUser     int
	broadcasts int
}

func (b *stubBroadcaster) PublishToUser(userID string, n *notify.Notification)    { b.toUser++ }
func (b *stubBroadcaster) PublishToRole(role notify.Role, n *notify.Notification) {}
func (b *stubBroadcaster) Broadcast(n *notify.Notification)                       { b.broadcasts++ }
func (b *stubBroadcaster) AnnounceJob(job notify.JobSummary)                      {}
func (b *stubBroadcaster) SendCountHint(userID string, count int)                 {}
func (b *stubBroadcaster) IsUserOnline(userID string) bool                        { return true }

func newTestHTTPServer(t *testing.T, store *stubStore, bc *stubBroadcaster) http.Handler {
	t.Helper()
	log := observability.NewLogger("handlers-test")
	svc := dispatch.NewService(store, bc, nil, nil, log)
	h := hub.New(log)
	return NewServer(svc, h, testSecret, "internal-key", log).Routes()
}

func authedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	token, err := hub.IssueToken(hub.Identity{UserID: "u1", Role: notify.RoleJobseeker}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) json.RawMessage {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body.String())
	}
	if !env.Success {
		t.Fatalf("expected success envelope, got error %q", env.Error)
	}
	return env.Data
}

func TestHealth(t *testing.T) {
	handler := newTestHTTPServer(t, &stubStore{}, &stubBroadcaster{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "active" || body["service"] != "realtime" {
		t.Errorf("unexpected health body: %s", w.Body.String())
	}
}

func TestListNotifications_RequiresAuth(t *testing.T) {
	handler := newTestHTTPServer(t, &stubStore{}, &stubBroadcaster{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", w.Code)
	}
}

func TestListNotifications(t *testing.T) {
	store := &stubStore{backlog: []*notify.Notification{
		{ID: "n1", RecipientID: "u1", Type: notify.TypeJobMatch, Title: "t", Message: "m"},
	}}
	handler := newTestHTTPServer(t, store, &stubBroadcaster{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/notifications?limit=10", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var list []notify.Notification
	if err := json.Unmarshal(decodeEnvelope(t, w), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "n1" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestPatchNotification(t *testing.T) {
	store := &stubStore{}
	handler := newTestHTTPServer(t, store, &stubBroadcaster{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(t, http.MethodPatch, "/api/notifications/n1", []byte(`{"isRead":true}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.markedRead) != 1 || store.markedRead[0] != [2]string{"u1", "n1"} {
		t.Errorf("expected mark read u1/n1, got %v", store.markedRead)
	}
}

func TestPatchNotification_RejectsUnread(t *testing.T) {
	handler := newTestHTTPServer(t, &stubStore{}, &stubBroadcaster{})

	cases := map[string][]byte{
		"unread":  []byte(`{"isRead":false}`),
		"missing": []byte(`{}`),
		"garbage": []byte(`{{`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, authedRequest(t, http.MethodPatch, "/api/notifications/n1", body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestNotificationAction_MarkAllRead(t *testing.T) {
	store := &stubStore{}
	handler := newTestHTTPServer(t, store, &stubBroadcaster{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/notifications", []byte(`{"action":"markAllRead"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.markedAll) != 1 || store.markedAll[0] != "u1" {
		t.Errorf("expected markAllRead for u1, got %v", store.markedAll)
	}
}

func TestNotificationAction_Unknown(t *testing.T) {
	handler := newTestHTTPServer(t, &stubStore{}, &stubBroadcaster{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/notifications", []byte(`{"action":"explode"}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown action, got %d", w.Code)
	}
}

func TestNotificationStats(t *testing.T) {
	store := &stubStore{stats: notify.Stats{
		notify.TypeJobMatch: {Read: 2, Unread: 5},
	}}
	handler := newTestHTTPServer(t, store, &stubBroadcaster{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/notifications/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats notify.Stats
	if err := json.Unmarshal(decodeEnvelope(t, w), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if got := stats[notify.TypeJobMatch]; got.Read != 2 || got.Unread != 5 {
		t.Errorf("expected 2/5, got %d/%d", got.Read, got.Unread)
	}
}

func TestInternalPublish_RequiresKey(t *testing.T) {
	handler := newTestHTTPServer(t, &stubStore{}, &stubBroadcaster{})

	body := []byte(`{"target":"broadcast","notification":{"title":"t","message":"m"}}`)

	req := httptest.NewRequest(http.MethodPost, "/internal/notify", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/notify", bytes.NewReader(body))
	req.Header.Set("X-Internal-Key", "wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", w.Code)
	}
}

func TestInternalPublish(t *testing.T) {
	bc := &stubBroadcaster{}
	handler := newTestHTTPServer(t, &stubStore{}, bc)

	body := []byte(`{"target":"user","userId":"u1","notification":{"type":"SYSTEM_ALERT","title":"t","message":"m"}}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/notify", bytes.NewReader(body))
	req.Header.Set("X-Internal-Key", "internal-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if bc.toUser != 1 {
		t.Errorf("expected 1 user publish, got %d", bc.toUser)
	}
}

func TestInternalBroadcast(t *testing.T) {
	bc := &stubBroadcaster{}
	handler := newTestHTTPServer(t, &stubStore{}, bc)

	req := httptest.NewRequest(http.MethodPost, "/internal/broadcast",
		bytes.NewReader([]byte(`{"title":"Maintenance","message":"Tonight 2am"}`)))
	req.Header.Set("X-Internal-Key", "internal-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if bc.broadcasts != 1 {
		t.Errorf("expected 1 broadcast, got %d", bc.broadcasts)
	}
}
