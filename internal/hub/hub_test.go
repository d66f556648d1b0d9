package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aftionix/jobboard-realtime/notify"
	"github.com/aftionix/jobboard-realtime/pkg/observability"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(observability.NewLogger("hub-test"))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(h.ServeWS(testSecret))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, identity Identity) *websocket.Conn {
	t.Helper()
	token := mustToken(t, identity, testSecret)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// every authenticated connection starts with the connected ack
	env := readEnvelope(t, conn)
	if env.Event != notify.EventConnected {
		t.Fatalf("expected connected ack, got %s", env.Event)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) notify.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env notify.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return env
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, within time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(within))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", raw)
	}
}

func waitOnline(t *testing.T, h *Hub, userID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.IsUserOnline(userID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("user %s never came online", userID)
}

func TestHub_ConnectAckAndPresence(t *testing.T) {
	h, srv := startHub(t)

	if h.IsUserOnline("u1") {
		t.Error("u1 online before connecting")
	}
	conn := dial(t, srv, Identity{UserID: "u1", Role: notify.RoleJobseeker})
	waitOnline(t, h, "u1")

	if h.ConnectedUsers() != 1 {
		t.Errorf("expected 1 connected user, got %d", h.ConnectedUsers())
	}

	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && h.IsUserOnline("u1") {
		time.Sleep(5 * time.Millisecond)
	}
	if h.IsUserOnline("u1") {
		t.Error("u1 still online after close")
	}
}

func TestHub_AuthRejectionSendsAuthError(t *testing.T) {
	_, srv := startHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the rejection arrives as a frame, not as a handshake failure
	env := readEnvelope(t, conn)
	if env.Event != notify.EventAuthError {
		t.Fatalf("expected auth_error, got %s", env.Event)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("expected policy violation close, got %v", err)
	}
}

func TestHub_PublishToUserTargetsOnlyRecipient(t *testing.T) {
	h, srv := startHub(t)

	alice := dial(t, srv, Identity{UserID: "alice", Role: notify.RoleJobseeker})
	bob := dial(t, srv, Identity{UserID: "bob", Role: notify.RoleJobseeker})
	waitOnline(t, h, "alice")
	waitOnline(t, h, "bob")

	h.PublishToUser("alice", &notify.Notification{
		ID: "n1", Type: notify.TypeJobMatch, Title: "t", Message: "m",
	})

	env := readEnvelope(t, alice)
	if env.Event != notify.EventNewNotification {
		t.Fatalf("expected new_notification, got %s", env.Event)
	}
	expectNoFrame(t, bob, 100*time.Millisecond)
}

func TestHub_DuplicateSuppressedPerConnection(t *testing.T) {
	h, srv := startHub(t)

	conn := dial(t, srv, Identity{UserID: "u1", Role: notify.RoleJobseeker})
	waitOnline(t, h, "u1")

	n := &notify.Notification{ID: "n1", Type: notify.TypeJobMatch, Title: "t", Message: "m"}
	// the same notification arrives on the personal channel and as a broadcast
	h.PublishToUser("u1", n)
	h.Broadcast(n)

	env := readEnvelope(t, conn)
	if env.Event != notify.EventNewNotification {
		t.Fatalf("expected new_notification first, got %s", env.Event)
	}
	expectNoFrame(t, conn, 150*time.Millisecond)
}

func TestHub_RoleChannel(t *testing.T) {
	h, srv := startHub(t)

	seeker := dial(t, srv, Identity{UserID: "s1", Role: notify.RoleJobseeker})
	employer := dial(t, srv, Identity{UserID: "e1", Role: notify.RoleEmployer})
	waitOnline(t, h, "s1")
	waitOnline(t, h, "e1")

	h.PublishToRole(notify.RoleEmployer, &notify.Notification{
		ID: "n1", Type: notify.TypeNewApplication, Title: "t", Message: "m",
	})

	env := readEnvelope(t, employer)
	if env.Event != notify.RoleEventName(notify.RoleEmployer) {
		t.Fatalf("expected role event, got %s", env.Event)
	}
	expectNoFrame(t, seeker, 100*time.Millisecond)
}

func TestHub_AnnounceJobReachesJobseekers(t *testing.T) {
	h, srv := startHub(t)

	seeker := dial(t, srv, Identity{UserID: "s1", Role: notify.RoleJobseeker})
	employer := dial(t, srv, Identity{UserID: "e1", Role: notify.RoleEmployer})
	waitOnline(t, h, "s1")
	waitOnline(t, h, "e1")

	h.AnnounceJob(notify.JobSummary{ID: "j1", Title: "Engineer", Company: "Acme"})

	env := readEnvelope(t, seeker)
	if env.Event != notify.EventJobCreated {
		t.Fatalf("expected job_created, got %s", env.Event)
	}
	var p notify.JobCreatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Job.ID != "j1" {
		t.Errorf("bad job payload: %s (%v)", env.Payload, err)
	}
	expectNoFrame(t, employer, 100*time.Millisecond)
}

func TestHub_SendCountHintBypassesDedup(t *testing.T) {
	h, srv := startHub(t)

	conn := dial(t, srv, Identity{UserID: "u1", Role: notify.RoleJobseeker})
	waitOnline(t, h, "u1")

	h.SendCountHint("u1", 3)
	h.SendCountHint("u1", 2)

	for _, want := range []int{3, 2} {
		env := readEnvelope(t, conn)
		if env.Event != notify.EventNotificationCount {
			t.Fatalf("expected notification_count, got %s", env.Event)
		}
		var p notify.CountPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Count != want {
			t.Errorf("expected count %d, got %s", want, env.Payload)
		}
	}
}

type readEvent struct {
	userID         string
	notificationID string
	ctxErr         error
}

type eventsRecorder struct {
	ch chan readEvent
}

func (e *eventsRecorder) NotificationRead(ctx context.Context, userID, notificationID string) {
	e.ch <- readEvent{userID: userID, notificationID: notificationID, ctxErr: ctx.Err()}
}

func TestHub_InboundNotificationRead(t *testing.T) {
	h, srv := startHub(t)
	rec := &eventsRecorder{ch: make(chan readEvent, 1)}
	h.SetEvents(rec)

	conn := dial(t, srv, Identity{UserID: "u1", Role: notify.RoleJobseeker})
	waitOnline(t, h, "u1")

	env, _ := notify.NewEnvelope(notify.EventNotificationRead, notify.ReadPayload{NotificationID: "n9"})
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-rec.ch:
		if got.userID != "u1" || got.notificationID != "n9" {
			t.Errorf("expected u1/n9, got %s/%s", got.userID, got.notificationID)
		}
		// the upgrade handler has long returned by the time the frame
		// arrives; the context handed to the receiver must still be live or
		// every store write downstream fails
		if got.ctxErr != nil {
			t.Errorf("events receiver got a dead context: %v", got.ctxErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification_read never reached the events receiver")
	}
}

func TestHub_TypingRelay(t *testing.T) {
	h, srv := startHub(t)

	sender := dial(t, srv, Identity{UserID: "u1", Name: "Alice", Role: notify.RoleJobseeker})
	receiver := dial(t, srv, Identity{UserID: "u2", Role: notify.RoleEmployer})
	waitOnline(t, h, "u1")
	waitOnline(t, h, "u2")

	env, _ := notify.NewEnvelope(notify.EventTypingStart, notify.TypingPayload{ReceiverID: "u2"})
	if err := sender.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readEnvelope(t, receiver)
	if got.Event != notify.EventUserTyping {
		t.Fatalf("expected user_typing, got %s", got.Event)
	}
	var p notify.UserTypingPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil || p.UserID != "u1" || !p.IsTyping || p.UserName != "Alice" {
		t.Errorf("bad typing payload: %s (%v)", got.Payload, err)
	}
}
