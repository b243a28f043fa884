package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/wellness-monitor/internal/policy"
	"github.com/sweeney/wellness-monitor/internal/session"
	"github.com/sweeney/wellness-monitor/internal/status"
)

const testInterval = 20 * time.Millisecond

func startHub(t *testing.T) (string, *Hub, *status.Tracker) {
	t.Helper()
	tr := status.NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), status.Config{})
	hub := NewHub(tr, testInterval, nil)
	srv := New(":0", tr, WithHub(hub))

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.Handler())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", hub, tr
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count: got %d, want %d", hub.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubSendsStatusOnConnect(t *testing.T) {
	url, hub, tr := startHub(t)
	tr.Update(session.Metrics{State: session.StateRunning}, policy.BlinkState{}, policy.PostureState{})

	conn := dial(t, url)
	msg := readMessage(t, conn)
	if msg.Event != "status" {
		t.Fatalf("event: got %q, want status", msg.Event)
	}
	var sj status.StatusJSON
	if err := json.Unmarshal(msg.Data, &sj); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if sj.Status.Session.State != "running" {
		t.Errorf("state: got %q, want running", sj.Status.Session.State)
	}
	waitForClients(t, hub, 1)
}

func TestHubBroadcastsPeriodically(t *testing.T) {
	url, _, _ := startHub(t)
	conn := dial(t, url)

	readMessage(t, conn) // initial
	if msg := readMessage(t, conn); msg.Event != "status" {
		t.Errorf("periodic event: got %q, want status", msg.Event)
	}
}

func TestHubForwardsNotifications(t *testing.T) {
	url, hub, _ := startHub(t)
	conn := dial(t, url)
	readMessage(t, conn)
	waitForClients(t, hub, 1)

	n := policy.BlinkNotification(5)
	if err := hub.Notify(n); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	for i := 0; i < 10; i++ {
		msg := readMessage(t, conn)
		if msg.Event != "notification" {
			continue
		}
		var got policy.Notification
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal notification: %v", err)
		}
		if got != n {
			t.Errorf("notification: got %+v, want %+v", got, n)
		}
		return
	}
	t.Fatal("notification not received")
}

func TestHubUnregistersOnClose(t *testing.T) {
	url, hub, _ := startHub(t)
	conn := dial(t, url)
	readMessage(t, conn)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHubIsNotifier(t *testing.T) {
	var _ policy.Notifier = (*Hub)(nil)
}
