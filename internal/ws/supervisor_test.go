package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kiwi-bridge/internal/wire"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(context.Context) (string, error) { return s.token, nil }

type recordingDispatcher struct {
	events chan *wire.CanonicalEvent
}

func (d *recordingDispatcher) UpdateDeviceState(_ context.Context, _ string, ev *wire.CanonicalEvent) error {
	d.events <- ev
	return nil
}

// wsTestServer upgrades every request and hands the connection to fn.
func wsTestServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fn(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRetryDelay(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second}
	for i, w := range want {
		if got := RetryDelay(base, i+1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestSupervisorDispatchesEvents(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		payload, _ := json.Marshal(wire.EventPayload{DID: "lock-1", Name: wire.EventUnlocked, Level: wire.LevelInfo})
		frame, _ := json.Marshal(wire.Message{
			Header:  wire.Header{Namespace: wire.NamespaceDevice, Name: wire.NameEventNotify, MessageID: "m1"},
			Payload: payload,
		})
		conn.WriteMessage(websocket.TextMessage, frame)
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	dispatch := &recordingDispatcher{events: make(chan *wire.CanonicalEvent, 1)}
	s := NewSupervisor(wsURL(srv), staticTokens{token: "tok"}, NewQueue(), dispatch, Options{Heartbeat: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case ev := <-dispatch.events:
		if ev.DeviceID != "lock-1" || ev.Name != wire.EventUnlocked {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event was not dispatched")
	}

	s.Close()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if st := s.State(); st != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %v", st)
	}
}

func TestSupervisorSendsHeartbeat(t *testing.T) {
	pings := make(chan wire.Message, 1)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wire.Message
			if json.Unmarshal(data, &msg) == nil && msg.Header.Name == wire.NamePing {
				select {
				case pings <- msg:
				default:
				}
			}
		}
	})
	defer srv.Close()

	dispatch := &recordingDispatcher{events: make(chan *wire.CanonicalEvent, 1)}
	s := NewSupervisor(wsURL(srv), staticTokens{token: "tok"}, NewQueue(), dispatch, Options{Heartbeat: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case ping := <-pings:
		if ping.Header.Namespace != wire.NamespaceApplication || ping.Header.MessageID == "" {
			t.Fatalf("unexpected ping %+v", ping.Header)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat received")
	}
	s.Close()
	<-done
}

func TestSupervisorDrainsQueuedCommands(t *testing.T) {
	received := make(chan wire.Message, 1)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wire.Message
			if json.Unmarshal(data, &msg) == nil && msg.Header.Name == wire.NameCtrl {
				received <- msg
				return
			}
		}
	})
	defer srv.Close()

	queue := NewQueue()
	// Enqueued before any connection exists; must survive until the drainer attaches.
	cmd, err := wire.NewCtrl("sec", "lock-1", "data")
	if err != nil {
		t.Fatalf("new ctrl: %v", err)
	}
	queue.Enqueue(cmd)

	dispatch := &recordingDispatcher{events: make(chan *wire.CanonicalEvent, 1)}
	s := NewSupervisor(wsURL(srv), staticTokens{token: "tok"}, queue, dispatch, Options{Heartbeat: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case msg := <-received:
		if msg.Header.MessageID != cmd.Header.MessageID {
			t.Fatalf("expected %q, got %q", cmd.Header.MessageID, msg.Header.MessageID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued command never reached the socket")
	}
	s.Close()
	<-done
}

func TestSupervisorResolvesCtrlResponse(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wire.Message
			if json.Unmarshal(data, &msg) != nil || msg.Header.Name != wire.NameCtrl {
				continue
			}
			resp, _ := json.Marshal(wire.Message{
				Header:  wire.Header{Namespace: wire.NamespaceDevice, Name: wire.NameCtrlResponse, MessageID: msg.Header.MessageID},
				Payload: json.RawMessage(`{"result":0}`),
			})
			conn.WriteMessage(websocket.TextMessage, resp)
		}
	})
	defer srv.Close()

	queue := NewQueue()
	dispatch := &recordingDispatcher{events: make(chan *wire.CanonicalEvent, 1)}
	s := NewSupervisor(wsURL(srv), staticTokens{token: "tok"}, queue, dispatch, Options{Heartbeat: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	cmd, _ := wire.NewCtrl("sec", "lock-1", "data")
	ch := s.Await(cmd.Header.MessageID)
	queue.Enqueue(cmd)

	select {
	case resp, ok := <-ch:
		if !ok {
			t.Fatal("response channel closed unresolved")
		}
		if resp.Header.MessageID != cmd.Header.MessageID {
			t.Fatalf("correlation mismatch: %q vs %q", resp.Header.MessageID, cmd.Header.MessageID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ctrl response never resolved")
	}
	s.Close()
	<-done
}

func TestSupervisorDialsWithFreshToken(t *testing.T) {
	tokens := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case tokens <- r.URL.Query().Get("access_token"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dispatch := &recordingDispatcher{events: make(chan *wire.CanonicalEvent, 1)}
	s := NewSupervisor(wsURL(srv), staticTokens{token: "fresh-tok"}, NewQueue(), dispatch, Options{Heartbeat: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case tok := <-tokens:
		if tok != "fresh-tok" {
			t.Fatalf("expected fresh-tok in dial query, got %q", tok)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no dial observed")
	}
	s.Close()
	<-done
}

func TestSupervisorTerminatesAfterRetries(t *testing.T) {
	// Nothing listens here; every dial fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dispatch := &recordingDispatcher{events: make(chan *wire.CanonicalEvent, 1)}
	s := NewSupervisor(wsURL(srv), staticTokens{token: "tok"}, NewQueue(), dispatch,
		Options{Heartbeat: time.Hour, BaseDelay: time.Millisecond, MaxRetries: 2})

	err := s.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if st := s.State(); st != StateTerminated {
		t.Fatalf("expected terminated, got %v", st)
	}
}

func TestSupervisorAwaitFailsOnDisconnect(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		// Accept then immediately drop the connection.
		conn.Close()
	})
	defer srv.Close()

	dispatch := &recordingDispatcher{events: make(chan *wire.CanonicalEvent, 1)}
	s := NewSupervisor(wsURL(srv), staticTokens{token: "tok"}, NewQueue(), dispatch,
		Options{Heartbeat: time.Hour, BaseDelay: time.Millisecond, MaxRetries: 1})

	ch := s.Await("never-answered")
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed unresolved")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending response was not failed on disconnect")
	}
	s.Close()
	<-done
}
