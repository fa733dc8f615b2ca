package registry

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// dialPair spins up a test server that upgrades one connection and returns
// both ends of the resulting websocket, so Send has something real to write
// to.
func dialPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	serverConn := <-serverCh
	t.Cleanup(func() { _ = serverConn.Close() })
	return serverConn, clientConn
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRegisterAndSend(t *testing.T) {
	serverConn, clientConn := dialPair(t)
	r := New(15*time.Second, nil, discardLogger())
	r.Register("node-1", "conn-1", serverConn)

	if err := r.Send("node-1", Frame{Type: "pod:start"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"type":"pod:start"`) {
		t.Fatalf("unexpected frame payload: %s", data)
	}
}

func TestSendToUnknownNodeIsOffline(t *testing.T) {
	r := New(15*time.Second, nil, discardLogger())
	if err := r.Send("ghost", Frame{Type: "pod:start"}); !errors.Is(err, ErrNodeOffline) {
		t.Fatalf("expected ErrNodeOffline, got %v", err)
	}
}

func TestReleaseInvokesOnOffline(t *testing.T) {
	serverConn, _ := dialPair(t)

	released := make(chan string, 1)
	r := New(15*time.Second, func(nodeID string) { released <- nodeID }, discardLogger())
	r.Register("node-1", "conn-1", serverConn)
	r.Release("node-1")

	select {
	case nodeID := <-released:
		if nodeID != "node-1" {
			t.Fatalf("expected node-1, got %s", nodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("onOffline callback never fired")
	}

	if r.IsOnline("node-1") {
		t.Fatal("expected node-1 to be offline after release")
	}
	if err := r.Send("node-1", Frame{Type: "pod:stop"}); !errors.Is(err, ErrNodeOffline) {
		t.Fatalf("expected ErrNodeOffline after release, got %v", err)
	}
}

func TestSnapshotOnline(t *testing.T) {
	serverConn, _ := dialPair(t)
	r := New(15*time.Second, nil, discardLogger())
	r.Register("node-1", "conn-1", serverConn)

	online := r.SnapshotOnline()
	if len(online) != 1 || online[0] != "node-1" {
		t.Fatalf("expected [node-1], got %v", online)
	}
}

func TestHeartbeatSweepReleasesStaleNodes(t *testing.T) {
	serverConn, _ := dialPair(t)

	released := make(chan string, 1)
	r := New(20*time.Millisecond, func(nodeID string) { released <- nodeID }, discardLogger())
	r.Register("node-1", "conn-1", serverConn)

	go r.StartHeartbeatSweep(10 * time.Millisecond)
	defer r.StopHeartbeatSweep()

	select {
	case nodeID := <-released:
		if nodeID != "node-1" {
			t.Fatalf("expected node-1, got %s", nodeID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected stale node to be released by the sweep")
	}
}

func TestHeartbeatKeepsNodeAlive(t *testing.T) {
	serverConn, _ := dialPair(t)

	released := make(chan string, 1)
	r := New(30*time.Millisecond, func(nodeID string) { released <- nodeID }, discardLogger())
	r.Register("node-1", "conn-1", serverConn)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Heartbeat("node-1")
			}
		}
	}()

	go r.StartHeartbeatSweep(10 * time.Millisecond)
	defer r.StopHeartbeatSweep()

	select {
	case <-released:
		close(stop)
		t.Fatal("node released despite steady heartbeats")
	case <-time.After(150 * time.Millisecond):
	}
	close(stop)
}
