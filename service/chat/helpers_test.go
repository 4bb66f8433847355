package chat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPair is a real websocket connection with both ends in hand, backed
// by an httptest server.
type wsPair struct {
	server *websocket.Conn
	client *websocket.Conn
}

func newWSPair(t *testing.T) *wsPair {
	t.Helper()
	serverCh := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- c
	}))
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	cli, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { cli.Close() })
	return &wsPair{server: <-serverCh, client: cli}
}

// openSession upgrades a fresh pair into a registered open session.
func openSession(t *testing.T, reg *Registry, id, userID string) (*Session, *websocket.Conn) {
	t.Helper()
	pair := newWSPair(t)
	sess := NewSession(id, userID, pair.server, func(s *Session) { reg.Unregister(s.ID) })
	if !sess.Open() {
		t.Fatalf("session %s did not open", id)
	}
	reg.Register(userID, sess)
	return sess, pair.client
}

func readFrame(t *testing.T, c *websocket.Conn, timeout time.Duration) *Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	return f
}

// expectNoFrame asserts the peer stays silent for the window.
func expectNoFrame(t *testing.T, c *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(window))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func waitState(t *testing.T, s *Session, want SessionState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s state=%v want=%v", s.ID, s.State(), want)
}
