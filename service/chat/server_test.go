package chat

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"NWChat/service/storage"
	"NWChat/tools/security"
)

type gatewayFixture struct {
	server *Server
	store  *storage.MemoryStore
	auth   security.Options
	url    string // ws url without the token query
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := security.DefaultOptions([]byte("test-secret"))
	reg := NewRegistry()
	store := storage.NewMemoryStore()
	server := NewServer("gw-test", reg, NewRouter(reg, store, store), auth)
	t.Cleanup(server.Shutdown)

	engine := gin.New()
	engine.GET("/ws", server.HandleWS)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &gatewayFixture{
		server: server,
		store:  store,
		auth:   auth,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (f *gatewayFixture) token(t *testing.T, userID, name string) string {
	t.Helper()
	tok, _, err := security.Generate(f.auth, security.Identity{UserID: userID, Name: name})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(f.url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitRegistryLen(t *testing.T, reg *Registry, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if reg.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry len=%d want=%d", reg.Len(), want)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "not-a-token")

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("want policy-violation close, got %v", err)
	}
	if f.server.Registry().Len() != 0 {
		t.Fatal("rejected connection left a session behind")
	}
}

func TestHandshakeSendsConnectedFrame(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, f.token(t, "alice", "Alice"))

	got := readFrame(t, conn, time.Second)
	if got.Type != FrameTypeConnected || got.SessionID == "" {
		t.Fatalf("got %+v", got)
	}
	waitRegistryLen(t, f.server.Registry(), 1, time.Second)
}

// full round trip through real sockets: two of alice's devices plus
// bob, one message, three distinct observations.
func TestGatewayEndToEnd(t *testing.T) {
	f := newGatewayFixture(t)
	aliceTok := f.token(t, "alice", "Alice")

	dev1 := f.dial(t, aliceTok)
	dev2 := f.dial(t, aliceTok)
	bob := f.dial(t, f.token(t, "bob", "Bob"))

	readFrame(t, dev1, time.Second) // connected
	readFrame(t, dev2, time.Second)
	readFrame(t, bob, time.Second)
	waitRegistryLen(t, f.server.Registry(), 3, time.Second)

	send := mustEncode(&Frame{Type: FrameTypeMessage, RecipientID: "bob", Content: "hello", TempID: "temp-42"})
	if err := dev1.WriteMessage(websocket.TextMessage, send); err != nil {
		t.Fatal(err)
	}

	ack := readFrame(t, dev1, time.Second)
	if ack.Type != FrameTypeAck || ack.TempID != "temp-42" || ack.MessageID == "" {
		t.Fatalf("origin got %+v", ack)
	}
	expectNoFrame(t, dev1, 100*time.Millisecond)

	mirror := readFrame(t, dev2, time.Second)
	if mirror.Type != FrameTypeMessage || mirror.Message.ID != ack.MessageID {
		t.Fatalf("second device got %+v", mirror)
	}

	got := readFrame(t, bob, time.Second)
	if got.Type != FrameTypeMessage || got.Message.Content != "hello" || got.Message.SenderName != "Alice" {
		t.Fatalf("bob got %+v", got)
	}

	// durability: the message is in the store under the DM conversation
	if n := f.store.Count(got.Message.ConversationID); n != 1 {
		t.Fatalf("stored %d messages, want 1", n)
	}
}

func TestGatewayPeerDisconnectUnregisters(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, f.token(t, "alice", "Alice"))

	readFrame(t, conn, time.Second)
	waitRegistryLen(t, f.server.Registry(), 1, time.Second)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()

	waitRegistryLen(t, f.server.Registry(), 0, time.Second)
}
