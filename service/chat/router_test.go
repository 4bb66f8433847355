package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	chatmodel "NWChat/module/chat/model"
	"NWChat/service/storage"
	"NWChat/tools/errs"
)

type routerFixture struct {
	reg    *Registry
	store  *storage.MemoryStore
	router *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	reg := NewRegistry()
	store := storage.NewMemoryStore()
	return &routerFixture{
		reg:    reg,
		store:  store,
		router: NewRouter(reg, store, store),
	}
}

func (f *routerFixture) directConv(t *testing.T, a, b string) *chatmodel.Conversation {
	t.Helper()
	conv := chatmodel.NewDirect(a, b)
	if err := f.store.Create(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestSubmitFansOutToOtherDevicesAndRecipient(t *testing.T) {
	f := newRouterFixture(t)
	conv := f.directConv(t, "alice", "bob")

	_, aliceDev1 := openSession(t, f.reg, "a1", "alice")
	_, aliceDev2 := openSession(t, f.reg, "a2", "alice")
	_, bobDev := openSession(t, f.reg, "b1", "bob")

	msg, err := f.router.Submit(context.Background(), "a1", conv.ID, "", "hello bob", "temp-1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" {
		t.Fatal("no durable id assigned")
	}
	if f.store.Count(conv.ID) != 1 {
		t.Fatalf("stored %d messages, want 1", f.store.Count(conv.ID))
	}

	// originating device: ack only, never its own message back
	ack := readFrame(t, aliceDev1, time.Second)
	if ack.Type != FrameTypeAck || ack.TempID != "temp-1" || ack.MessageID != msg.ID {
		t.Fatalf("origin got %+v", ack)
	}
	expectNoFrame(t, aliceDev1, 100*time.Millisecond)

	// the sender's other device gets the full message
	dev2 := readFrame(t, aliceDev2, time.Second)
	if dev2.Type != FrameTypeMessage || dev2.Message == nil || dev2.Message.ID != msg.ID {
		t.Fatalf("second device got %+v", dev2)
	}
	if dev2.Message.ClientTempID != "temp-1" {
		t.Fatalf("temp id lost: %+v", dev2.Message)
	}

	got := readFrame(t, bobDev, time.Second)
	if got.Type != FrameTypeMessage || got.Message.Content != "hello bob" || got.Message.SenderID != "alice" {
		t.Fatalf("recipient got %+v", got)
	}
}

func TestSubmitCreatesDirectConversationOnFirstMessage(t *testing.T) {
	f := newRouterFixture(t)
	_, aliceDev := openSession(t, f.reg, "a1", "alice")
	_, bobDev := openSession(t, f.reg, "b1", "bob")

	msg, err := f.router.Submit(context.Background(), "a1", "", "bob", "hi", "t1")
	if err != nil {
		t.Fatal(err)
	}
	want := chatmodel.DirectConversationID("alice", "bob")
	if msg.ConversationID != want {
		t.Fatalf("conversation id %s, want deterministic %s", msg.ConversationID, want)
	}
	if _, err := f.store.Get(context.Background(), want); err != nil {
		t.Fatalf("conversation not created: %v", err)
	}

	// bob replying resolves to the same conversation
	readFrame(t, aliceDev, time.Second) // ack
	readFrame(t, bobDev, time.Second)   // delivery
	reply, err := f.router.Submit(context.Background(), "b1", "", "alice", "hey", "t2")
	if err != nil {
		t.Fatal(err)
	}
	if reply.ConversationID != want {
		t.Fatalf("reply landed in %s, want %s", reply.ConversationID, want)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newRouterFixture(t)
	conv := f.directConv(t, "alice", "bob")
	f.directConv(t, "bob", "carol") // a conversation alice is not in
	other := chatmodel.DirectConversationID("bob", "carol")

	sess, cli := openSession(t, f.reg, "a1", "alice")

	cases := []struct {
		name           string
		conversationID string
		recipientID    string
		content        string
	}{
		{"empty content", conv.ID, "", ""},
		{"oversize content", conv.ID, "", strings.Repeat("x", MaxContentBytes+1)},
		{"unknown conversation", "no-such-conv", "", "hi"},
		{"not a participant", other, "", "hi"},
		{"no target at all", "", "", "hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.router.Submit(context.Background(), "a1", tc.conversationID, tc.recipientID, tc.content, "t1")
			if errs.CodeOf(err) != errs.CodeInvalidMessage {
				t.Fatalf("code=%d err=%v", errs.CodeOf(err), err)
			}
		})
	}
	if f.store.Count(conv.ID) != 0 {
		t.Fatalf("rejected messages were persisted: %d", f.store.Count(conv.ID))
	}
	// rejections never tear the connection down
	if sess.State() != StateOpen {
		t.Fatalf("session state=%v after rejections", sess.State())
	}
	expectNoFrame(t, cli, 100*time.Millisecond)
}

// the recipient's only session was evicted: the message still persists
// and the sender still gets its ack, only delivery comes up empty.
func TestSubmitPersistsWhenRecipientOffline(t *testing.T) {
	f := newRouterFixture(t)
	conv := f.directConv(t, "alice", "bob")

	_, aliceDev := openSession(t, f.reg, "a1", "alice")
	bobSess, _ := openSession(t, f.reg, "b1", "bob")
	bobSess.Close(websocket.CloseAbnormalClosure, "liveness timeout")
	waitState(t, bobSess, StateClosed, time.Second)
	deadline := time.Now().Add(time.Second)
	for f.reg.Get("b1") != nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	msg, err := f.router.Submit(context.Background(), "a1", conv.ID, "", "anyone home?", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if f.store.Count(conv.ID) != 1 {
		t.Fatalf("stored %d messages, want 1", f.store.Count(conv.ID))
	}
	if n := f.reg.BroadcastToUser("bob", nil); n != 0 {
		t.Fatalf("bob still has %d sessions", n)
	}

	ack := readFrame(t, aliceDev, time.Second)
	if ack.Type != FrameTypeAck || ack.MessageID != msg.ID {
		t.Fatalf("sender got %+v", ack)
	}
}

func TestSubmitFromClosedSessionDeliversNothing(t *testing.T) {
	f := newRouterFixture(t)
	conv := f.directConv(t, "alice", "bob")

	sess, _ := openSession(t, f.reg, "a1", "alice")
	_, bobDev := openSession(t, f.reg, "b1", "bob")

	sess.Close(websocket.CloseAbnormalClosure, "liveness timeout")
	waitState(t, sess, StateClosed, time.Second)

	_, err := f.router.Submit(context.Background(), "a1", conv.ID, "", "ghost", "t1")
	if errs.CodeOf(err) != errs.CodeInvalidMessage {
		t.Fatalf("code=%d err=%v", errs.CodeOf(err), err)
	}
	if f.store.Count(conv.ID) != 0 {
		t.Fatal("message from dead session was persisted")
	}
	expectNoFrame(t, bobDev, 100*time.Millisecond)
}

type failingStore struct{}

func (failingStore) Append(context.Context, *chatmodel.Message) (string, error) {
	return "", errors.New("disk on fire")
}
func (failingStore) ListByConversation(context.Context, string, int) ([]*chatmodel.Message, error) {
	return nil, errors.New("disk on fire")
}

func TestSubmitDeliversNothingWhenPersistenceFails(t *testing.T) {
	reg := NewRegistry()
	convs := storage.NewMemoryStore()
	router := NewRouter(reg, failingStore{}, convs)

	conv := chatmodel.NewDirect("alice", "bob")
	if err := convs.Create(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	_, aliceDev := openSession(t, reg, "a1", "alice")
	_, bobDev := openSession(t, reg, "b1", "bob")

	_, err := router.Submit(context.Background(), "a1", conv.ID, "", "hi", "t1")
	if errs.CodeOf(err) != errs.CodePersistence {
		t.Fatalf("code=%d err=%v", errs.CodeOf(err), err)
	}
	// durability failed, so nobody hears anything, the sender included
	expectNoFrame(t, bobDev, 100*time.Millisecond)
	expectNoFrame(t, aliceDev, 100*time.Millisecond)
}

func TestHandleInboundMalformedFrame(t *testing.T) {
	f := newRouterFixture(t)
	sess, cli := openSession(t, f.reg, "a1", "alice")

	f.router.HandleInbound(context.Background(), sess, []byte(`{"type":"warp"}`))

	errFrame := readFrame(t, cli, time.Second)
	if errFrame.Type != FrameTypeError || errFrame.Code != errs.CodeInvalidMessage {
		t.Fatalf("got %+v", errFrame)
	}
	if sess.State() != StateOpen {
		t.Fatalf("malformed frame closed the session: %v", sess.State())
	}
}

func TestHandleInboundPingPong(t *testing.T) {
	f := newRouterFixture(t)
	sess, cli := openSession(t, f.reg, "a1", "alice")

	before := sess.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	f.router.HandleInbound(context.Background(), sess, mustEncode(BuildPing()))

	if got := readFrame(t, cli, time.Second); got.Type != FrameTypePong {
		t.Fatalf("got %s, want pong", got.Type)
	}
	if !sess.LastHeartbeat().After(before) {
		t.Fatal("ping did not refresh liveness")
	}
}

func TestHandleInboundRejectedSubmitAnswersWithError(t *testing.T) {
	f := newRouterFixture(t)
	sess, cli := openSession(t, f.reg, "a1", "alice")

	raw := mustEncode(&Frame{Type: FrameTypeMessage, ConversationID: "nope", Content: "hi", TempID: "t7"})
	f.router.HandleInbound(context.Background(), sess, raw)

	errFrame := readFrame(t, cli, time.Second)
	if errFrame.Type != FrameTypeError || errFrame.Code != errs.CodeInvalidMessage || errFrame.TempID != "t7" {
		t.Fatalf("got %+v", errFrame)
	}
}
