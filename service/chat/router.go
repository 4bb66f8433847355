package chat

import (
	"context"
	"fmt"
	"time"

	chatmodel "NWChat/module/chat/model"
	"NWChat/logger"
	"NWChat/service/natsx"
	"NWChat/service/storage"
	"NWChat/tools/errs"
)

const (
	// MaxContentBytes bounds a single message body.
	MaxContentBytes = 4096
)

// Router takes validated inbound messages, persists them, and fans the
// delivery out to every live session of every participant. Persistence
// always completes before the first delivery attempt, and the registry
// lock is never held across a store call.
type Router struct {
	reg   *Registry
	msgs  storage.MessageStore
	convs storage.ConversationStore

	relay *natsx.Relay // nil in single-node deployments
	gwID  string
}

type RouterOption func(*Router)

func WithRelay(r *natsx.Relay) RouterOption {
	return func(rt *Router) {
		rt.relay = r
		rt.gwID = r.GatewayID()
	}
}

func NewRouter(reg *Registry, msgs storage.MessageStore, convs storage.ConversationStore, opts ...RouterOption) *Router {
	rt := &Router{reg: reg, msgs: msgs, convs: convs}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// Submit validates, persists and fans out one message. The returned
// error carries a CodeError; the caller maps it onto an error frame
// for the sender. The connection stays open on any Submit failure.
func (rt *Router) Submit(ctx context.Context, senderSessionID, conversationID, recipientID, content, tempID string) (*chatmodel.Message, error) {
	sender := rt.reg.Get(senderSessionID)
	if sender == nil || sender.State() != StateOpen {
		return nil, errs.ErrInvalidMessage.WrapMsg("sender has no open session")
	}
	if content == "" {
		return nil, errs.ErrInvalidMessage.WrapMsg("empty content")
	}
	if len(content) > MaxContentBytes {
		return nil, errs.ErrInvalidMessage.WrapMsg(fmt.Sprintf("content exceeds %d bytes", MaxContentBytes))
	}

	conv, err := rt.resolveConversation(ctx, sender, conversationID, recipientID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(sender.UserID) {
		return nil, errs.ErrInvalidMessage.WrapMsg("sender is not a participant")
	}

	msg := &chatmodel.Message{
		ConversationID: conv.ID,
		SenderID:       sender.UserID,
		SenderName:     sender.UserName,
		Content:        content,
		CreatedAt:      time.Now(),
		ClientTempID:   tempID,
	}
	// durability before delivery: no frame leaves before this returns
	if _, err := rt.msgs.Append(ctx, msg); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}

	deliver := mustEncode(BuildDeliver(msg))
	for _, p := range conv.ParticipantIDs {
		if p == sender.UserID {
			// the sender's other devices get the message; the
			// originating session gets only the ack below
			for _, sess := range rt.reg.SessionsFor(p) {
				if sess.ID == senderSessionID {
					continue
				}
				_ = sess.Send(deliver)
			}
			continue
		}
		if n := rt.reg.BroadcastToUser(p, deliver); n == 0 {
			rt.deliverRemote(p, sender.UserID, deliver)
		}
	}

	_ = sender.Send(mustEncode(BuildAck(tempID, msg.ID)))
	return msg, nil
}

func (rt *Router) resolveConversation(ctx context.Context, sender *Session, conversationID, recipientID string) (*chatmodel.Conversation, error) {
	if conversationID == "" {
		// first message of a DM creates the conversation
		if recipientID == "" {
			return nil, errs.ErrInvalidMessage.WrapMsg("neither conversation_id nor recipient_id given")
		}
		conv := chatmodel.NewDirect(sender.UserID, recipientID)
		if err := rt.convs.Create(ctx, conv); err != nil {
			return nil, errs.ErrPersistence.WrapMsg(err.Error())
		}
		return conv, nil
	}
	conv, err := rt.convs.Get(ctx, conversationID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeInvalidMessage {
			return nil, errs.ErrInvalidMessage.WrapMsg("unknown conversation " + conversationID)
		}
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	return conv, nil
}

// deliverRemote handles a participant with no local session: if
// presence says they are connected to another gateway the frame is
// relayed there, otherwise it is parked in the offline queue.
func (rt *Router) deliverRemote(userID, fromUserID string, frame []byte) {
	if !storage.RedisEnabled() {
		return
	}
	gw, online, err := storage.PresenceLookup(userID)
	if err != nil {
		logger.Warnf("[router] presence lookup user=%s err=%v", userID, err)
		return
	}
	if online && rt.relay != nil && gw != rt.gwID {
		if err := rt.relay.Publish(gw, natsx.Envelope{UserID: userID, Frame: frame}); err != nil {
			logger.Warnf("[router] relay publish user=%s gw=%s err=%v", userID, gw, err)
		}
		return
	}
	if err := storage.EnqueueOffline(userID, fromUserID, frame); err != nil {
		logger.Warnf("[router] offline enqueue user=%s err=%v", userID, err)
	}
}

// DeliverLocal fans a relayed frame out to the user's local sessions.
// Wired as the relay subscription handler.
func (rt *Router) DeliverLocal(env natsx.Envelope) {
	rt.reg.BroadcastToUser(env.UserID, env.Frame)
}

// HandleInbound parses one raw frame from a session and dispatches it.
// Malformed frames are answered with an error frame and dropped; they
// never tear the connection down.
func (rt *Router) HandleInbound(ctx context.Context, s *Session, raw []byte) {
	f, err := ParseFrame(raw)
	if err != nil {
		logger.Infof("[router] drop bad frame session=%s err=%v", s.ID, err)
		_ = s.Send(mustEncode(BuildError("", errs.CodeInvalidMessage, "malformed frame")))
		return
	}
	// any inbound frame proves the peer is alive
	s.HeartbeatReceived()

	switch f.Type {
	case FrameTypePing:
		_ = s.Send(mustEncode(BuildPong()))
	case FrameTypePong:
		// heartbeat already refreshed
	case FrameTypeMessage:
		if _, err := rt.Submit(ctx, s.ID, f.ConversationID, f.RecipientID, f.Content, f.TempID); err != nil {
			code := errs.CodeOf(err)
			logger.Infof("[router] submit rejected session=%s code=%d err=%v", s.ID, code, err)
			_ = s.Send(mustEncode(BuildError(f.TempID, code, err.Error())))
		}
	default:
		// server never expects connected/ack/error inbound
		logger.Infof("[router] drop unexpected frame type=%s session=%s", f.Type, s.ID)
	}
}
