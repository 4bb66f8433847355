package chat

import (
	"encoding/json"
	"fmt"
	"time"

	chatmodel "NWChat/module/chat/model"
)

// Frame types carried on the wire, one JSON object per frame.
const (
	FrameTypePing      = "ping"
	FrameTypePong      = "pong"
	FrameTypeMessage   = "message"
	FrameTypeConnected = "connected"
	FrameTypeAck       = "ack"
	FrameTypeError     = "error"
)

// Frame is the tagged wire variant. Which fields are meaningful
// depends on Type; everything else stays at its zero value and is
// omitted on encode.
type Frame struct {
	Type string `json:"type"`

	// client -> server message fields
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	TempID         string `json:"temp_id,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`

	// server -> client fields
	SessionID string             `json:"session_id,omitempty"`
	MessageID string             `json:"message_id,omitempty"`
	Message   *chatmodel.Message `json:"message,omitempty"`
	Code      int                `json:"code,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

var knownTypes = map[string]struct{}{
	FrameTypePing:      {},
	FrameTypePong:      {},
	FrameTypeMessage:   {},
	FrameTypeConnected: {},
	FrameTypeAck:       {},
	FrameTypeError:     {},
}

// ParseFrame decodes a raw frame and fails closed: malformed JSON, a
// missing tag, or an unknown tag all reject the whole frame rather
// than half-processing it.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame without type")
	}
	if _, ok := knownTypes[f.Type]; !ok {
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("nil frame")
	}
	return json.Marshal(f)
}

func mustEncode(f *Frame) []byte {
	data, err := EncodeFrame(f)
	if err != nil {
		// only reachable with an unmarshalable Message payload, which
		// the models cannot produce
		panic(err)
	}
	return data
}

// ---- server-side frame builders ----

func BuildConnected(sessionID string) *Frame {
	return &Frame{
		Type:      FrameTypeConnected,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
}

func BuildDeliver(m *chatmodel.Message) *Frame {
	return &Frame{Type: FrameTypeMessage, Message: m}
}

func BuildAck(tempID, messageID string) *Frame {
	return &Frame{
		Type:      FrameTypeAck,
		TempID:    tempID,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	}
}

func BuildError(tempID string, code int, reason string) *Frame {
	return &Frame{
		Type:   FrameTypeError,
		TempID: tempID,
		Code:   code,
		Reason: reason,
	}
}

func BuildPing() *Frame {
	return &Frame{Type: FrameTypePing, Timestamp: time.Now().UnixMilli()}
}

func BuildPong() *Frame {
	return &Frame{Type: FrameTypePong, Timestamp: time.Now().UnixMilli()}
}
