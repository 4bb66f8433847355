package chat

import (
	"testing"
)

func TestParseFrameRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"content":"hi"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"subscribe"}`},
		{"array", `[1,2,3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if f, err := ParseFrame([]byte(tc.raw)); err == nil {
				t.Fatalf("accepted %q as %+v", tc.raw, f)
			}
		})
	}
}

func TestParseFrameMessage(t *testing.T) {
	raw := `{"type":"message","content":"hello","conversation_id":"c1","temp_id":"t1","timestamp":123}`
	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != FrameTypeMessage || f.Content != "hello" || f.ConversationID != "c1" || f.TempID != "t1" {
		t.Fatalf("bad decode: %+v", f)
	}
}

func TestBuildersRoundTrip(t *testing.T) {
	for _, f := range []*Frame{
		BuildConnected("s1"),
		BuildAck("t1", "m1"),
		BuildError("t1", 1001, "nope"),
		BuildPing(),
		BuildPong(),
	} {
		data, err := EncodeFrame(f)
		if err != nil {
			t.Fatalf("encode %s: %v", f.Type, err)
		}
		back, err := ParseFrame(data)
		if err != nil {
			t.Fatalf("parse %s: %v", f.Type, err)
		}
		if back.Type != f.Type {
			t.Fatalf("type changed: %s -> %s", f.Type, back.Type)
		}
	}
}

func TestBuildAckCarriesIDs(t *testing.T) {
	f := BuildAck("temp-9", "msg-9")
	if f.TempID != "temp-9" || f.MessageID != "msg-9" {
		t.Fatalf("ack ids: %+v", f)
	}
}
