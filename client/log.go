package client

import (
	"time"

	chatmodel "NWChat/module/chat/model"
)

// MessageLog is the client's ordered view of one conversation. It
// deduplicates by message id and swaps optimistic temp entries for
// their confirmed counterparts in place, so display order never jumps.
//
// Not safe for concurrent use; the Client serializes access.
type MessageLog struct {
	entries []*chatmodel.Message
	byID    map[string]int // message id (temp ids included) -> index
}

func NewMessageLog() *MessageLog {
	return &MessageLog{byID: make(map[string]int)}
}

// AppendLocal records an optimistic entry for a message that was just
// sent but not yet confirmed. Its id is the temp id until the ack or
// the confirmed message arrives.
func (l *MessageLog) AppendLocal(tempID, conversationID, senderID, content string) *chatmodel.Message {
	m := &chatmodel.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now(),
		ClientTempID:   tempID,
	}
	l.entries = append(l.entries, m)
	l.byID[tempID] = len(l.entries) - 1
	return m
}

// Apply merges a server-confirmed message. Returns false when the
// message id is already present (at-least-once delivery dedup). A
// matching temp entry is replaced at its position instead of being
// appended again.
func (l *MessageLog) Apply(m *chatmodel.Message) bool {
	if m == nil || m.ID == "" {
		return false
	}
	if _, dup := l.byID[m.ID]; dup {
		return false
	}
	if m.ClientTempID != "" {
		if idx, ok := l.byID[m.ClientTempID]; ok {
			delete(l.byID, l.entries[idx].ID)
			l.entries[idx] = m
			l.byID[m.ID] = idx
			return true
		}
	}
	l.entries = append(l.entries, m)
	l.byID[m.ID] = len(l.entries) - 1
	return true
}

// Ack confirms a temp entry in place. An ack with no matching temp
// entry is ignored; this happens when a resync already delivered the
// confirmed message.
func (l *MessageLog) Ack(tempID, messageID string) bool {
	idx, ok := l.byID[tempID]
	if !ok {
		return false
	}
	if _, dup := l.byID[messageID]; dup {
		// confirmed copy already arrived via resync: drop the temp
		l.removeAt(idx)
		return true
	}
	e := l.entries[idx]
	delete(l.byID, e.ID)
	e.ID = messageID
	l.byID[messageID] = idx
	return true
}

// Resync merges a history snapshot; per-entry dedup rules apply.
// Returns how many entries were new.
func (l *MessageLog) Resync(history []*chatmodel.Message) int {
	added := 0
	for _, m := range history {
		if l.Apply(m) {
			added++
		}
	}
	return added
}

// Messages returns a copy of the log in display order.
func (l *MessageLog) Messages() []*chatmodel.Message {
	out := make([]*chatmodel.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *MessageLog) Len() int { return len(l.entries) }

func (l *MessageLog) removeAt(idx int) {
	delete(l.byID, l.entries[idx].ID)
	l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
	for i := idx; i < len(l.entries); i++ {
		l.byID[l.entries[i].ID] = i
	}
}
