package model

import "time"

// Message is immutable once created. The id is server-assigned;
// ClientTempID correlates the confirmed message back to the sender's
// optimistic local entry.
type Message struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	SenderID       string    `json:"sender_id" bson:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty" bson:"sender_name,omitempty"`
	Content        string    `json:"content" bson:"content"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	ClientTempID   string    `json:"temp_id,omitempty" bson:"temp_id,omitempty"`
}
