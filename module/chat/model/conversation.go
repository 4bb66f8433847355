package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Conversation has an immutable participant set after creation.
type Conversation struct {
	ID             string    `json:"id" bson:"_id"`
	ParticipantIDs []string  `json:"participant_ids" bson:"participant_ids"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// DirectConversationID derives a deterministic id for a two-party
// conversation, so both sides compute the same id regardless of who
// sends first.
func DirectConversationID(userID1, userID2 string) string {
	if userID1 > userID2 {
		userID1, userID2 = userID2, userID1
	}
	return uuid.NewSHA1(uuid.Nil, []byte(userID1+userID2)).String()
}

// NewDirect builds the canonical DM conversation between two users.
func NewDirect(userID1, userID2 string) *Conversation {
	return &Conversation{
		ID:             DirectConversationID(userID1, userID2),
		ParticipantIDs: sorted([]string{userID1, userID2}),
		CreatedAt:      time.Now(),
	}
}

// NewGroup builds a group conversation with a fresh id.
func NewGroup(id string, participantIDs []string) *Conversation {
	return &Conversation{
		ID:             id,
		ParticipantIDs: sorted(participantIDs),
		CreatedAt:      time.Now(),
	}
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

func sorted(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
