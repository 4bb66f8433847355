package model

// User is the identity attached to a session. The external auth
// collaborator owns it; the gateway keeps a roster copy of every
// identity it has verified.
type User struct {
	ID        string `json:"id" bson:"_id"`
	Name      string `json:"name" bson:"name"`
	AvatarURL string `json:"avatar_url" bson:"avatar_url"`
}
