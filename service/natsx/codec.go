package natsx

import (
	"encoding/json"
	"fmt"
)

func encodeEnvelope(env Envelope) ([]byte, error) {
	if env.UserID == "" {
		return nil, fmt.Errorf("envelope without user_id")
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.UserID == "" {
		return Envelope{}, fmt.Errorf("envelope without user_id")
	}
	return env, nil
}
