package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	chatmodel "NWChat/module/chat/model"
	usermodel "NWChat/module/user/model"
)

// HistoryFetcher consumes the REST collaborator endpoints. The client
// core uses it for the full resync after every (re)connect.
type HistoryFetcher struct {
	BaseURL string // e.g. http://host:8080
	Token   string

	HTTPClient *http.Client
}

func NewHistoryFetcher(baseURL, token string) *HistoryFetcher {
	return &HistoryFetcher{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Messages fetches the conversation history, oldest first.
func (h *HistoryFetcher) Messages(ctx context.Context, conversationID string) ([]*chatmodel.Message, error) {
	var out []*chatmodel.Message
	err := h.doJSON(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", nil, &out)
	return out, err
}

// CreateConversation asks the server for a conversation over the given
// participant set; repeated calls with the same DM pair return the
// same conversation.
func (h *HistoryFetcher) CreateConversation(ctx context.Context, participantIDs []string) (*chatmodel.Conversation, error) {
	body := map[string]any{"participant_ids": participantIDs}
	var out chatmodel.Conversation
	if err := h.doJSON(ctx, http.MethodPost, "/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me validates the token and returns the caller's identity.
func (h *HistoryFetcher) Me(ctx context.Context) (*usermodel.User, error) {
	var out usermodel.User
	if err := h.doJSON(ctx, http.MethodGet, "/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *HistoryFetcher) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := h.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
