package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	chatmodel "NWChat/module/chat/model"
	usermodel "NWChat/module/user/model"
	"NWChat/tools/errs"
	"NWChat/tools/ids"
)

// MessageStore is the durability port. Append must return before any
// delivery of the message is attempted anywhere.
type MessageStore interface {
	// Append assigns the durable id and persists the message.
	Append(ctx context.Context, m *chatmodel.Message) (string, error)
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*chatmodel.Message, error)
}

// ConversationStore owns the conversation records.
type ConversationStore interface {
	// Create is idempotent on the conversation id.
	Create(ctx context.Context, c *chatmodel.Conversation) error
	Get(ctx context.Context, id string) (*chatmodel.Conversation, error)
	// ListForUser returns the user's conversations, newest first.
	ListForUser(ctx context.Context, userID string) ([]*chatmodel.Conversation, error)
}

// UserStore is the roster: everyone who has authenticated against this
// gateway. Upserts happen as identities are verified.
type UserStore interface {
	UpsertUser(ctx context.Context, u *usermodel.User) error
	ListUsers(ctx context.Context) ([]*usermodel.User, error)
}

// ErrConversationNotFound is returned by Get for unknown ids.
var ErrConversationNotFound = errs.NewCodeError(errs.CodeInvalidMessage, "conversation not found")

// MemoryStore keeps everything in process. Used in tests and as the
// default when no Mongo URI is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	msgs  map[string][]*chatmodel.Message // conversation id -> append order
	convs map[string]*chatmodel.Conversation
	users map[string]*usermodel.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		msgs:  make(map[string][]*chatmodel.Message),
		convs: make(map[string]*chatmodel.Conversation),
		users: make(map[string]*usermodel.User),
	}
}

func (s *MemoryStore) Append(_ context.Context, m *chatmodel.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = ids.GenerateString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], &cp)
	return m.ID, nil
}

func (s *MemoryStore) ListByConversation(_ context.Context, conversationID string, limit int) ([]*chatmodel.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[conversationID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*chatmodel.Message, 0, limit)
	for _, m := range all[len(all)-limit:] {
		cp := *m
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, c *chatmodel.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; ok {
		return nil
	}
	cp := *c
	s.convs[c.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*chatmodel.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrConversationNotFound.Wrap()
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string) ([]*chatmodel.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*chatmodel.Conversation
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *usermodel.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]*usermodel.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*usermodel.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Count reports how many messages a conversation holds. Test hook.
func (s *MemoryStore) Count(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs[conversationID])
}
