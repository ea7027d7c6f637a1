package chatserver

import (
	"context"
	"sort"
	"sync"
)

type Store interface {
	// FindOrCreateConversation returns the existing thread for the same
	// patient, doctor and appointment, or creates it.
	FindOrCreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	ListConversations(ctx context.Context, userID int) ([]Conversation, error)
	GetConversation(ctx context.Context, id int) (Conversation, error)
	SaveMessage(ctx context.Context, m Message) (Message, error)
	// ListMessages returns one page counted back from the newest message,
	// oldest first.
	ListMessages(ctx context.Context, conversationID, limit, offset int) ([]Message, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	nextConv int
	nextMsg  int
	convs    map[int]*Conversation
	messages map[int][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[int]*Conversation),
		messages: make(map[int][]Message),
	}
}

func (s *MemoryStore) FindOrCreateConversation(_ context.Context, c Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.convs {
		if existing.PatientID == c.PatientID && existing.DoctorID == c.DoctorID && existing.AppointmentID == c.AppointmentID {
			return s.withLast(existing), nil
		}
	}
	s.nextConv++
	c.ID = s.nextConv
	c.LastMessage = nil
	stored := c
	s.convs[c.ID] = &stored
	return c, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID int) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Conversation{}
	for _, c := range s.convs {
		if c.Has(userID) {
			out = append(out, s.withLast(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].lastActivity(), out[j].lastActivity()
		if ai.Equal(aj) {
			return out[i].ID > out[j].ID
		}
		return ai.After(aj)
	})
	return out, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id int) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return s.withLast(c), nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[m.ConversationID]; !ok {
		return Message{}, ErrConversationNotFound
	}
	s.nextMsg++
	m.ID = s.nextMsg
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return m, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID, limit, offset int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[conversationID]
	end := len(all) - offset
	if end <= 0 {
		return []Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]Message{}, all[start:end]...), nil
}

// withLast copies c and attaches its newest message. Callers hold s.mu.
func (s *MemoryStore) withLast(c *Conversation) Conversation {
	out := *c
	if msgs := s.messages[c.ID]; len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		out.LastMessage = &last
	}
	return out
}
