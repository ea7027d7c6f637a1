package chatserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medchat/internal/chat"
	"medchat/internal/middleware"
	"medchat/internal/user"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Directory resolves user ids to accounts.
type Directory interface {
	GetUser(ctx context.Context, id int) (*user.User, error)
}

type Service struct {
	store  Store
	hub    *Hub
	users  Directory
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, hub *Hub, users Directory, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		hub:    hub,
		users:  users,
		logger: logger.With().Str("component", "chat").Logger(),
		now:    time.Now,
	}
}

func roleOf(s string) chat.Role {
	r, _ := chat.ParseRole(s)
	return r
}

// StartConversation pairs the caller with a user of the other role.
func (s *Service) StartConversation(ctx context.Context, caller middleware.Identity, counterpartID int, appointmentID string) (Conversation, error) {
	if counterpartID == 0 || counterpartID == caller.UserID {
		return Conversation{}, fmt.Errorf("%w: counterpart id is required", ErrInvalidRequest)
	}
	counterpart, err := s.users.GetUser(ctx, counterpartID)
	if err != nil {
		return Conversation{}, err
	}
	if counterpart.Role != caller.Role.Counterpart() {
		return Conversation{}, fmt.Errorf("%w: a conversation needs one patient and one doctor", ErrInvalidRequest)
	}

	c := Conversation{AppointmentID: strings.TrimSpace(appointmentID)}
	if caller.Role == chat.RoleDoctor {
		c.DoctorID, c.DoctorName = caller.UserID, caller.Username
		c.PatientID, c.PatientName = counterpart.ID, counterpart.Username
	} else {
		c.PatientID, c.PatientName = caller.UserID, caller.Username
		c.DoctorID, c.DoctorName = counterpart.ID, counterpart.Username
	}
	c.CreatedAt = s.now().UTC()
	return s.store.FindOrCreateConversation(ctx, c)
}

func (s *Service) Conversations(ctx context.Context, caller middleware.Identity) ([]Conversation, error) {
	return s.store.ListConversations(ctx, caller.UserID)
}

func (s *Service) History(ctx context.Context, caller middleware.Identity, conversationID, page, size int) ([]Message, error) {
	if _, err := s.conversationFor(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if page <= 0 {
		page = 1
	}
	return s.store.ListMessages(ctx, conversationID, size, (page-1)*size)
}

// PostMessage persists a message and pushes it to both participants.
func (s *Service) PostMessage(ctx context.Context, caller middleware.Identity, conversationID int, req postMessageRequest) (Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	if req.SenderType != "" && roleOf(req.SenderType) != caller.Role {
		return Message{}, fmt.Errorf("%w: sender_type does not match the caller", ErrInvalidRequest)
	}
	conv, err := s.conversationFor(ctx, caller, conversationID)
	if err != nil {
		return Message{}, err
	}

	msg, err := s.store.SaveMessage(ctx, Message{
		ConversationID: conv.ID,
		SenderID:       caller.UserID,
		SenderRole:     caller.Role,
		Content:        req.Content,
		CorrelationID:  req.CorrelationID,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return Message{}, err
	}

	if err := s.hub.Publish(ctx, conv.Participants(), msg); err != nil {
		// Persisted anyway; clients pick it up from history.
		s.logger.Warn().Err(err).Int("conversation_id", conv.ID).Msg("publish failed")
	}
	return msg, nil
}

// Relay forwards a live frame from a socket to both participants without
// persisting it.
func (s *Service) Relay(ctx context.Context, from middleware.Identity, frame []byte) error {
	msg, err := chat.DecodeMessage(frame, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if msg.SenderRole != "" && msg.SenderRole != from.Role {
		return fmt.Errorf("%w: senderType does not match the caller", ErrInvalidRequest)
	}
	conversationID, err := strconv.Atoi(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("%w: conversation id %q", ErrInvalidRequest, msg.ConversationID)
	}
	conv, err := s.conversationFor(ctx, from, conversationID)
	if err != nil {
		return err
	}

	return s.hub.Publish(ctx, conv.Participants(), LiveFrame{
		ConversationID: strconv.Itoa(conv.ID),
		SenderID:       from.UserID,
		SenderType:     from.Role,
		Content:        msg.Content,
		CorrelationID:  msg.CorrelationID,
		Timestamp:      msg.Timestamp,
	})
}

func (s *Service) conversationFor(ctx context.Context, caller middleware.Identity, id int) (Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.Has(caller.UserID) {
		return Conversation{}, ErrNotParticipant
	}
	return conv, nil
}
