package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------
// Canonical Models
// ---------------------------------------------

// Role is one of the two parties of a conversation.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// ParseRole accepts both wire encodings of a role ("patient" and "PATIENT")
// plus the legacy "user" alias some endpoints still send for patients.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient", "user":
		return RolePatient, true
	case "doctor":
		return RoleDoctor, true
	}
	return "", false
}

// Counterpart returns the other party.
func (r Role) Counterpart() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// Conversation is a patient-doctor thread. ID routes both REST history and
// socket events to the right timeline.
type Conversation struct {
	ID                string    `json:"id"`
	CounterpartName   string    `json:"counterpart_name"`
	CounterpartAvatar string    `json:"counterpart_avatar,omitempty"`
	LastMessage       string    `json:"last_message,omitempty"`
	LastMessageAt     time.Time `json:"last_message_at,omitempty"`
	UnreadCount       int       `json:"unread_count"`
	Active            bool      `json:"is_active"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderRole     Role      `json:"sender_type"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	CorrelationID  string    `json:"correlation_id,omitempty"`

	// Transient client-side flags, never sent over the wire.
	Pending bool `json:"-"`
	Failed  bool `json:"-"`
}

// ---------------------------------------------
// Wire Frames
// ---------------------------------------------

// OutboundFrame is what the client pushes over the socket. SenderType is
// always the role of the local client.
type OutboundFrame struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	SenderType     Role   `json:"senderType"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// Submission is one durable write through the REST collaborator.
type Submission struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	SenderRole     Role   `json:"sender_type"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// ---------------------------------------------
// Identifiers
// ---------------------------------------------

const placeholderPrefix = "temp-"

// NewPlaceholderID returns a local stand-in id for a message the server has
// not confirmed yet.
func NewPlaceholderID() string {
	return placeholderPrefix + uuid.NewString()
}

func IsPlaceholderID(id string) bool {
	return id == "" || strings.HasPrefix(id, placeholderPrefix)
}

func NewCorrelationID() string {
	return uuid.NewString()
}
