package chatserver

import (
	"errors"
	"strconv"
	"time"

	"medchat/internal/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant")
	ErrInvalidRequest       = errors.New("invalid request")
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Conversation struct {
	ID            int       `json:"id"`
	PatientID     int       `json:"patient_id"`
	DoctorID      int       `json:"doctor_id"`
	PatientName   string    `json:"patient_name"`
	DoctorName    string    `json:"doctor_name"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	LastMessage   *Message  `json:"last_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (c Conversation) Has(userID int) bool {
	return c.PatientID == userID || c.DoctorID == userID
}

func (c Conversation) Participants() []int {
	return []int{c.PatientID, c.DoctorID}
}

func (c Conversation) lastActivity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	SenderRole     chat.Role `json:"sender_type"`
	Content        string    `json:"content"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ---------------------------------------------
// Live Models
// ---------------------------------------------

// LiveFrame is a socket frame relayed to participants as-is. It is never
// persisted and carries no id.
type LiveFrame struct {
	ConversationID string    `json:"conversationId"`
	SenderID       int       `json:"senderId"`
	SenderType     chat.Role `json:"senderType"`
	Content        string    `json:"content"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type postMessageRequest struct {
	Content       string `json:"content"`
	SenderType    string `json:"sender_type"`
	CorrelationID string `json:"correlation_id"`
}

// Ids arrive as numbers or strings depending on the client.
type startConversationRequest struct {
	DoctorID      chat.FlexID `json:"doctor_id"`
	PatientID     chat.FlexID `json:"patient_id"`
	TargetID      chat.FlexID `json:"target_id"`
	AppointmentID chat.FlexID `json:"appointment_id"`
}

// counterpart picks the id naming the other party for a caller of role.
func (r startConversationRequest) counterpart(role chat.Role) (int, error) {
	raw := r.TargetID
	switch {
	case role.Counterpart() == chat.RoleDoctor && r.DoctorID != "":
		raw = r.DoctorID
	case role.Counterpart() == chat.RolePatient && r.PatientID != "":
		raw = r.PatientID
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(string(raw))
}
