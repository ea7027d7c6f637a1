package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FlexID accepts a JSON string or number. Backends disagree on whether
// ids are SERIAL integers or opaque strings.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

type wireMessage struct {
	ID                  FlexID  `json:"id"`
	ConversationID      FlexID  `json:"conversationId"`
	ConversationIDSnake FlexID  `json:"conversation_id"`
	ChatID              FlexID  `json:"chat_id"`
	SenderID            FlexID  `json:"sender_id"`
	SenderIDCamel       FlexID  `json:"senderId"`
	Content             *string `json:"content"`
	Timestamp           string  `json:"timestamp"`
	CreatedAt           string  `json:"created_at"`
	SenderType          string  `json:"senderType"`
	SenderTypeSnake     string  `json:"sender_type"`
	SenderRole          string  `json:"sender_role"`
	CorrelationID       string  `json:"correlation_id"`
	CorrelationIDCamel  string  `json:"correlationId"`
}

// DecodeMessage maps every accepted wire variant of a message (socket frame
// or REST record) onto the canonical Message. now is used when the frame
// carries no timestamp.
func DecodeMessage(raw []byte, now time.Time) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if w.Content == nil || strings.TrimSpace(*w.Content) == "" {
		return Message{}, fmt.Errorf("%w: missing content", ErrMalformedFrame)
	}

	msg := Message{
		ID:             string(w.ID),
		ConversationID: firstNonEmpty(string(w.ConversationID), string(w.ConversationIDSnake), string(w.ChatID)),
		SenderID:       firstNonEmpty(string(w.SenderID), string(w.SenderIDCamel)),
		Content:        *w.Content,
		CorrelationID:  firstNonEmpty(w.CorrelationID, w.CorrelationIDCamel),
		Timestamp:      now.UTC(),
	}

	if rawRole := firstNonEmpty(w.SenderType, w.SenderTypeSnake, w.SenderRole); rawRole != "" {
		role, ok := ParseRole(rawRole)
		if !ok {
			return Message{}, fmt.Errorf("%w: unknown sender role %q", ErrMalformedFrame, rawRole)
		}
		msg.SenderRole = role
	}

	if ts := firstNonEmpty(w.Timestamp, w.CreatedAt); ts != "" {
		parsed, err := ParseTimestamp(ts)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		msg.Timestamp = parsed
	}
	return msg, nil
}

type wireConversation struct {
	ID              FlexID          `json:"id"`
	ChatID          FlexID          `json:"chat_id"`
	CounterpartName string          `json:"counterpart_name"`
	DoctorName      string          `json:"doctor_name"`
	PatientName     string          `json:"patient_name"`
	Name            string          `json:"name"`
	Avatar          string          `json:"avatar"`
	AvatarURL       string          `json:"avatar_url"`
	LastMessage     json.RawMessage `json:"last_message"`
	LastMessageAt   string          `json:"last_message_at"`
	UpdatedAt       string          `json:"updated_at"`
	UnreadCount     int             `json:"unread_count"`
	IsActive        *bool           `json:"is_active"`
	Active          *bool           `json:"active"`
}

// DecodeConversation normalizes one conversation object. viewer selects which
// participant name is the counterpart when the backend sends both.
func DecodeConversation(raw []byte, viewer Role) (Conversation, error) {
	var w wireConversation
	if err := json.Unmarshal(raw, &w); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	id := firstNonEmpty(string(w.ID), string(w.ChatID))
	if id == "" {
		return Conversation{}, fmt.Errorf("%w: conversation without id", ErrMalformedFrame)
	}

	conv := Conversation{
		ID:                id,
		CounterpartAvatar: firstNonEmpty(w.Avatar, w.AvatarURL),
		UnreadCount:       w.UnreadCount,
		Active:            true,
	}
	if viewer == RoleDoctor {
		conv.CounterpartName = firstNonEmpty(w.CounterpartName, w.PatientName, w.Name, w.DoctorName)
	} else {
		conv.CounterpartName = firstNonEmpty(w.CounterpartName, w.DoctorName, w.Name, w.PatientName)
	}
	switch {
	case w.IsActive != nil:
		conv.Active = *w.IsActive
	case w.Active != nil:
		conv.Active = *w.Active
	}

	if preview, at, ok := decodePreview(w.LastMessage); ok {
		conv.LastMessage = preview
		conv.LastMessageAt = at
	}
	if ts := firstNonEmpty(w.LastMessageAt, w.UpdatedAt); ts != "" {
		if parsed, err := ParseTimestamp(ts); err == nil {
			conv.LastMessageAt = parsed
		}
	}
	return conv, nil
}

// last_message is either the preview text or a whole message object.
func decodePreview(raw json.RawMessage) (string, time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", time.Time{}, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", time.Time{}, false
		}
		return s, time.Time{}, true
	}
	msg, err := DecodeMessage(raw, time.Time{})
	if err != nil {
		return "", time.Time{}, false
	}
	return msg.Content, msg.Timestamp, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp reads ISO-8601 timestamps. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
