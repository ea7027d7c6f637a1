package chatserver

import (
	"context"
	"database/sql"
	"errors"
)

// SQLStore is the postgres Store.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const conversationSelect = `
	SELECT c.id, c.patient_id, c.doctor_id, p.username, d.username, c.appointment_id, c.created_at,
	       lm.id, lm.sender_id, lm.sender_role, lm.content, lm.correlation_id, lm.created_at
	FROM conversations c
	JOIN users p ON p.id = c.patient_id
	JOIN users d ON d.id = c.doctor_id
	LEFT JOIN LATERAL (
		SELECT id, sender_id, sender_role, content, correlation_id, created_at
		FROM messages
		WHERE conversation_id = c.id
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	) lm ON true
`

func (r *SQLStore) FindOrCreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	query := `
		INSERT INTO conversations (patient_id, doctor_id, appointment_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id, doctor_id, appointment_id)
		DO UPDATE SET appointment_id = EXCLUDED.appointment_id
		RETURNING id
	`
	var id int
	if err := r.db.QueryRowContext(ctx, query, c.PatientID, c.DoctorID, c.AppointmentID).Scan(&id); err != nil {
		return Conversation{}, err
	}
	return r.GetConversation(ctx, id)
}

func (r *SQLStore) ListConversations(ctx context.Context, userID int) ([]Conversation, error) {
	query := conversationSelect + `
		WHERE c.patient_id = $1 OR c.doctor_id = $1
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (r *SQLStore) GetConversation(ctx context.Context, id int) (Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx, conversationSelect+` WHERE c.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (Conversation, error) {
	var (
		c      Conversation
		lastID sql.NullInt64
		sender sql.NullInt64
		role   sql.NullString
		body   sql.NullString
		corr   sql.NullString
		sentAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.PatientName, &c.DoctorName, &c.AppointmentID, &c.CreatedAt,
		&lastID, &sender, &role, &body, &corr, &sentAt)
	if err != nil {
		return Conversation{}, err
	}
	if lastID.Valid {
		c.LastMessage = &Message{
			ID:             int(lastID.Int64),
			ConversationID: c.ID,
			SenderID:       int(sender.Int64),
			SenderRole:     roleOf(role.String),
			Content:        body.String,
			CorrelationID:  corr.String,
			CreatedAt:      sentAt.Time,
		}
	}
	return c, nil
}

func (r *SQLStore) SaveMessage(ctx context.Context, m Message) (Message, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, sender_role, content, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		m.ConversationID, m.SenderID, string(m.SenderRole), m.Content, m.CorrelationID, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (r *SQLStore) ListMessages(ctx context.Context, conversationID, limit, offset int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, sender_role, content, correlation_id, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &role, &m.Content, &m.CorrelationID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderRole = roleOf(role)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the query; callers want oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
