package chat

import "time"

// Row is the wire shape of a persisted chat_messages record.
type Row struct {
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"user_id" validate:"required"`
	Type      Role       `json:"type" validate:"required,oneof=user assistant"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// NewRow converts a message into its row form for the given owner.
func NewRow(userID string, msg Message) Row {
	row := Row{
		ID:      msg.ID,
		UserID:  userID,
		Type:    msg.Role,
		Content: msg.Content,
	}
	if !msg.CreatedAt.IsZero() {
		ts := msg.CreatedAt.UTC()
		row.Timestamp = &ts
	}
	return row
}

// Message converts the row back into a transcript message.
func (r Row) Message() Message {
	msg := Message{
		ID:      r.ID,
		Role:    r.Type,
		Content: r.Content,
	}
	if r.Timestamp != nil {
		msg.CreatedAt = r.Timestamp.UTC()
	}
	return msg
}
