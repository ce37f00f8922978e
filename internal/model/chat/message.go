package chat

import (
	"time"

	"github.com/samber/lo"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role may be stored in a transcript.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single conversation turn. Role and CreatedAt never change
// after creation; Content only changes while an assistant reply streams in.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Turn is the role/content pair sent to the completion endpoint.
type Turn struct {
	Role    Role   `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

// ToTurns maps messages to completion context in order.
func ToTurns(messages []Message) []Turn {
	return lo.Map(messages, func(m Message, _ int) Turn {
		return Turn{Role: m.Role, Content: m.Content}
	})
}
