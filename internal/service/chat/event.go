package chat

import (
	"github.com/lumenwell/serenity/backend/internal/model/chat"
)

// EventType names a change pushed to a session listener.
type EventType string

const (
	EventHistory EventType = "history"
	EventMessage EventType = "message"
	EventDelta   EventType = "delta"
	EventState   EventType = "state"
	EventNotice  EventType = "notice"
	EventCleared EventType = "cleared"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a transient, user-visible message.
type Notice struct {
	Level       Level  `json:"level"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Event describes one change to the session.
type Event struct {
	Type     EventType      `json:"type"`
	Message  *chat.Message  `json:"message,omitempty"`
	Messages []chat.Message `json:"messages,omitempty"`
	Delta    string         `json:"delta,omitempty"`
	State    chat.State     `json:"state,omitempty"`
	Notice   *Notice        `json:"notice,omitempty"`
}

// Listener receives events synchronously on the goroutine that caused them.
type Listener func(Event)

var (
	noticeLoadFailed  = Notice{Level: LevelError, Title: "Error", Description: "Failed to load chat history"}
	noticeSendFailed  = Notice{Level: LevelError, Title: "Error", Description: "Failed to send message"}
	noticeSaveFailed  = Notice{Level: LevelWarning, Title: "Warning", Description: "Message could not be saved"}
	noticeInterrupted = Notice{Level: LevelWarning, Title: "Warning", Description: "The reply was interrupted"}
	noticeCleared     = Notice{Level: LevelInfo, Title: "Success", Description: "Chat history cleared"}
	noticeClearFailed = Notice{Level: LevelError, Title: "Error", Description: "Failed to clear chat history"}
	noticeSignIn      = Notice{Level: LevelWarning, Title: "Not signed in", Description: "Sign in to use the assistant"}
)

func (s *Session) emit(event Event) {
	if s.listener != nil {
		s.listener(event)
	}
}

func (s *Session) notify(notice Notice) {
	n := notice
	s.emit(Event{Type: EventNotice, Notice: &n})
}
