package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/internal/service/identity"
	"github.com/lumenwell/serenity/backend/internal/storage"
	"github.com/lumenwell/serenity/backend/pkg/sse"
)

// ErrBusy is returned when an operation starts while another is in flight.
var ErrBusy = errors.New("chat session is busy")

// Completer opens a streaming completion for the given conversation.
type Completer interface {
	Stream(ctx context.Context, turns []chat.Turn) (io.ReadCloser, error)
}

// Options configures a Session.
type Options struct {
	Gateway   storage.Gateway
	Completer Completer
	Identity  identity.Resolver
	Listener  Listener
	// MaxPendingBytes caps a partially received event; zero uses the decoder default.
	MaxPendingBytes int
	// NewID generates message ids; defaults to uuid.NewString.
	NewID func() string
}

// Session owns one user's conversation.
type Session struct {
	gateway    storage.Gateway
	completer  Completer
	identity   identity.Resolver
	listener   Listener
	maxPending int
	newID      func() string

	transcript *chat.Transcript
	busy       atomic.Bool
	sending    atomic.Bool
}

// NewSession wires a session to its collaborators.
func NewSession(opts Options) (*Session, error) {
	if opts.Gateway == nil {
		return nil, errors.New("chat session requires a gateway")
	}
	if opts.Completer == nil {
		return nil, errors.New("chat session requires a completer")
	}
	if opts.Identity == nil {
		return nil, errors.New("chat session requires an identity resolver")
	}

	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Session{
		gateway:    opts.Gateway,
		completer:  opts.Completer,
		identity:   opts.Identity,
		listener:   opts.Listener,
		maxPending: opts.MaxPendingBytes,
		newID:      newID,
		transcript: chat.NewTranscript(),
	}, nil
}

// Messages returns a snapshot of the conversation.
func (s *Session) Messages() []chat.Message {
	return s.transcript.Messages()
}

// State reports whether a send is in flight.
func (s *Session) State() chat.State {
	if s.sending.Load() {
		return chat.StateSending
	}
	return chat.StateIdle
}

// Loading mirrors State() == StateSending.
func (s *Session) Loading() bool {
	return s.sending.Load()
}

// LoadHistory replaces the conversation with the user's stored history. On
// failure the conversation is left empty and a notice is emitted.
func (s *Session) LoadHistory(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	userID, err := s.resolveUser(ctx)
	if err != nil {
		s.notify(noticeSignIn)
		return err
	}

	history, err := s.gateway.LoadHistory(ctx, userID)
	if err != nil {
		log.Printf("[session] load history for user=%s failed: %v", userID, err)
		s.transcript.Reset()
		s.emit(Event{Type: EventHistory, Messages: []chat.Message{}})
		s.notify(noticeLoadFailed)
		return err
	}

	s.transcript.Replace(history)
	s.emit(Event{Type: EventHistory, Messages: s.transcript.Messages()})
	log.Printf("[session] loaded %d messages for user=%s", len(history), userID)
	return nil
}

// Send appends text as a user message, streams the assistant reply into the
// conversation and persists both. Blank text is ignored.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	userID, err := s.resolveUser(ctx)
	if err != nil {
		s.notify(noticeSignIn)
		return err
	}

	s.sending.Store(true)
	s.emit(Event{Type: EventState, State: chat.StateSending})
	defer func() {
		s.sending.Store(false)
		s.emit(Event{Type: EventState, State: chat.StateIdle})
	}()

	question := s.transcript.Append(chat.Message{
		ID:      s.newID(),
		Role:    chat.RoleUser,
		Content: text,
	})
	s.emit(Event{Type: EventMessage, Message: &question})

	// The answer is only persisted when its question is.
	questionSaved := true
	if err := s.gateway.Append(ctx, userID, question); err != nil {
		log.Printf("[session] persist user message id=%s failed: %v", question.ID, err)
		questionSaved = false
		s.notify(noticeSaveFailed)
	}

	body, err := s.completer.Stream(ctx, s.transcript.Turns())
	if err != nil {
		log.Printf("[session] completion request failed: %v", err)
		s.notify(noticeSendFailed)
		return err
	}
	defer body.Close()

	reply, streamErr := s.fold(body)
	if reply.ID == "" {
		if streamErr != nil {
			s.reportStreamError(ctx, streamErr)
			return streamErr
		}
		return nil
	}

	if ctx.Err() != nil {
		log.Printf("[session] send abandoned with %d bytes of reply kept in memory", len(reply.Content))
		return ctx.Err()
	}

	if streamErr != nil {
		s.reportStreamError(ctx, streamErr)
	}

	if questionSaved {
		if err := s.gateway.Append(ctx, userID, reply); err != nil {
			log.Printf("[session] persist assistant message id=%s failed: %v", reply.ID, err)
			s.notify(noticeSaveFailed)
		}
	}

	return streamErr
}

// fold drives the decoder over body and folds every delta into one
// assistant message. It returns the finalized reply, which is zero when no
// content arrived.
func (s *Session) fold(body io.Reader) (chat.Message, error) {
	opts := []sse.Option{
		sse.WithAnomalyHandler(func(a sse.DecodeAnomaly) {
			log.Printf("[session] dropped malformed event: %v", a)
		}),
	}
	if s.maxPending > 0 {
		opts = append(opts, sse.WithMaxPendingBytes(s.maxPending))
	}
	decoder := sse.NewDecoder(body, opts...)

	replyID := s.newID()
	var content strings.Builder
	var streamErr error

	for {
		delta, err := decoder.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		content.WriteString(delta)
		msg, err := s.transcript.UpdateLastIfMatches(replyID, content.String())
		if err != nil {
			streamErr = fmt.Errorf("fold delta: %w", err)
			break
		}
		s.emit(Event{Type: EventDelta, Message: &msg, Delta: delta})
	}

	reply, ok := s.transcript.Finalize()
	if !ok {
		return chat.Message{}, streamErr
	}
	s.emit(Event{Type: EventMessage, Message: &reply})
	return reply, streamErr
}

func (s *Session) reportStreamError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	log.Printf("[session] reply stream interrupted: %v", err)
	s.notify(noticeInterrupted)
}

// Clear deletes the user's history. The conversation is only emptied when
// the remote delete succeeds.
func (s *Session) Clear(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	userID, err := s.resolveUser(ctx)
	if err != nil {
		s.notify(noticeSignIn)
		return err
	}

	if err := s.gateway.ClearAll(ctx, userID); err != nil {
		log.Printf("[session] clear history for user=%s failed: %v", userID, err)
		s.notify(noticeClearFailed)
		return err
	}

	s.transcript.Reset()
	s.emit(Event{Type: EventCleared})
	s.notify(noticeCleared)
	return nil
}

func (s *Session) resolveUser(ctx context.Context) (string, error) {
	userID, err := s.identity.UserID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrUnauthenticated, err)
	}
	if err := storage.RequireUser(userID); err != nil {
		return "", err
	}
	return userID, nil
}
