package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	chatservice "github.com/lumenwell/serenity/backend/internal/service/chat"
	"github.com/lumenwell/serenity/backend/internal/service/completion"
	"github.com/lumenwell/serenity/backend/internal/service/identity"
	"github.com/lumenwell/serenity/backend/internal/storage"
	"github.com/lumenwell/serenity/backend/internal/storage/memory"
)

type fakeGateway struct {
	*memory.Store

	mu        sync.Mutex
	loadErr   error
	appendErr error
	clearErr  error
	calls     int
}

func newGateway() *fakeGateway {
	return &fakeGateway{Store: memory.NewStore()}
}

func (g *fakeGateway) LoadHistory(ctx context.Context, userID string) ([]chat.Message, error) {
	g.mu.Lock()
	g.calls++
	err := g.loadErr
	g.mu.Unlock()
	if err != nil {
		return nil, storage.Wrap("load history", err)
	}
	return g.Store.LoadHistory(ctx, userID)
}

func (g *fakeGateway) Append(ctx context.Context, userID string, msg chat.Message) error {
	g.mu.Lock()
	g.calls++
	err := g.appendErr
	g.mu.Unlock()
	if err != nil {
		return storage.Wrap("append", err)
	}
	return g.Store.Append(ctx, userID, msg)
}

func (g *fakeGateway) ClearAll(ctx context.Context, userID string) error {
	g.mu.Lock()
	g.calls++
	err := g.clearErr
	g.mu.Unlock()
	if err != nil {
		return storage.Wrap("clear", err)
	}
	return g.Store.ClearAll(ctx, userID)
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// completerFunc adapts a function to chatservice.Completer.
type completerFunc func(ctx context.Context, turns []chat.Turn) (io.ReadCloser, error)

func (f completerFunc) Stream(ctx context.Context, turns []chat.Turn) (io.ReadCloser, error) {
	return f(ctx, turns)
}

func replyWith(chunks ...string) completerFunc {
	return func(context.Context, []chat.Turn) (io.ReadCloser, error) {
		var b strings.Builder
		for _, c := range chunks {
			fmt.Fprintf(&b, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		b.WriteString("data: [DONE]\n\n")
		return io.NopCloser(strings.NewReader(b.String())), nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []chatservice.Event
}

func (r *recorder) listen(e chatservice.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) notices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == chatservice.EventNotice {
			out = append(out, e.Notice.Description)
		}
	}
	return out
}

func newSession(t *testing.T, gw storage.Gateway, completer chatservice.Completer, rec *recorder) *chatservice.Session {
	t.Helper()
	opts := chatservice.Options{
		Gateway:   gw,
		Completer: completer,
		Identity:  identity.Static("user-1"),
	}
	if rec != nil {
		opts.Listener = rec.listen
	}
	session, err := chatservice.NewSession(opts)
	require.NoError(t, err)
	return session
}

func TestSendBlankIsNoop(t *testing.T) {
	gw := newGateway()
	called := false
	session := newSession(t, gw, completerFunc(func(context.Context, []chat.Turn) (io.ReadCloser, error) {
		called = true
		return nil, errors.New("unexpected")
	}), nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		require.NoError(t, session.Send(context.Background(), text))
	}

	require.Empty(t, session.Messages())
	require.Zero(t, gw.callCount())
	require.False(t, called)
}

func TestSendStreamsAndPersistsBothMessages(t *testing.T) {
	gw := newGateway()
	rec := &recorder{}
	session := newSession(t, gw, replyWith("Hel", "lo", "!"), rec)

	require.NoError(t, session.Send(context.Background(), "hi"))

	messages := session.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, chat.RoleUser, messages[0].Role)
	require.Equal(t, "hi", messages[0].Content)
	require.Equal(t, chat.RoleAssistant, messages[1].Role)
	require.Equal(t, "Hello!", messages[1].Content)
	require.Equal(t, chat.StateIdle, session.State())

	stored, err := gw.Store.LoadHistory(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, messages[0].ID, stored[0].ID)
	require.Equal(t, "Hello!", stored[1].Content)

	var deltas []string
	for _, e := range rec.events {
		if e.Type == chatservice.EventDelta {
			deltas = append(deltas, e.Delta)
		}
	}
	require.Equal(t, []string{"Hel", "lo", "!"}, deltas)
	require.Empty(t, rec.notices())
}

func TestSendRejectsConcurrentSend(t *testing.T) {
	gw := newGateway()
	pr, pw := io.Pipe()
	started := make(chan struct{})

	session := newSession(t, gw, completerFunc(func(context.Context, []chat.Turn) (io.ReadCloser, error) {
		close(started)
		return pr, nil
	}), nil)

	done := make(chan error, 1)
	go func() { done <- session.Send(context.Background(), "first") }()
	<-started

	require.Equal(t, chat.StateSending, session.State())
	require.True(t, session.Loading())
	require.ErrorIs(t, session.Send(context.Background(), "second"), chatservice.ErrBusy)
	require.ErrorIs(t, session.Clear(context.Background()), chatservice.ErrBusy)
	require.ErrorIs(t, session.LoadHistory(context.Background()), chatservice.ErrBusy)

	_, err := io.WriteString(pw, "data: {\"choices\":[{\"delta\":{\"content\":\"only one reply\"}}]}\n\ndata: [DONE]\n\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	messages := session.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "first", messages[0].Content)
	require.Equal(t, "only one reply", messages[1].Content)
	require.Equal(t, chat.StateIdle, session.State())
}

func TestSendTransportErrorKeepsUserMessage(t *testing.T) {
	gw := newGateway()
	rec := &recorder{}
	session := newSession(t, gw, completerFunc(func(context.Context, []chat.Turn) (io.ReadCloser, error) {
		return nil, &completion.TransportError{StatusCode: 500, Err: errors.New("boom")}
	}), rec)

	err := session.Send(context.Background(), "hello?")
	var terr *completion.TransportError
	require.True(t, errors.As(err, &terr))

	messages := session.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, chat.RoleUser, messages[0].Role)
	require.False(t, session.Loading())
	require.Equal(t, []string{"Failed to send message"}, rec.notices())
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestSendMidStreamFailureKeepsPartialReply(t *testing.T) {
	gw := newGateway()
	rec := &recorder{}
	reset := errors.New("connection reset")
	session := newSession(t, gw, completerFunc(func(context.Context, []chat.Turn) (io.ReadCloser, error) {
		return io.NopCloser(&failingReader{
			data: []byte("data: {\"choices\":[{\"delta\":{\"content\":\"Part\"}}]}\n"),
			err:  reset,
		}), nil
	}), rec)

	err := session.Send(context.Background(), "tell me")
	require.ErrorIs(t, err, reset)

	messages := session.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "Part", messages[1].Content)
	require.Equal(t, []string{"The reply was interrupted"}, rec.notices())

	stored, err := gw.Store.LoadHistory(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestSendTruncatedStreamIsCompletion(t *testing.T) {
	gw := newGateway()
	session := newSession(t, gw, completerFunc(func(context.Context, []chat.Turn) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"short\"}}]}\n")), nil
	}), nil)

	require.NoError(t, session.Send(context.Background(), "q"))
	messages := session.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "short", messages[1].Content)
}

func TestSendUserPersistFailureSkipsReplyPersist(t *testing.T) {
	gw := newGateway()
	gw.appendErr = errors.New("db down")
	rec := &recorder{}
	session := newSession(t, gw, replyWith("ok"), rec)

	require.NoError(t, session.Send(context.Background(), "q"))

	require.Len(t, session.Messages(), 2)
	require.Equal(t, []string{"Message could not be saved"}, rec.notices())
	// One failed append for the question, none for the answer.
	require.Equal(t, 1, gw.callCount())
}

func TestSendEmptyReplyAddsNoAssistantMessage(t *testing.T) {
	gw := newGateway()
	session := newSession(t, gw, replyWith(), nil)

	require.NoError(t, session.Send(context.Background(), "q"))
	require.Len(t, session.Messages(), 1)
}

func TestSendCancelledKeepsPartialInMemoryOnly(t *testing.T) {
	gw := newGateway()
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	session := newSession(t, gw, completerFunc(func(context.Context, []chat.Turn) (io.ReadCloser, error) {
		go func() {
			_, _ = io.WriteString(pw, "data: {\"choices\":[{\"delta\":{\"content\":\"half\"}}]}\n")
			cancel()
			_ = pw.CloseWithError(context.Canceled)
		}()
		return pr, nil
	}), nil)

	err := session.Send(ctx, "q")
	require.ErrorIs(t, err, context.Canceled)

	messages := session.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "half", messages[1].Content)

	stored, err := gw.Store.LoadHistory(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestSendUnauthenticated(t *testing.T) {
	gw := newGateway()
	rec := &recorder{}
	session, err := chatservice.NewSession(chatservice.Options{
		Gateway:   gw,
		Completer: replyWith("x"),
		Identity:  identity.Static(""),
		Listener:  rec.listen,
	})
	require.NoError(t, err)

	require.ErrorIs(t, session.Send(context.Background(), "hi"), storage.ErrUnauthenticated)
	require.ErrorIs(t, session.LoadHistory(context.Background()), storage.ErrUnauthenticated)
	require.ErrorIs(t, session.Clear(context.Background()), storage.ErrUnauthenticated)
	require.Empty(t, session.Messages())
	require.Zero(t, gw.callCount())
	require.Len(t, rec.notices(), 3)
}

func TestLoadHistoryThenSendOrdering(t *testing.T) {
	gw := newGateway()
	ctx := context.Background()
	require.NoError(t, gw.Store.Append(ctx, "user-1", chat.Message{ID: "h2", Role: chat.RoleAssistant, Content: "hello!", CreatedAt: time.Unix(2, 0)}))
	require.NoError(t, gw.Store.Append(ctx, "user-1", chat.Message{ID: "h1", Role: chat.RoleUser, Content: "hi", CreatedAt: time.Unix(1, 0)}))

	var session *chatservice.Session
	var seenAtStream []chat.Message
	var sentTurns []chat.Turn
	session = newSession(t, gw, completerFunc(func(_ context.Context, turns []chat.Turn) (io.ReadCloser, error) {
		seenAtStream = session.Messages()
		sentTurns = turns
		return replyWith("sure")(ctx, turns)
	}), nil)

	require.NoError(t, session.LoadHistory(ctx))
	loaded := session.Messages()
	require.Len(t, loaded, 2)
	require.Equal(t, "hi", loaded[0].Content)
	require.Equal(t, chat.RoleUser, loaded[0].Role)
	require.Equal(t, "hello!", loaded[1].Content)

	require.NoError(t, session.Send(ctx, "next"))

	require.Len(t, seenAtStream, 3)
	require.Equal(t, chat.RoleUser, seenAtStream[2].Role)
	require.Equal(t, "next", seenAtStream[2].Content)
	require.Equal(t, []chat.Turn{
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "hello!"},
		{Role: chat.RoleUser, Content: "next"},
	}, sentTurns)
	require.Len(t, session.Messages(), 4)
}

func TestSendPersistsUserMessageBeforeStreaming(t *testing.T) {
	gw := newGateway()
	var storedAtStream []chat.Message
	session := newSession(t, gw, completerFunc(func(ctx context.Context, turns []chat.Turn) (io.ReadCloser, error) {
		stored, err := gw.Store.LoadHistory(ctx, "user-1")
		if err != nil {
			return nil, err
		}
		storedAtStream = stored
		return replyWith("noted")(ctx, turns)
	}), nil)

	require.NoError(t, session.Send(context.Background(), "remember this"))

	require.Len(t, storedAtStream, 1)
	require.Equal(t, chat.RoleUser, storedAtStream[0].Role)
	require.Equal(t, "remember this", storedAtStream[0].Content)
	require.Equal(t, session.Messages()[0].ID, storedAtStream[0].ID)
}

func TestLoadHistoryFailureLeavesEmptyConversation(t *testing.T) {
	gw := newGateway()
	rec := &recorder{}
	session := newSession(t, gw, replyWith("a"), rec)
	require.NoError(t, session.Send(context.Background(), "q"))

	gw.loadErr = errors.New("timeout")
	err := session.LoadHistory(context.Background())
	require.ErrorIs(t, err, storage.ErrGateway)
	require.Empty(t, session.Messages())
	require.Equal(t, []string{"Failed to load chat history"}, rec.notices())
}

func TestClearFailurePreservesConversation(t *testing.T) {
	gw := newGateway()
	rec := &recorder{}
	session := newSession(t, gw, replyWith("answer"), rec)
	require.NoError(t, session.Send(context.Background(), "question"))
	before := session.Messages()

	gw.clearErr = errors.New("forbidden")
	require.ErrorIs(t, session.Clear(context.Background()), storage.ErrGateway)
	require.Equal(t, before, session.Messages())
	require.Equal(t, []string{"Failed to clear chat history"}, rec.notices())
}

func TestClearSuccess(t *testing.T) {
	gw := newGateway()
	rec := &recorder{}
	session := newSession(t, gw, replyWith("answer"), rec)
	require.NoError(t, session.Send(context.Background(), "question"))

	require.NoError(t, session.Clear(context.Background()))
	require.Empty(t, session.Messages())
	require.Equal(t, []string{"Chat history cleared"}, rec.notices())

	stored, err := gw.Store.LoadHistory(context.Background(), "user-1")
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestNewSessionRequiresCollaborators(t *testing.T) {
	_, err := chatservice.NewSession(chatservice.Options{})
	require.Error(t, err)
}
