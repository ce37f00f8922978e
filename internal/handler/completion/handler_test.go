package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/pkg/sse"
)

type fakeReplier struct {
	streaming bool
	chunks    []string
	failAfter bool
	err       error
	got       []chat.Turn
}

func (f *fakeReplier) StreamingEnabled() bool { return f.streaming }

func (f *fakeReplier) GenerateReply(_ context.Context, turns []chat.Turn) (*schema.Message, error) {
	f.got = turns
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeReplier) StreamReply(_ context.Context, turns []chat.Turn) (*schema.StreamReader[*schema.Message], error) {
	f.got = turns
	if f.err != nil && !f.failAfter {
		return nil, f.err
	}

	reader, writer := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer writer.Close()
		for _, c := range f.chunks {
			writer.Send(schema.AssistantMessage(c, nil), nil)
		}
		if f.failAfter {
			writer.Send(nil, f.err)
		}
	}()
	return reader, nil
}

func serve(t *testing.T, replier Replier, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serveWithLimit(t, replier, body, 0)
}

func serveWithLimit(t *testing.T, replier Replier, body string, limit int64) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	New(replier, "test-model", limit).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decodeAll(t *testing.T, body string) (string, bool) {
	t.Helper()
	dec := sse.NewDecoder(strings.NewReader(body))
	var out strings.Builder
	for {
		delta, err := dec.Recv()
		if errors.Is(err, io.EOF) {
			return out.String(), dec.Done()
		}
		if err != nil {
			t.Fatalf("decode err: %v", err)
		}
		out.WriteString(delta)
	}
}

func TestChatStreamsDeltasAndSentinel(t *testing.T) {
	replier := &fakeReplier{streaming: true, chunks: []string{"Hel", "lo", "!"}}
	resp := serve(t, replier, `{"messages":[{"role":"user","content":"hi"}]}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	text, done := decodeAll(t, resp.Body.String())
	if text != "Hello!" {
		t.Fatalf("expected Hello!, got %q", text)
	}
	if !done {
		t.Fatal("expected [DONE] sentinel")
	}
	if len(replier.got) != 1 || replier.got[0].Content != "hi" {
		t.Fatalf("unexpected turns %+v", replier.got)
	}
}

func TestChatNonStreamingFallback(t *testing.T) {
	replier := &fakeReplier{chunks: []string{"all ", "at once"}}
	resp := serve(t, replier, `{"messages":[{"role":"user","content":"hi"}]}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	text, done := decodeAll(t, resp.Body.String())
	if text != "all at once" || !done {
		t.Fatalf("unexpected reply %q done=%v", text, done)
	}
}

func TestChatRejectsInvalidPayload(t *testing.T) {
	cases := []string{
		`{}`,
		`{"messages":[]}`,
		`{"messages":[{"role":"robot","content":"x"}]}`,
		`not json`,
	}
	for _, body := range cases {
		resp := serve(t, &fakeReplier{streaming: true}, body)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, resp.Code)
		}
	}
}

func TestChatUpstreamFailureBeforeStream(t *testing.T) {
	replier := &fakeReplier{streaming: true, err: errors.New("quota")}
	resp := serve(t, replier, `{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
}

func TestChatUpstreamFailureMidStream(t *testing.T) {
	replier := &fakeReplier{streaming: true, chunks: []string{"partial"}, failAfter: true, err: errors.New("reset")}
	resp := serve(t, replier, `{"messages":[{"role":"user","content":"hi"}]}`)

	text, done := decodeAll(t, resp.Body.String())
	if text != "partial" {
		t.Fatalf("expected partial content, got %q", text)
	}
	if done {
		t.Fatal("interrupted stream must not carry the sentinel")
	}
	if !strings.Contains(resp.Body.String(), "AI generation interrupted") {
		t.Fatalf("expected error event, got %s", resp.Body.String())
	}
}

func TestChatUnavailableWithoutReplier(t *testing.T) {
	resp := serve(t, nil, `{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func longHistory(t *testing.T, turns, size int) string {
	t.Helper()
	req := Request{}
	for i := 0; i < turns; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		req.Messages = append(req.Messages, chat.Turn{Role: role, Content: strings.Repeat("z", size)})
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func TestChatAcceptsHistoryLargerThanDefaultBodyLimit(t *testing.T) {
	body := longHistory(t, 301, 4000)
	if len(body) <= 1<<20 {
		t.Fatalf("history should exceed 1 MiB, got %d bytes", len(body))
	}

	replier := &fakeReplier{streaming: true, chunks: []string{"ok"}}
	resp := serve(t, replier, body)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(replier.got) != 301 {
		t.Fatalf("expected 301 turns, got %d", len(replier.got))
	}
}

func TestChatOversizedBodyIs413(t *testing.T) {
	resp := serveWithLimit(t, &fakeReplier{streaming: true}, longHistory(t, 10, 200), 1024)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}
