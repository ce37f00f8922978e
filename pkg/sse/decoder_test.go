package sse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// chunkReader hands out the configured chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
	err    error
}

func newChunkReader(chunks ...string) *chunkReader {
	r := &chunkReader{}
	for _, c := range chunks {
		r.chunks = append(r.chunks, []byte(c))
	}
	return r
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func collect(t *testing.T, d *Decoder) []string {
	t.Helper()
	var out []string
	for {
		delta, err := d.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, delta)
	}
}

func event(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"index":0,"delta":{"content":%q}}]}`, content) + "\n\n"
}

func TestDecoderSplitEventAcrossChunks(t *testing.T) {
	d := NewDecoder(newChunkReader(
		`data: {"choices":[{"delta":{"content":"Hel`,
		`lo"}}]}`+"\n",
		"data: [DONE]\n",
	))

	require.Equal(t, []string{"Hello"}, collect(t, d))
	require.True(t, d.Done())
}

func TestDecoderIsChunkBoundaryInvariant(t *testing.T) {
	stream := ": keep-alive\n\n" +
		event("Take") +
		event(" a deep") +
		"event: ping\n" +
		event("") +
		"data: {\"choices\":[]}\r\n" +
		event(" breath ✨") +
		"data: [DONE]\n" +
		event("ignored")
	want := []string{"Take", " a deep", " breath ✨"}

	require.Equal(t, want, collect(t, NewDecoder(strings.NewReader(stream))))

	raw := []byte(stream)
	for cut := 1; cut < len(raw); cut++ {
		d := NewDecoder(newChunkReader(string(raw[:cut]), string(raw[cut:])))
		require.Equal(t, want, collect(t, d), "split at %d", cut)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		var chunks []string
		rest := raw
		for len(rest) > 0 {
			n := 1 + rng.Intn(12)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, string(rest[:n]))
			rest = rest[n:]
		}
		require.Equal(t, want, collect(t, NewDecoder(newChunkReader(chunks...))))
	}
}

func TestDecoderSkipsNonDataLines(t *testing.T) {
	stream := "id: 1\nretry: 100\n: comment\n   \n" + event("ok") + "data: [DONE]\n"
	d := NewDecoder(strings.NewReader(stream))
	require.Equal(t, []string{"ok"}, collect(t, d))
}

func TestDecoderStopsAtSentinelAndDrains(t *testing.T) {
	tail := bytes.NewBufferString(strings.Repeat(event("late"), 50))
	d := NewDecoder(io.MultiReader(strings.NewReader(event("early")+"data: [DONE]\n"), tail))

	require.Equal(t, []string{"early"}, collect(t, d))
	require.Zero(t, tail.Len(), "remaining transport bytes should be drained")
}

func TestDecoderTruncatedStreamEndsQuietly(t *testing.T) {
	d := NewDecoder(strings.NewReader(event("partial") + `data: {"choices":[{"delta":{"content":"lo`))

	require.Equal(t, []string{"partial"}, collect(t, d))
	require.False(t, d.Done())
}

func TestDecoderJoinsEventBrokenAcrossLines(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"Hel` + "\n" +
		`lo"}}]}` + "\n\n" +
		"data: [DONE]\n"
	d := NewDecoder(strings.NewReader(stream))

	require.Equal(t, []string{"Hello"}, collect(t, d))
	require.Zero(t, d.Anomalies())
}

func TestDecoderJoinsEventContinuedOnDataLine(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"A ` + "\n" +
		`data: "}}]}` + "\n" +
		event("B") +
		"data: [DONE]\n"

	whole := NewDecoder(strings.NewReader(stream))
	require.Equal(t, []string{"A ", "B"}, collect(t, whole))
	require.Zero(t, whole.Anomalies())

	raw := []byte(stream)
	for cut := 1; cut < len(raw); cut++ {
		d := NewDecoder(newChunkReader(string(raw[:cut]), string(raw[cut:])))
		require.Equal(t, []string{"A ", "B"}, collect(t, d), "split at %d", cut)
	}
}

func TestDecoderDropsGarbageWhenCompleteEventFollows(t *testing.T) {
	var seen []DecodeAnomaly
	stream := "data: {not json\n" + event("fine") + "data: [DONE]\n"
	d := NewDecoder(strings.NewReader(stream), WithAnomalyHandler(func(a DecodeAnomaly) {
		seen = append(seen, a)
	}))

	require.Equal(t, []string{"fine"}, collect(t, d))
	require.Equal(t, 1, d.Anomalies())
	require.Len(t, seen, 1)
}

func TestDecoderCapsCarriedFragment(t *testing.T) {
	var stream strings.Builder
	stream.WriteString("data: {\"choices\":[\n")
	for i := 0; i < 20; i++ {
		stream.WriteString(strings.Repeat("x", 10) + "\n")
	}
	stream.WriteString(event("after"))
	stream.WriteString("data: [DONE]\n")

	d := NewDecoder(strings.NewReader(stream.String()), WithMaxPendingBytes(64))

	require.Equal(t, []string{"after"}, collect(t, d))
	require.GreaterOrEqual(t, d.Anomalies(), 1)
}

func TestDecoderOversizedLineIsChunkInvariant(t *testing.T) {
	long := "data: " + strings.Repeat("y", 200) + "\n"
	stream := long + event("kept") + "data: [DONE]\n"

	whole := NewDecoder(strings.NewReader(stream), WithMaxPendingBytes(100))
	require.Equal(t, []string{"kept"}, collect(t, whole))

	var chunks []string
	for i := 0; i < len(stream); i += 16 {
		end := i + 16
		if end > len(stream) {
			end = len(stream)
		}
		chunks = append(chunks, stream[i:end])
	}
	split := NewDecoder(newChunkReader(chunks...), WithMaxPendingBytes(100))
	require.Equal(t, []string{"kept"}, collect(t, split))
	require.Equal(t, whole.Anomalies(), split.Anomalies())
}

func TestDecoderReturnsDeltasBeforeTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	r := newChunkReader(event("one") + event("two"))
	r.err = boom
	d := NewDecoder(r)

	first, err := d.Recv()
	require.NoError(t, err)
	require.Equal(t, "one", first)
	second, err := d.Recv()
	require.NoError(t, err)
	require.Equal(t, "two", second)

	_, err = d.Recv()
	require.ErrorIs(t, err, boom)
}
