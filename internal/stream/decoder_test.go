package stream_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-copilot/backend/internal/stream"
)

func TestDecoderHoldsPartialTail(t *testing.T) {
	var dec stream.Decoder

	got := dec.Feed([]byte("data: one\n\ndata: two\n\ndata: thr"))
	require.Equal(t, []string{"one", "two"}, got)
	require.Equal(t, "data: thr", string(dec.Pending()))

	got = dec.Feed([]byte("ee\n"))
	require.Empty(t, got)

	got = dec.Feed([]byte("\n"))
	require.Equal(t, []string{"three"}, got)
	require.Empty(t, dec.Pending())
}

func TestDecoderEveryChunkBoundary(t *testing.T) {
	wire := "data: {\"type\":\"answer\",\"content\":\"Hi\"}\n\ndata: plain token\n\ndata: 你好世界\n\ndata: tail"
	want := []string{`{"type":"answer","content":"Hi"}`, "plain token", "你好世界"}

	for cut := 0; cut <= len(wire); cut++ {
		var dec stream.Decoder
		var got []string
		got = append(got, dec.Feed([]byte(wire[:cut]))...)
		got = append(got, dec.Feed([]byte(wire[cut:]))...)

		require.Equal(t, want, got, "cut at %d", cut)
		require.Equal(t, "data: tail", string(dec.Pending()), "cut at %d", cut)
	}
}

func TestDecoderSkipsRecordsWithoutDataPrefix(t *testing.T) {
	var dec stream.Decoder
	got := dec.Feed([]byte(": keepalive\n\nevent: ping\n\ndata: kept\n\n"))
	require.Equal(t, []string{"kept"}, got)
}

func TestDecoderKeepsEmptyPayload(t *testing.T) {
	var dec stream.Decoder
	got := dec.Feed([]byte("data: \n\n"))
	require.Equal(t, []string{""}, got)
}

type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestReadDispatchesInOrderAndDropsTail(t *testing.T) {
	r := &chunkReader{chunks: []string{"data: a\n\nda", "ta: b\n", "\ndata: c"}}

	var got []string
	err := stream.Read(context.Background(), r, func(payload string) error {
		got = append(got, payload)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got)
}

func TestReadStopsOnCallbackError(t *testing.T) {
	boom := errors.New("boom")
	err := stream.Read(context.Background(), strings.NewReader("data: a\n\ndata: b\n\n"), func(string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestReadReturnsContextErrorOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	got := make(chan string, 4)
	go func() {
		done <- stream.Read(ctx, pr, func(payload string) error {
			got <- payload
			return nil
		})
	}()

	_, err := pw.Write([]byte("data: first\n\n"))
	require.NoError(t, err)
	require.Equal(t, "first", <-got)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestReadWrapsTransportError(t *testing.T) {
	pr, pw := io.Pipe()
	broken := errors.New("connection reset")
	go func() {
		pw.Write([]byte("data: partial answer\n\n"))
		pw.CloseWithError(broken)
	}()

	var got []string
	err := stream.Read(context.Background(), pr, func(payload string) error {
		got = append(got, payload)
		return nil
	})
	require.ErrorIs(t, err, broken)
	require.Equal(t, []string{"partial answer"}, got)
}
