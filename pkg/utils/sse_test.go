package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/z-copilot/backend/internal/stream"
)

func TestSendSSEChunkIsDecodable(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	if err := SendSSEChunk(rec, rec, map[string]string{"type": "answer", "content": "line1\n\nline2"}); err != nil {
		t.Fatalf("SendSSEChunk err: %v", err)
	}
	if err := SendSSEEvent(rec, rec, "end", map[string]bool{"finished": true}); err != nil {
		t.Fatalf("SendSSEEvent err: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	var dec stream.Decoder
	payloads := dec.Feed(rec.Body.Bytes())
	if len(payloads) != 1 {
		t.Fatalf("expected one data record, got %d: %q", len(payloads), payloads)
	}
	p := stream.Parse(payloads[0])
	if p.Kind != stream.PayloadAnswer || p.Text != "line1\n\nline2" {
		t.Fatalf("unexpected payload %+v", p)
	}
}
