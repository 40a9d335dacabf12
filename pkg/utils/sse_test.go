package utils

import (
	"net/http/httptest"
	"testing"
)

func TestSendSSEChunkFramesPayload(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	if err := SendSSEChunk(rec, rec, map[string]string{"type": "stream", "content": "Hel"}); err != nil {
		t.Fatalf("SendSSEChunk err: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	want := "data: {\"content\":\"Hel\",\"type\":\"stream\"}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("expected %q, got %q", want, rec.Body.String())
	}
	if !rec.Flushed {
		t.Fatal("expected chunk to be flushed")
	}
}

func TestSendSSEChunkRejectsUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := SendSSEChunk(rec, rec, map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected nothing written, got %q", rec.Body.String())
	}
}
