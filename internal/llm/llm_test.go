package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAICompat {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAICompat("test", "k", srv.URL, "test-model")
}

func TestQueryStructuredSendsHistory(t *testing.T) {
	var got chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"[]"},"finish_reason":"stop"}]}`))
	})

	out, err := p.QueryStructured(context.Background(), StructuredRequest{
		SystemPrompt: "sys",
		NowISO:       "2025-05-10T08:00:00Z",
		ChatType:     "group",
		History: []HistoryMessage{
			{MsgID: 1, SenderName: "Bob", Text: "hi"},
			{MsgID: 2, Out: true, Text: "hello"},
		},
		AllowedTaskTypes: []string{"send", "wait"},
	})
	if err != nil {
		t.Fatalf("QueryStructured: %v", err)
	}
	if out != "[]" {
		t.Fatalf("content = %q", out)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("sent %d messages, want 4 (system + 2 history + instruction)", len(got.Messages))
	}
	if got.Messages[0].Role != "system" {
		t.Fatalf("first message role = %q", got.Messages[0].Role)
	}
	if got.Messages[2].Role != "assistant" {
		t.Fatalf("agent turn role = %q, want assistant", got.Messages[2].Role)
	}
	if s, _ := got.Messages[1].Content.(string); s != "[msg 1] Bob: hi" {
		t.Fatalf("group history line = %q", s)
	}
}

func TestProhibitedContentFinish(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`))
	})
	_, err := p.QueryStructured(context.Background(), StructuredRequest{SystemPrompt: "s"})
	if err != ErrProhibited {
		t.Fatalf("err = %v, want ErrProhibited", err)
	}
}

func TestRetriesOnServerError(t *testing.T) {
	calls := 0
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	})
	out, err := p.QueryStructured(context.Background(), StructuredRequest{SystemPrompt: "s"})
	if err != nil {
		t.Fatalf("QueryStructured: %v", err)
	}
	if out != "ok" || calls != 2 {
		t.Fatalf("out=%q calls=%d, want retry then success", out, calls)
	}
}

func TestDescribeImageTimeout(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	})
	_, err := p.DescribeImage(context.Background(), []byte("img"), "image/jpeg", 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestSupportsMime(t *testing.T) {
	p := NewOpenAICompat("test", "k", "http://x", "m")
	if !p.SupportsMime("image/jpeg") || !p.SupportsMime("IMAGE/PNG") {
		t.Fatalf("common image types should be supported")
	}
	if p.SupportsMime("application/zip") {
		t.Fatalf("zip should not be supported")
	}
	if !p.SupportsMime("audio/ogg; codecs=opus") {
		t.Fatalf("mime parameters should be stripped")
	}
}

func TestRegistryResolvesModelSuffix(t *testing.T) {
	p, err := New("gemini/gemini-2.5-pro", Keys{Gemini: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "gemini" || p.Model() != "gemini-2.5-pro" {
		t.Fatalf("resolved %s/%s", p.Name(), p.Model())
	}
	if _, err := New("gemini", Keys{}); err == nil {
		t.Fatalf("missing key should fail")
	}
	if _, err := New("frontier9000", Keys{Gemini: "k"}); err == nil {
		t.Fatalf("unknown provider should fail")
	}
}
