package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarvishq/jarvis/internal/agent"
)

const streamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_test","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"All systems nominal."}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}

event: message_stop
data: {"type":"message_stop"}

`

func newTestProvider(t *testing.T, baseURL string) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropic(AnthropicConfig{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func collect(t *testing.T, chunks <-chan *agent.CompletionChunk) (string, int, int, error) {
	t.Helper()
	var text strings.Builder
	var usageIn, usageOut int
	var streamErr error
	for c := range chunks {
		if c.Error != nil {
			streamErr = c.Error
		}
		text.WriteString(c.Text)
		if c.Done {
			usageIn, usageOut = c.InputTokens, c.OutputTokens
		}
	}
	return text.String(), usageIn, usageOut, streamErr
}

func TestCompleteStreamsTextAndUsage(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(streamBody))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "status?"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	text, usageIn, usageOut, streamErr := collect(t, chunks)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if text != "All systems nominal." {
		t.Fatalf("text = %q", text)
	}
	if usageIn != 12 || usageOut != 7 {
		t.Fatalf("usage = %d/%d, want 12/7", usageIn, usageOut)
	}
	if requests.Load() != 1 {
		t.Fatalf("requests = %d, want 1", requests.Load())
	}
}

func TestCompleteRetriesRateLimitedConnection(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "status?"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, _, streamErr := collect(t, chunks)
	if streamErr == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(streamErr.Error(), "max retries exceeded") {
		t.Fatalf("error = %v", streamErr)
	}
	// Connection-level failures only surface on the first stream read, so
	// retrying requires more than one request to have gone out.
	if requests.Load() < 2 {
		t.Fatalf("requests = %d, want at least 2", requests.Load())
	}
}

func TestCompleteDoesNotRetryAuthFailure(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "status?"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, _, streamErr := collect(t, chunks)
	if streamErr == nil {
		t.Fatal("expected auth error")
	}
	if requests.Load() != 1 {
		t.Fatalf("requests = %d, want 1", requests.Load())
	}
}
