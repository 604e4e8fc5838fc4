package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() OpenAIOption {
	return WithRetry(3, time.Millisecond, 5*time.Millisecond)
}

func chatOK(content string, totalTokens int) string {
	resp := map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
		"usage": map[string]int{"total_tokens": totalTokens},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestChat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}

		fmt.Fprint(w, chatOK("hello there", 42))
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), WithAPIKey("test-key"), fastRetry())

	completion, err := client.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if completion.Content != "hello there" {
		t.Errorf("Content = %q", completion.Content)
	}
	if completion.Model != "test-model" {
		t.Errorf("Model = %q", completion.Model)
	}
	if completion.Usage.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d", completion.Usage.TotalTokens)
	}
	if completion.Usage.Estimated {
		t.Error("non-streaming usage should not be estimated")
	}
	if completion.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", completion.Attempts)
	}
}

func TestChat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "temporarily overloaded", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, chatOK("recovered", 10))
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), fastRetry())

	completion, err := client.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if completion.Content != "recovered" {
		t.Errorf("Content = %q", completion.Content)
	}
	if completion.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", completion.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestChat_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), fastRetry())

	_, err := client.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upstream.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", upstream.Attempts)
	}
	if upstream.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", upstream.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestChat_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), fastRetry())

	_, err := client.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upstream.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", upstream.Attempts)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

func TestChat_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), WithRetry(3, time.Minute, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestChat_ModelOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "override-model" {
			t.Errorf("Model = %q, want override-model", req.Model)
		}
		fmt.Fprint(w, chatOK("ok", 1))
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), WithModel("default-model"), fastRetry())

	if _, err := client.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{Model: "override-model"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func sseFrame(content string) string {
	frame := map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"content": content}},
		},
	}
	b, _ := json.Marshal(frame)
	return "data: " + string(b) + "\n\n"
}

func TestChatStream_DeliversTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected streaming request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrame("The sky "))
		fmt.Fprint(w, sseFrame("is blue."))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), fastRetry())

	chunks, err := client.ChatStream(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var sb strings.Builder
	var final *StreamChunk
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		sb.WriteString(chunk.Token)
		if chunk.Done {
			c := chunk
			final = &c
		}
	}

	if got := sb.String(); got != "The sky is blue." {
		t.Errorf("streamed content = %q", got)
	}
	if final == nil {
		t.Fatal("no terminal chunk received")
	}
	if final.Usage == nil {
		t.Fatal("terminal chunk carried no usage")
	}
	if !final.Usage.Estimated {
		t.Error("streamed usage should be estimated")
	}
	// Four whitespace tokens scaled by the correction factor.
	scaled := 4 * float64(streamTokenFactor)
	if want := int(scaled); final.Usage.TotalTokens != want {
		t.Errorf("TotalTokens = %d, want %d", final.Usage.TotalTokens, want)
	}
}

func TestChatStream_SkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrame("good "))
		fmt.Fprint(w, "data: {not valid json\n\n")
		fmt.Fprint(w, sseFrame("frames"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), fastRetry())

	chunks, err := client.ChatStream(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		sb.WriteString(chunk.Token)
	}

	if got := sb.String(); got != "good frames" {
		t.Errorf("streamed content = %q", got)
	}
}

func TestChatStream_EndsWithoutSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrame("partial"))
		// Connection closes without [DONE].
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), fastRetry())

	chunks, err := client.ChatStream(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var sb strings.Builder
	done := false
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		sb.WriteString(chunk.Token)
		if chunk.Done {
			done = true
		}
	}

	if sb.String() != "partial" {
		t.Errorf("streamed content = %q", sb.String())
	}
	if !done {
		t.Error("stream never delivered a terminal chunk")
	}
}

func TestChatStream_CancelledConsumerDoesNotLeak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 1000; i++ {
			if _, err := fmt.Fprint(w, sseFrame("token ")); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	baseline := runtime.NumGoroutine()

	client := NewOpenAIClient(WithBaseURL(srv.URL), fastRetry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, err := client.ChatStream(ctx, []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	<-chunks
	cancel()

	// The consumer walks away without draining; the reader goroutine must
	// still exit on its own.
	for i := 0; i < 200; i++ {
		if runtime.NumGoroutine() <= baseline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reader goroutine did not exit after cancel: %d goroutines, baseline %d",
		runtime.NumGoroutine(), baseline)
}

func TestChatStream_ConnectRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrame("ok"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(WithBaseURL(srv.URL), fastRetry())

	chunks, err := client.ChatStream(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	for range chunks {
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}
