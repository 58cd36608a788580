package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nevindra/colony"
)

func TestProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/chat" {
			t.Errorf("expected path /api/chat, got %s", r.URL.Path)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "llama3.1" {
			t.Errorf("expected model llama3.1, got %s", req.Model)
		}
		if req.Stream {
			t.Error("expected stream=false")
		}

		json.NewEncoder(w).Encode(chatResponse{
			Model:           "llama3.1",
			Message:         chatMessage{Role: "assistant", Content: "hello"},
			Done:            true,
			PromptEvalCount: 5,
			EvalCount:       2,
		})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "llama3.1")

	resp, err := p.Chat(context.Background(), colony.ChatRequest{
		Messages: []colony.ChatMessage{colony.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("got text %q, want hello", resp.Text)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("got usage %+v", resp.Usage)
	}
}

func TestProvider_Chat_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "llama3.1")

	_, err := p.Chat(context.Background(), colony.ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*colony.ErrHTTP)
	if !ok {
		t.Fatalf("expected *colony.ErrHTTP, got %T", err)
	}
	if httpErr.Status != 503 || httpErr.RetryAfter != 2 {
		t.Errorf("got %+v", httpErr)
	}
}

func TestProvider_Models(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("expected path /api/tags, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(tagsResponse{
			Models: []tagModel{{Name: "llama3.1"}, {Name: "mistral"}},
		})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "llama3.1")

	names, err := p.Models(context.Background())
	if err != nil {
		t.Fatalf("Models returned error: %v", err)
	}
	if len(names) != 2 || names[0] != "llama3.1" || names[1] != "mistral" {
		t.Errorf("got %v", names)
	}
}

func TestProvider_Name(t *testing.T) {
	p := NewProvider("http://127.0.0.1:11434", "llama3.1")
	if p.Name() != "ollama" {
		t.Errorf("got %q, want ollama", p.Name())
	}
}
