package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/colony"
)

// Provider implements colony.Provider against a local Ollama daemon.
type Provider struct {
	model   string
	baseURL string
	client  *http.Client
	opts    []Option
}

// NewProvider creates an Ollama chat provider. baseURL is the daemon's
// address (e.g. "http://127.0.0.1:11434"); the /api/chat and /api/tags
// paths are appended automatically.
func NewProvider(baseURL, model string, opts ...ProviderOption) *Provider {
	p := &Provider{
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider's identifier.
func (p *Provider) Name() string { return "ollama" }

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req colony.ChatRequest) (colony.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := chatRequest{
		Model:    model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   false,
		Options:  p.mergeOptions(),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return colony.ChatResponse{}, &colony.ErrLLM{Backend: "ollama", Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return colony.ChatResponse{}, &colony.ErrLLM{Backend: "ollama", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return colony.ChatResponse{}, &colony.ErrLLM{Backend: "ollama", Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return colony.ChatResponse{}, p.httpErr(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return colony.ChatResponse{}, &colony.ErrLLM{Backend: "ollama", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if cr.Error != "" {
		return colony.ChatResponse{}, &colony.ErrLLM{Backend: "ollama", Message: cr.Error}
	}

	return colony.ChatResponse{
		Text: cr.Message.Content,
		Usage: colony.Usage{
			InputTokens:  cr.PromptEvalCount,
			OutputTokens: cr.EvalCount,
		},
	}, nil
}

// Models lists model names the daemon currently has pulled.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &colony.ErrLLM{Backend: "ollama", Message: fmt.Sprintf("create request: %v", err)}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &colony.ErrLLM{Backend: "ollama", Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	var tr tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &colony.ErrLLM{Backend: "ollama", Message: fmt.Sprintf("decode response: %v", err)}
	}

	names := make([]string, len(tr.Models))
	for i, m := range tr.Models {
		names[i] = m.Name
	}
	return names, nil
}

func (p *Provider) mergeOptions() *requestOptions {
	if len(p.opts) == 0 {
		return nil
	}
	o := &requestOptions{}
	for _, opt := range p.opts {
		opt(o)
	}
	return o
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &colony.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: colony.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func toOllamaMessages(msgs []colony.ChatMessage) []chatMessage {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

var _ colony.Provider = (*Provider)(nil)
