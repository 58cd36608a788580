package colony

import "context"

// ChatRole is the role of a single chat message sent to the LLM backend.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one message in a Chat request.
type ChatMessage struct {
	Role    ChatRole
	Content string
}

// Usage tracks token accounting for a single Chat call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatRequest is the input to Provider.Chat.
type ChatRequest struct {
	Model    string
	Messages []ChatMessage
}

// ChatResponse is the output of Provider.Chat.
type ChatResponse struct {
	Text  string
	Usage Usage
}

// Provider abstracts the LLM backend: a local process exposing a blocking
// chat(model, messages) -> text call. Streaming is explicitly out of scope
// for the coordination substrate.
type Provider interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Models lists the model names the backend currently has available.
	Models(ctx context.Context) ([]string, error)
	// Name returns the backend's identifier (e.g. "ollama").
	Name() string
}

// SystemMessage builds a system ChatMessage.
func SystemMessage(s string) ChatMessage { return ChatMessage{Role: RoleSystem, Content: s} }

// UserMessage builds a user ChatMessage.
func UserMessage(s string) ChatMessage { return ChatMessage{Role: RoleUser, Content: s} }
