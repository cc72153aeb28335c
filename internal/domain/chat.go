package domain

// Chat roles shared by conversation turns and LLM integrations.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the LLM
// integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
