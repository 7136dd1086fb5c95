package models

// ProviderID identifies an AI vendor. It is used as a lookup key everywhere.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGoogle    ProviderID = "google"
)

// KnownProviders lists the built-in providers in their documented order.
var KnownProviders = []ProviderID{ProviderOpenAI, ProviderAnthropic, ProviderGoogle}

// ParseProviderID converts user input into a ProviderID.
func ParseProviderID(s string) (ProviderID, bool) {
	id := ProviderID(s)
	return id, id.Valid()
}

// Valid reports whether id is one of the built-in providers.
func (id ProviderID) Valid() bool {
	switch id {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
		return true
	}
	return false
}

// DisplayName returns the human readable provider name.
func (id ProviderID) DisplayName() string {
	switch id {
	case ProviderOpenAI:
		return "OpenAI"
	case ProviderAnthropic:
		return "Anthropic"
	case ProviderGoogle:
		return "Google AI"
	case "":
		return "Unknown"
	}
	return string(id)
}

func (id ProviderID) String() string {
	return string(id)
}

// Role is the author of a conversational message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a supported role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message represents a single conversational turn in the unified schema.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ModelDescriptor describes a model in a provider's static catalog.
type ModelDescriptor struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name" yaml:"name"`
	Description       string `json:"description" yaml:"description"`
	ContextWindow     int    `json:"max_tokens" yaml:"context_window"`
	SupportsStreaming bool   `json:"supports_streaming" yaml:"supports_streaming"`
	SupportsVision    bool   `json:"supports_vision" yaml:"supports_vision"`
}

// GenerateRequest is the canonical completion request handed to a provider client.
type GenerateRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	Options     map[string]any
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a usage record whose total is always prompt+completion,
// regardless of what the vendor reported.
func NewUsage(prompt, completion int) *Usage {
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// CompletionResult captures a one-shot provider response.
type CompletionResult struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	Provider     ProviderID `json:"provider"`
	Usage        *Usage     `json:"usage,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// StreamChunk is one incremental fragment of a streaming completion. The
// terminal chunk carries a finish reason.
type StreamChunk struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// EstimateTokens gives a rough token count (about four characters per token).
func EstimateTokens(text string) int {
	return len(text) / 4
}
