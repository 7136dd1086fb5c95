package translator

import (
	"strings"

	"taskpilot/internal/assistant"
	"taskpilot/internal/models"
)

// KeyRequest is the body of PUT /v1/ai/keys/:provider and POST /v1/ai/detect.
type KeyRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

// DetectResponse reports the provider a key belongs to.
type DetectResponse struct {
	Provider     models.ProviderID `json:"provider"`
	ProviderName string            `json:"provider_name"`
}

// TestConnectionRequest is the body of POST /v1/ai/test-connection.
type TestConnectionRequest struct {
	APIKey   string `json:"api_key" validate:"required"`
	Provider string `json:"provider" validate:"omitempty,oneof=openai anthropic google"`
}

// SettingsRequest is the body of PUT /v1/ai/settings. Omitted fields keep
// their stored value; an empty preferred_provider clears the preference.
type SettingsRequest struct {
	PreferredProvider *string  `json:"preferred_provider"`
	PreferredModel    *string  `json:"preferred_model" validate:"omitempty,max=128"`
	Temperature       *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens         *int     `json:"max_tokens" validate:"omitempty,gt=0,lte=200000"`
}

// ToUpdate converts the body into a settings update.
func (r SettingsRequest) ToUpdate() assistant.SettingsUpdate {
	update := assistant.SettingsUpdate{
		PreferredModel: r.PreferredModel,
		Temperature:    r.Temperature,
		MaxTokens:      r.MaxTokens,
	}
	if r.PreferredProvider != nil {
		id := models.ProviderID(strings.ToLower(strings.TrimSpace(*r.PreferredProvider)))
		update.PreferredProvider = &id
	}
	return update
}

// TaskBody is the task context sent with task assistant requests.
type TaskBody struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=10000"`
}

func (t TaskBody) toAssistant() assistant.Task {
	return assistant.Task{Title: t.Title, Description: t.Description}
}

// SuggestRequest is the body of POST /v1/tasks/suggest.
type SuggestRequest struct {
	Task     TaskBody `json:"task"`
	Message  string   `json:"message" validate:"required,max=4000"`
	Provider string   `json:"provider" validate:"omitempty,oneof=openai anthropic google"`
	Model    string   `json:"model" validate:"max=128"`
}

// ToAssistant converts the body into an orchestrator request.
func (r SuggestRequest) ToAssistant() assistant.SuggestionRequest {
	return assistant.SuggestionRequest{
		Task:     r.Task.toAssistant(),
		Message:  r.Message,
		Provider: models.ProviderID(r.Provider),
		Model:    r.Model,
	}
}

// BreakdownRequest is the body of POST /v1/tasks/breakdown.
type BreakdownRequest struct {
	Task     TaskBody `json:"task"`
	Provider string   `json:"provider" validate:"omitempty,oneof=openai anthropic google"`
	Model    string   `json:"model" validate:"max=128"`
}

// ToAssistant converts the body into an orchestrator request.
func (r BreakdownRequest) ToAssistant() assistant.BreakdownRequest {
	return assistant.BreakdownRequest{
		Task:     r.Task.toAssistant(),
		Provider: models.ProviderID(r.Provider),
		Model:    r.Model,
	}
}
