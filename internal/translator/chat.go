// Package translator decodes and validates the JSON bodies of the HTTP API
// and converts them to orchestrator requests.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"taskpilot/internal/assistant"
	"taskpilot/internal/models"
)

var (
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidContent  = errors.New("invalid message content")
	errInvalidSystem   = errors.New("invalid system prompt")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the `validate` tags of a decoded request.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// ChatMessage is one conversational turn in a request body.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	return nil
}

// ChatRequest is the body of POST /v1/ai/chat and /v1/ai/chat/stream.
type ChatRequest struct {
	Messages         []ChatMessage `validate:"required,min=1,dive"`
	System           []string
	Provider         string   `validate:"omitempty,oneof=openai anthropic google"`
	Model            string   `validate:"max=128"`
	Temperature      *float64 `validate:"omitempty,gte=0,lte=2"`
	MaxTokens        *int     `validate:"omitempty,gt=0"`
	TopP             *float64 `validate:"omitempty,gte=0,lte=1"`
	TopK             *int     `validate:"omitempty,gt=0"`
	PresencePenalty  *float64 `validate:"omitempty,gte=-2,lte=2"`
	FrequencyPenalty *float64 `validate:"omitempty,gte=-2,lte=2"`
	Stop             []string `validate:"max=4"`
	User             string
	ConversationID   string `validate:"max=64"`
}

// UnmarshalJSON normalises the request. `stop` may be a string or a list and
// `system` may be a string or a list of text blocks.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Messages         []ChatMessage   `json:"messages"`
		System           json.RawMessage `json:"system"`
		Provider         string          `json:"provider"`
		Model            string          `json:"model"`
		Temperature      *float64        `json:"temperature"`
		MaxTokens        *int            `json:"max_tokens"`
		TopP             *float64        `json:"top_p"`
		TopK             *int            `json:"top_k"`
		PresencePenalty  *float64        `json:"presence_penalty"`
		FrequencyPenalty *float64        `json:"frequency_penalty"`
		Stop             json.RawMessage `json:"stop"`
		User             string          `json:"user"`
		ConversationID   string          `json:"conversation_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stop, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}
	system, err := parseSystem(raw.System)
	if err != nil {
		return err
	}

	r.Messages = raw.Messages
	r.System = system
	r.Provider = strings.ToLower(strings.TrimSpace(raw.Provider))
	r.Model = strings.TrimSpace(raw.Model)
	r.Temperature = raw.Temperature
	r.MaxTokens = raw.MaxTokens
	r.TopP = raw.TopP
	r.TopK = raw.TopK
	r.PresencePenalty = raw.PresencePenalty
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.Stop = stop
	r.User = strings.TrimSpace(raw.User)
	r.ConversationID = strings.TrimSpace(raw.ConversationID)
	return nil
}

// ToAssistant converts the body into an orchestrator request. Top-level
// system prompts come first.
func (r ChatRequest) ToAssistant() assistant.ChatRequest {
	msgs := make([]models.Message, 0, len(r.System)+len(r.Messages))
	for _, s := range r.System {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: s})
	}
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{Role: models.Role(m.Role), Content: m.Content})
	}

	options := make(map[string]any)
	if r.TopP != nil {
		options["top_p"] = *r.TopP
	}
	if r.TopK != nil {
		options["top_k"] = *r.TopK
	}
	if r.PresencePenalty != nil {
		options["presence_penalty"] = *r.PresencePenalty
	}
	if r.FrequencyPenalty != nil {
		options["frequency_penalty"] = *r.FrequencyPenalty
	}
	if len(r.Stop) > 0 {
		options["stop"] = r.Stop
	}
	if r.User != "" {
		options["user"] = r.User
	}

	return assistant.ChatRequest{
		Messages:       msgs,
		Provider:       models.ProviderID(r.Provider),
		Model:          r.Model,
		Temperature:    r.Temperature,
		MaxTokens:      r.MaxTokens,
		ConversationID: r.ConversationID,
		Options:        options,
	}
}

func extractContent(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

func parseSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidSystem, err)
	}
	out := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "" && block.Type != "text" {
			return nil, fmt.Errorf("%w: block type %q not supported", errInvalidSystem, block.Type)
		}
		if strings.TrimSpace(block.Text) != "" {
			out = append(out, block.Text)
		}
	}
	return out, nil
}

// ChatResponse is the body returned by POST /v1/ai/chat.
type ChatResponse struct {
	Content        string            `json:"content"`
	Model          string            `json:"model"`
	Provider       models.ProviderID `json:"provider"`
	Usage          *models.Usage     `json:"usage,omitempty"`
	FinishReason   string            `json:"finish_reason,omitempty"`
	ConversationID string            `json:"conversation_id"`
}

// FromAssistantChat builds the response body.
func FromAssistantChat(resp *assistant.ChatResponse) ChatResponse {
	return ChatResponse{
		Content:        resp.Content,
		Model:          resp.Model,
		Provider:       resp.Provider,
		Usage:          resp.Usage,
		FinishReason:   resp.FinishReason,
		ConversationID: resp.ConversationID,
	}
}

// StreamChunkEvent is the payload of an SSE `chunk` event.
type StreamChunkEvent struct {
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *models.Usage `json:"usage,omitempty"`
}

// StreamDoneEvent is the payload of the SSE `done` event.
type StreamDoneEvent struct {
	ConversationID string            `json:"conversation_id"`
	Provider       models.ProviderID `json:"provider"`
	Model          string            `json:"model"`
	FinishReason   string            `json:"finish_reason,omitempty"`
	Usage          *models.Usage     `json:"usage,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
