package google

import (
	"strings"

	"taskpilot/internal/models"
	"taskpilot/internal/provider"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

// Part is a single text fragment of a turn.
type Part struct {
	Text string `json:"text"`
}

// Content is one turn in the Generative Language wire format.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text concatenates the text of every part.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// FormatMessages converts messages into Google turns. The API has no system
// role: system text is held and prepended to the next user turn, and any left
// over at the end becomes a user turn of its own.
func FormatMessages(messages []models.Message) []Content {
	var (
		out     = make([]Content, 0, len(messages))
		pending []string
	)
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			pending = append(pending, msg.Content)
		case models.RoleAssistant:
			out = append(out, Content{Role: roleModel, Parts: []Part{{Text: msg.Content}}})
		default:
			text := msg.Content
			if len(pending) > 0 {
				text = strings.Join(append(pending, text), "\n\n")
				pending = nil
			}
			out = append(out, Content{Role: roleUser, Parts: []Part{{Text: text}}})
		}
	}
	if len(pending) > 0 {
		out = append(out, Content{Role: roleUser, Parts: []Part{{Text: strings.Join(pending, "\n\n")}}})
	}
	return out
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	Error         *apiError      `json:"error,omitempty"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Text()
}

func (r generateResponse) finishReason() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].FinishReason
}

func (r generateResponse) usage() *models.Usage {
	if r.UsageMetadata == nil {
		return nil
	}
	return models.NewUsage(r.UsageMetadata.PromptTokenCount, r.UsageMetadata.CandidatesTokenCount)
}

type errorDetail struct {
	Type   string `json:"@type"`
	Reason string `json:"reason,omitempty"`
}

type apiError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Status  string        `json:"status"`
	Details []errorDetail `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

func buildRequest(req models.GenerateRequest) generateRequest {
	temperature := req.Temperature
	cfg := &generationConfig{
		Temperature:     &temperature,
		MaxOutputTokens: req.MaxTokens,
	}
	sampling := provider.ParseSampling(req.Options)
	cfg.TopP = sampling.TopP
	cfg.TopK = sampling.TopK
	cfg.StopSequences = sampling.Stop
	return generateRequest{
		Contents:         FormatMessages(req.Messages),
		GenerationConfig: cfg,
	}
}
