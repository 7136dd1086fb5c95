package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/rs/zerolog"
	sdk "github.com/sashabaranov/go-openai"

	"taskpilot/internal/models"
	"taskpilot/internal/provider"
)

const defaultTestModel = "gpt-3.5-turbo"

// DefaultModels returns the built-in OpenAI catalog.
func DefaultModels() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		{ID: "gpt-4o", Name: "GPT-4o", Description: "Most advanced multimodal model", ContextWindow: 128000, SupportsStreaming: true, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Description: "Faster, cheaper version of GPT-4o", ContextWindow: 128000, SupportsStreaming: true, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Description: "High-intelligence model for complex tasks", ContextWindow: 128000, SupportsStreaming: true, SupportsVision: true},
		{ID: "gpt-4", Name: "GPT-4", Description: "Previous generation high-intelligence model", ContextWindow: 8192, SupportsStreaming: true},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Description: "Fast, efficient model for simpler tasks", ContextWindow: 16384, SupportsStreaming: true},
	}
}

// Client talks to the OpenAI chat completions API.
type Client struct {
	api       *sdk.Client
	catalog   provider.Catalog
	testModel string
	logger    zerolog.Logger
}

// New creates an OpenAI client bound to credential.
func New(credential string, opts provider.Options) (*Client, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, errors.New("openai api key must not be empty")
	}

	cfg := sdk.DefaultConfig(strings.TrimSpace(credential))
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	testModel := opts.TestModel
	if testModel == "" {
		testModel = defaultTestModel
	}

	return &Client{
		api:       sdk.NewClientWithConfig(cfg),
		catalog:   provider.ResolveCatalog(opts.Models, DefaultModels()),
		testModel: testModel,
		logger:    opts.Logger.With().Str("provider", string(models.ProviderOpenAI)).Logger(),
	}, nil
}

func (c *Client) Provider() models.ProviderID {
	return models.ProviderOpenAI
}

func (c *Client) ListModels() []models.ModelDescriptor {
	return c.catalog.List()
}

func (c *Client) GenerateResponse(ctx context.Context, req models.GenerateRequest) (*models.CompletionResult, error) {
	if err := provider.ValidateRequest(models.ProviderOpenAI, c.catalog, req); err != nil {
		return nil, err
	}

	c.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("chat completion")

	resp, err := c.api.CreateChatCompletion(ctx, buildRequest(req))
	if err != nil {
		return nil, mapError(err, "OpenAI API error")
	}
	if len(resp.Choices) == 0 {
		return nil, provider.NewError(provider.KindProviderError, models.ProviderOpenAI, "OpenAI API error: response contained no choices", nil)
	}

	choice := resp.Choices[0]
	return &models.CompletionResult{
		Content:      choice.Message.Content,
		Model:        req.Model,
		Provider:     models.ProviderOpenAI,
		Usage:        models.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (c *Client) GenerateStream(ctx context.Context, req models.GenerateRequest) (provider.Stream, error) {
	if err := provider.ValidateRequest(models.ProviderOpenAI, c.catalog, req); err != nil {
		return nil, err
	}

	payload := buildRequest(req)
	payload.StreamOptions = &sdk.StreamOptions{IncludeUsage: true}

	c.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("chat completion stream")

	inner, err := c.api.CreateChatCompletionStream(ctx, payload)
	if err != nil {
		return nil, mapError(err, "OpenAI streaming error")
	}
	return &stream{inner: inner}, nil
}

func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, provider.TestTimeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, sdk.ChatCompletionRequest{
		Model:     c.testModel,
		Messages:  []sdk.ChatCompletionMessage{{Role: sdk.ChatMessageRoleUser, Content: "Hi"}},
		MaxTokens: provider.TestMaxTokens,
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("connection test failed")
		return false
	}
	return len(resp.Choices) > 0 && resp.Choices[0].Message.Content != ""
}

func buildRequest(req models.GenerateRequest) sdk.ChatCompletionRequest {
	messages := make([]sdk.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, sdk.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	sampling := provider.ParseSampling(req.Options)
	payload := sdk.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: wireFloat(req.Temperature),
		Stop:        sampling.Stop,
		User:        sampling.User,
	}
	if sampling.TopP != nil {
		payload.TopP = wireFloat(*sampling.TopP)
	}
	if sampling.PresencePenalty != nil {
		payload.PresencePenalty = float32(*sampling.PresencePenalty)
	}
	if sampling.FrequencyPenalty != nil {
		payload.FrequencyPenalty = float32(*sampling.FrequencyPenalty)
	}
	return payload
}

// wireFloat keeps an explicit zero on the wire. The SDK tags temperature and
// top_p with omitempty, and an omitted value makes the API apply its default.
func wireFloat(v float64) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(v)
}

func mapError(err error, context string) error {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return provider.FromStatus(models.ProviderOpenAI, apiErr.HTTPStatusCode, context, err)
	}
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) {
		return provider.FromStatus(models.ProviderOpenAI, reqErr.HTTPStatusCode, context, err)
	}
	return provider.NewError(provider.KindProviderError, models.ProviderOpenAI, context, err)
}

// stream adapts the SDK stream. The finish reason arrives before the usage
// chunk, so the terminal chunk is held back until the vendor stream ends. A
// stream that ends without a finish reason is an error.
type stream struct {
	inner    *sdk.ChatCompletionStream
	terminal *models.StreamChunk
	usage    *models.Usage
	done     bool
}

func (s *stream) Recv() (models.StreamChunk, error) {
	if s.done {
		return models.StreamChunk{}, io.EOF
	}

	for {
		resp, err := s.inner.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			// The SDK reports [DONE] and a dropped body alike. Only a
			// finish reason proves the completion ended.
			if s.terminal == nil {
				return models.StreamChunk{}, provider.NewError(provider.KindProviderError, models.ProviderOpenAI,
					"OpenAI streaming error", errors.New("stream ended before a finish reason"))
			}
			chunk := *s.terminal
			chunk.Usage = s.usage
			return chunk, nil
		}
		if err != nil {
			s.done = true
			return models.StreamChunk{}, mapError(err, "OpenAI streaming error")
		}

		if resp.Usage != nil {
			s.usage = models.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			s.terminal = &models.StreamChunk{
				Content:      choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}
			continue
		}
		if choice.Delta.Content == "" {
			continue
		}
		return models.StreamChunk{Content: choice.Delta.Content}, nil
	}
}

func (s *stream) Close() error {
	s.done = true
	if err := s.inner.Close(); err != nil {
		return fmt.Errorf("close openai stream: %w", err)
	}
	return nil
}
