package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"

	"taskpilot/internal/models"
	"taskpilot/internal/provider"
)

const (
	defaultTestModel = "claude-3-haiku-20240307"
	// DefaultMaxTokens is sent when the caller leaves max_tokens unset; the
	// Messages API requires it.
	DefaultMaxTokens = 4096
)

// DefaultModels returns the built-in Anthropic catalog.
func DefaultModels() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", Description: "Most capable model, best for complex tasks", ContextWindow: 200000, SupportsStreaming: true, SupportsVision: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", Description: "Fastest model for simple tasks", ContextWindow: 200000, SupportsStreaming: true, SupportsVision: true},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", Description: "Previous generation most capable model", ContextWindow: 200000, SupportsStreaming: true, SupportsVision: true},
		{ID: "claude-3-sonnet-20240229", Name: "Claude 3 Sonnet", Description: "Balanced performance and speed", ContextWindow: 200000, SupportsStreaming: true, SupportsVision: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", Description: "Fastest model in previous generation", ContextWindow: 200000, SupportsStreaming: true, SupportsVision: true},
	}
}

// Client talks to the Anthropic Messages API.
type Client struct {
	api       sdk.Client
	catalog   provider.Catalog
	testModel string
	logger    zerolog.Logger
}

// New creates an Anthropic client bound to credential.
func New(credential string, opts provider.Options) (*Client, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errors.New("anthropic api key must not be empty")
	}

	requestOpts := []option.RequestOption{
		option.WithAPIKey(credential),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		requestOpts = append(requestOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	testModel := opts.TestModel
	if testModel == "" {
		testModel = defaultTestModel
	}

	return &Client{
		api:       sdk.NewClient(requestOpts...),
		catalog:   provider.ResolveCatalog(opts.Models, DefaultModels()),
		testModel: testModel,
		logger:    opts.Logger.With().Str("provider", string(models.ProviderAnthropic)).Logger(),
	}, nil
}

func (c *Client) Provider() models.ProviderID {
	return models.ProviderAnthropic
}

func (c *Client) ListModels() []models.ModelDescriptor {
	return c.catalog.List()
}

func (c *Client) GenerateResponse(ctx context.Context, req models.GenerateRequest) (*models.CompletionResult, error) {
	if err := provider.ValidateRequest(models.ProviderAnthropic, c.catalog, req); err != nil {
		return nil, err
	}

	c.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("messages request")

	msg, err := c.api.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, mapError(err, "Anthropic API error")
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &models.CompletionResult{
		Content:      content.String(),
		Model:        req.Model,
		Provider:     models.ProviderAnthropic,
		Usage:        models.NewUsage(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)),
		FinishReason: string(msg.StopReason),
	}, nil
}

func (c *Client) GenerateStream(ctx context.Context, req models.GenerateRequest) (provider.Stream, error) {
	if err := provider.ValidateRequest(models.ProviderAnthropic, c.catalog, req); err != nil {
		return nil, err
	}

	c.logger.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("messages stream")

	inner := c.api.Messages.NewStreaming(ctx, buildParams(req))
	// The HTTP status is only known after the first event is pulled.
	primed := inner.Next()
	if !primed {
		if err := inner.Err(); err != nil {
			_ = inner.Close()
			return nil, mapError(err, "Anthropic streaming error")
		}
	}
	return &stream{inner: inner, primed: primed}, nil
}

func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, provider.TestTimeout)
	defer cancel()

	msg, err := c.api.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.testModel),
		MaxTokens: provider.TestMaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("Hi"))},
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("connection test failed")
		return false
	}
	return len(msg.Content) > 0 && msg.Content[0].Text != ""
}

// SplitSystem separates system messages from the conversation. All system
// contents are joined with a blank line.
func SplitSystem(messages []models.Message) (string, []models.Message) {
	var system []string
	turns := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		turns = append(turns, msg)
	}
	return strings.Join(system, "\n\n"), turns
}

func buildParams(req models.GenerateRequest) sdk.MessageNewParams {
	system, turns := SplitSystem(req.Messages)

	messages := make([]sdk.MessageParam, 0, len(turns))
	for _, msg := range turns {
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == models.RoleAssistant {
			messages = append(messages, sdk.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, sdk.NewUserMessage(block))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: sdk.Float(req.Temperature),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	sampling := provider.ParseSampling(req.Options)
	if sampling.TopP != nil {
		params.TopP = sdk.Float(*sampling.TopP)
	}
	if sampling.TopK != nil {
		params.TopK = sdk.Int(int64(*sampling.TopK))
	}
	if len(sampling.Stop) > 0 {
		params.StopSequences = sampling.Stop
	}
	return params
}

func mapError(err error, context string) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return provider.FromStatus(models.ProviderAnthropic, apiErr.StatusCode, context, err)
	}
	return provider.NewError(provider.KindProviderError, models.ProviderAnthropic, context, err)
}

type stream struct {
	inner        *ssestream.Stream[sdk.MessageStreamEventUnion]
	primed       bool
	inputTokens  int64
	outputTokens int64
	stopReason   string
	done         bool
}

func (s *stream) Recv() (models.StreamChunk, error) {
	if s.done {
		return models.StreamChunk{}, io.EOF
	}

	for {
		if s.primed {
			s.primed = false
		} else if !s.inner.Next() {
			s.done = true
			err := s.inner.Err()
			if err == nil {
				err = errors.New("stream ended before message_stop")
			}
			return models.StreamChunk{}, mapError(err, "Anthropic streaming error")
		}

		switch event := s.inner.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			s.inputTokens = event.Message.Usage.InputTokens
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := event.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return models.StreamChunk{Content: delta.Text}, nil
			}
		case sdk.MessageDeltaEvent:
			s.stopReason = string(event.Delta.StopReason)
			s.outputTokens = event.Usage.OutputTokens
		case sdk.MessageStopEvent:
			s.done = true
			return s.terminal(), nil
		}
	}
}

func (s *stream) terminal() models.StreamChunk {
	reason := s.stopReason
	if reason == "" {
		reason = string(sdk.StopReasonEndTurn)
	}
	return models.StreamChunk{
		FinishReason: reason,
		Usage:        models.NewUsage(int(s.inputTokens), int(s.outputTokens)),
	}
}

func (s *stream) Close() error {
	s.done = true
	if err := s.inner.Close(); err != nil {
		return fmt.Errorf("close anthropic stream: %w", err)
	}
	return nil
}
