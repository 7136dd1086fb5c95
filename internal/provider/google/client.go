package google

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"resty.dev/v3"

	"taskpilot/internal/models"
	"taskpilot/internal/provider"
	"taskpilot/internal/provider/detect"
)

const (
	// DefaultBaseURL is the Generative Language API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	// Scope is requested for service-account credentials.
	Scope = "https://www.googleapis.com/auth/generative-language"

	defaultTestModel = "gemini-1.5-flash"
	apiKeyHeader     = "x-goog-api-key"
	generatePath     = "/v1beta/models/{model}:generateContent"
	streamPath       = "/v1beta/models/{model}:streamGenerateContent"
	maxErrorBody     = 64 * 1024
	maxEventSize     = 1024 * 1024
)

// DefaultModels returns the built-in Google catalog.
func DefaultModels() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", Description: "Most capable multimodal model", ContextWindow: 2097152, SupportsStreaming: true, SupportsVision: true},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", Description: "Fast and efficient multimodal model", ContextWindow: 1048576, SupportsStreaming: true, SupportsVision: true},
		{ID: "gemini-pro", Name: "Gemini Pro", Description: "Previous generation text model", ContextWindow: 32768, SupportsStreaming: true},
		{ID: "gemini-pro-vision", Name: "Gemini Pro Vision", Description: "Previous generation multimodal model", ContextWindow: 16384, SupportsStreaming: true, SupportsVision: true},
	}
}

// Client talks to the Google Generative Language REST API. It accepts either
// an API key or a service-account JSON document.
type Client struct {
	http      *resty.Client
	catalog   provider.Catalog
	testModel string
	logger    zerolog.Logger
}

// New creates a Google client bound to credential.
func New(credential string, opts provider.Options) (*Client, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errors.New("google credential must not be empty")
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}

	var rc *resty.Client
	if detect.IsServiceAccount(credential) {
		jwtCfg, err := googleoauth.JWTConfigFromJSON([]byte(credential), Scope)
		if err != nil {
			return nil, fmt.Errorf("parse service account: %w", err)
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		authorized := jwtCfg.Client(tokenCtx)
		rc = resty.NewWithClient(authorized)
	} else {
		rc = resty.NewWithClient(base)
		rc.SetHeader(apiKeyHeader, credential)
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rc.SetBaseURL(baseURL)
	rc.SetHeader("Content-Type", "application/json")
	rc.SetRetryCount(opts.MaxRetries)

	logger := opts.Logger.With().Str("provider", string(models.ProviderGoogle)).Logger()
	rc.AddResponseMiddleware(func(c *resty.Client, r *resty.Response) error {
		if r.Request == nil || r.Request.RawRequest == nil {
			return nil
		}
		logger.Debug().
			Int("status", r.StatusCode()).
			Str("method", r.Request.RawRequest.Method).
			Str("path", r.Request.RawRequest.URL.Path).
			Msg("google api call")
		return nil
	})

	testModel := opts.TestModel
	if testModel == "" {
		testModel = defaultTestModel
	}

	return &Client{
		http:      rc,
		catalog:   provider.ResolveCatalog(opts.Models, DefaultModels()),
		testModel: testModel,
		logger:    logger,
	}, nil
}

func (c *Client) Provider() models.ProviderID {
	return models.ProviderGoogle
}

func (c *Client) ListModels() []models.ModelDescriptor {
	return c.catalog.List()
}

func (c *Client) GenerateResponse(ctx context.Context, req models.GenerateRequest) (*models.CompletionResult, error) {
	if err := provider.ValidateRequest(models.ProviderGoogle, c.catalog, req); err != nil {
		return nil, err
	}

	resp, err := c.generate(ctx, req.Model, buildRequest(req))
	if err != nil {
		return nil, err
	}

	return &models.CompletionResult{
		Content:      resp.text(),
		Model:        req.Model,
		Provider:     models.ProviderGoogle,
		Usage:        resp.usage(),
		FinishReason: resp.finishReason(),
	}, nil
}

func (c *Client) GenerateStream(ctx context.Context, req models.GenerateRequest) (provider.Stream, error) {
	if err := provider.ValidateRequest(models.ProviderGoogle, c.catalog, req); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("model", req.Model).
		SetQueryParam("alt", "sse").
		SetBody(buildRequest(req)).
		SetDoNotParseResponse(true).
		Post(streamPath)
	if err != nil {
		return nil, mapTransportError(err, "Google AI streaming error")
	}
	if resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return nil, provider.NewError(provider.KindProviderError, models.ProviderGoogle, "Google AI streaming error: empty response body", nil)
	}
	if resp.IsError() {
		defer resp.RawResponse.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.RawResponse.Body, maxErrorBody))
		return nil, mapAPIError(resp.StatusCode(), body, "Google AI streaming error")
	}

	scanner := bufio.NewScanner(resp.RawResponse.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &stream{body: resp.RawResponse.Body, scanner: scanner}, nil
}

func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, provider.TestTimeout)
	defer cancel()

	resp, err := c.generate(ctx, c.testModel, generateRequest{
		Contents:         []Content{{Role: roleUser, Parts: []Part{{Text: "Hi"}}}},
		GenerationConfig: &generationConfig{MaxOutputTokens: provider.TestMaxTokens},
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("connection test failed")
		return false
	}
	return len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0
}

func (c *Client) generate(ctx context.Context, model string, payload generateRequest) (*generateResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("model", model).
		SetBody(payload).
		Post(generatePath)
	if err != nil {
		return nil, mapTransportError(err, "Google AI API error")
	}
	if resp.IsError() {
		return nil, mapAPIError(resp.StatusCode(), resp.Bytes(), "Google AI API error")
	}

	var out generateResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, provider.NewError(provider.KindProviderError, models.ProviderGoogle, "Google AI API error", fmt.Errorf("decode response: %w", err))
	}
	if out.Error != nil {
		return nil, fromAPIError(out.Error.Code, out.Error, "Google AI API error")
	}
	return &out, nil
}

// mapTransportError handles failures before an HTTP response exists. A
// rejected service-account token exchange counts as an authentication failure.
func mapTransportError(err error, context string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return provider.NewError(provider.KindAuthentication, models.ProviderGoogle, "Invalid API key", err)
	}
	return provider.NewError(provider.KindProviderError, models.ProviderGoogle, context, err)
}

func mapAPIError(status int, body []byte, context string) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		cause := fmt.Errorf("google api status %d: %s", status, strings.TrimSpace(string(body)))
		return provider.FromStatus(models.ProviderGoogle, status, context, cause)
	}
	return fromAPIError(status, envelope.Error, context)
}

func fromAPIError(status int, apiErr *apiError, context string) error {
	cause := fmt.Errorf("google api error %d %s: %s", apiErr.Code, apiErr.Status, apiErr.Message)
	return provider.ForKind(models.ProviderGoogle, kindFor(status, apiErr), context, cause)
}

func kindFor(status int, apiErr *apiError) provider.Kind {
	for _, d := range apiErr.Details {
		if d.Reason == "API_KEY_INVALID" {
			return provider.KindAuthentication
		}
	}
	switch apiErr.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return provider.KindAuthentication
	case "RESOURCE_EXHAUSTED":
		return provider.KindRateLimited
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "NOT_FOUND", "OUT_OF_RANGE":
		return provider.KindBadRequest
	}
	if status == 0 {
		status = apiErr.Code
	}
	return provider.KindForStatus(status)
}

// stream reads server-sent events; every data line is a complete
// generateResponse. The last one carries the finish reason.
type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	usage   *models.Usage
	done    bool
}

var dataPrefix = []byte("data:")

func (s *stream) Recv() (models.StreamChunk, error) {
	if s.done {
		return models.StreamChunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, dataPrefix))
		if len(payload) == 0 {
			continue
		}

		var event generateResponse
		if err := json.Unmarshal(payload, &event); err != nil {
			s.finish()
			return models.StreamChunk{}, provider.NewError(provider.KindProviderError, models.ProviderGoogle, "Google AI streaming error", fmt.Errorf("decode event: %w", err))
		}
		if event.Error != nil {
			s.finish()
			return models.StreamChunk{}, fromAPIError(event.Error.Code, event.Error, "Google AI streaming error")
		}
		if u := event.usage(); u != nil {
			s.usage = u
		}

		chunk := models.StreamChunk{Content: event.text(), FinishReason: event.finishReason()}
		if chunk.FinishReason != "" {
			chunk.Usage = s.usage
			s.finish()
			return chunk, nil
		}
		if chunk.Content != "" {
			return chunk, nil
		}
	}

	s.finish()
	err := s.scanner.Err()
	if err == nil {
		err = errors.New("stream ended before a finish reason")
	}
	return models.StreamChunk{}, provider.NewError(provider.KindProviderError, models.ProviderGoogle, "Google AI streaming error", err)
}

func (s *stream) finish() {
	if s.done {
		return
	}
	s.done = true
	_ = s.body.Close()
}

func (s *stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.body.Close(); err != nil {
		return fmt.Errorf("close google stream: %w", err)
	}
	return nil
}
