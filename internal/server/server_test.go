package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/assistant"
	"taskpilot/internal/auth"
	"taskpilot/internal/config"
	"taskpilot/internal/credential"
	"taskpilot/internal/metrics"
	"taskpilot/internal/models"
	"taskpilot/internal/provider"
	"taskpilot/internal/provider/factory"
	"taskpilot/internal/secrets"
	"taskpilot/internal/store"
	"taskpilot/internal/translator"
)

const (
	openAIKey    = "sk-proj-abc_DEF-9876"
	anthropicKey = "sk-ant-api03-ABCDEF123"
)

type stubClient struct {
	id      models.ProviderID
	catalog []models.ModelDescriptor
	reply   string
	err     error
	chunks  []models.StreamChunk
	failAt  int
	online  bool
}

func (c *stubClient) Provider() models.ProviderID { return c.id }

func (c *stubClient) ListModels() []models.ModelDescriptor { return c.catalog }

func (c *stubClient) GenerateResponse(_ context.Context, req models.GenerateRequest) (*models.CompletionResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &models.CompletionResult{
		Content:      c.reply,
		Model:        req.Model,
		Provider:     c.id,
		Usage:        models.NewUsage(8, 4),
		FinishReason: "stop",
	}, nil
}

func (c *stubClient) GenerateStream(context.Context, models.GenerateRequest) (provider.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &stubStream{chunks: c.chunks, failAt: c.failAt, id: c.id}, nil
}

func (c *stubClient) TestConnection(context.Context) bool { return c.online }

type stubStream struct {
	id     models.ProviderID
	chunks []models.StreamChunk
	failAt int
	pos    int
}

func (s *stubStream) Recv() (models.StreamChunk, error) {
	if s.failAt > 0 && s.pos == s.failAt {
		return models.StreamChunk{}, provider.NewError(provider.KindProviderError, s.id, "upstream dropped the stream", nil)
	}
	if s.pos >= len(s.chunks) {
		return models.StreamChunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *stubStream) Close() error { return nil }

type harness struct {
	srv     *Server
	mem     *store.Memory
	creds   *credential.Store
	clients map[models.ProviderID]*stubClient
	token   string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Server.RateLimit = 0
	cfg.Auth.JWTSecret = "server-test-secret-0123456789"
	if mutate != nil {
		mutate(&cfg)
	}

	clients := map[models.ProviderID]*stubClient{
		models.ProviderOpenAI: {
			id:      models.ProviderOpenAI,
			catalog: []models.ModelDescriptor{{ID: "gpt-4o", Name: "GPT-4o"}},
			reply:   "Start with the outline.",
			chunks: []models.StreamChunk{
				{Content: "Hel"},
				{Content: "lo", FinishReason: "stop", Usage: models.NewUsage(3, 2)},
			},
			online: true,
		},
		models.ProviderAnthropic: {
			id:      models.ProviderAnthropic,
			catalog: []models.ModelDescriptor{{ID: "claude-3-haiku-20240307"}},
			reply:   "1. Draft\n2. Review\n3. Publish",
		},
	}

	f := factory.New()
	for id, client := range clients {
		require.NoError(t, f.Register(id, func(string, provider.Options) (provider.Client, error) {
			return client, nil
		}))
	}

	cipher, err := secrets.New("server-test-encryption-key")
	require.NoError(t, err)
	mem := store.NewMemory()
	creds := credential.New(mem, cipher)
	collector := metrics.New()

	authn, err := auth.New(cfg.Auth, zerolog.Nop())
	require.NoError(t, err)
	token, err := authn.Issue("user-1")
	require.NoError(t, err)

	srv, err := New(cfg, Deps{
		Assistant:   assistant.New(f, creds, mem, assistant.WithMetrics(collector)),
		Credentials: creds,
		Factory:     f,
		Auth:        authn,
		Metrics:     collector,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	return &harness{srv: srv, mem: mem, creds: creds, clients: clients, token: token}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) storeKey(t *testing.T, id models.ProviderID, key string) {
	t.Helper()
	require.NoError(t, h.creds.Put(context.Background(), "user-1", id, key))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) translator.ErrorResponse {
	t.Helper()
	var body translator.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(config.Default(), Deps{})
	assert.Error(t, err)
}

func TestHealthAndAuth(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/ai/keys", nil)
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing bearer token", decodeError(t, rec).Error)

	req = httptest.NewRequest(http.MethodGet, "/v1/ai/keys", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProviders(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/ai/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Providers []factory.ProviderInfo `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Providers, 3)
	assert.Equal(t, models.ProviderOpenAI, list.Providers[0].Provider)
	assert.Equal(t, "gpt-4o", list.Providers[0].Models[0].ID)

	rec = h.do(t, http.MethodGet, "/v1/ai/providers/Anthropic", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Anthropic"`)

	rec = h.do(t, http.MethodGet, "/v1/ai/providers/cohere", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(provider.KindUnsupportedProvider), decodeError(t, rec).ErrorCode)
}

func TestDetect(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/ai/detect", `{"api_key":"`+anthropicKey+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"provider":"anthropic","provider_name":"Anthropic"}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/v1/ai/detect", `{"api_key":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(provider.KindUnknownProvider), decodeError(t, rec).ErrorCode)

	rec = h.do(t, http.MethodPost, "/v1/ai/detect", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeValidation, decodeError(t, rec).ErrorCode)

	rec = h.do(t, http.MethodPost, "/v1/ai/detect", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request body is required", decodeError(t, rec).Error)
}

func TestTestConnection(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/ai/test-connection", `{"api_key":"`+openAIKey+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result factory.ConnectionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, models.ProviderOpenAI, result.Provider)

	rec = h.do(t, http.MethodPost, "/v1/ai/test-connection", `{"api_key":"`+anthropicKey+`","provider":"anthropic"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, "Connection test failed", result.Error)
}

func TestKeyLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPut, "/v1/ai/keys/openai", `{"api_key":"  `+openAIKey+`  "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary credential.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, models.ProviderOpenAI, summary.Provider)
	assert.Equal(t, "***9876", summary.Preview)
	assert.Equal(t, store.TestPending, summary.TestStatus)
	assert.NotContains(t, rec.Body.String(), openAIKey)

	rec = h.do(t, http.MethodPut, "/v1/ai/keys/anthropic", `{"api_key":"`+openAIKey+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidKey, decodeError(t, rec).ErrorCode)

	rec = h.do(t, http.MethodPut, "/v1/ai/keys/cohere", `{"api_key":"`+openAIKey+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/ai/keys/openai/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	rec = h.do(t, http.MethodGet, "/v1/ai/keys", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Keys []credential.Summary `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Keys, 1)
	assert.Equal(t, store.TestSuccess, list.Keys[0].TestStatus)

	rec = h.do(t, http.MethodPost, "/v1/ai/keys/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var results struct {
		Results []factory.ConnectionResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results.Results, 1)
	assert.True(t, results.Results[0].Success)

	rec = h.do(t, http.MethodDelete, "/v1/ai/keys/openai", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v1/ai/keys/openai", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeKeyNotFound, decodeError(t, rec).ErrorCode)

	rec = h.do(t, http.MethodPost, "/v1/ai/keys/openai/test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettings(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/ai/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var settings store.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.InDelta(t, store.DefaultTemperature, settings.Temperature, 1e-9)
	assert.Equal(t, store.DefaultMaxTokens, settings.MaxTokens)

	rec = h.do(t, http.MethodPut, "/v1/ai/settings", `{"preferred_provider":"Anthropic","temperature":0.2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, models.ProviderAnthropic, settings.PreferredProvider)
	assert.InDelta(t, 0.2, settings.Temperature, 1e-9)

	rec = h.do(t, http.MethodPut, "/v1/ai/settings", `{"temperature":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeValidation, decodeError(t, rec).ErrorCode)

	rec = h.do(t, http.MethodPut, "/v1/ai/settings", `{"preferred_provider":"cohere"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(provider.KindUnsupportedProvider), decodeError(t, rec).ErrorCode)
}

func TestChat(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/ai/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeNoProvider, decodeError(t, rec).ErrorCode)

	rec = h.do(t, http.MethodPost, "/v1/ai/chat", `{"provider":"openai","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeKeyNotFound, decodeError(t, rec).ErrorCode)

	rec = h.do(t, http.MethodPost, "/v1/ai/chat", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeValidation, decodeError(t, rec).ErrorCode)

	h.storeKey(t, models.ProviderOpenAI, openAIKey)

	rec = h.do(t, http.MethodPost, "/v1/ai/chat", `{"messages":[{"role":"user","content":"How do I start?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp translator.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Start with the outline.", resp.Content)
	assert.Equal(t, models.ProviderOpenAI, resp.Provider)
	assert.Equal(t, "gpt-4o", resp.Model)
	require.NotEmpty(t, resp.ConversationID)

	rec = h.do(t, http.MethodGet, "/v1/ai/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var convs struct {
		Conversations []store.Conversation `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, "How do I start?", convs.Conversations[0].Title)

	rec = h.do(t, http.MethodGet, "/v1/ai/conversations/"+resp.ConversationID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail assistant.ConversationDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, models.RoleAssistant, detail.Messages[1].Role)

	rec = h.do(t, http.MethodGet, "/v1/ai/conversations/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeConvNotFound, decodeError(t, rec).ErrorCode)
}

func TestChatProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"vendor rejects key", provider.NewError(provider.KindAuthentication, models.ProviderOpenAI, "Invalid API key", nil), http.StatusBadRequest, string(provider.KindAuthentication)},
		{"vendor rate limit", provider.NewError(provider.KindRateLimited, models.ProviderOpenAI, "Rate limit exceeded", nil), http.StatusTooManyRequests, string(provider.KindRateLimited)},
		{"vendor failure", provider.NewError(provider.KindProviderError, models.ProviderOpenAI, "OpenAI API error", nil), http.StatusBadGateway, string(provider.KindProviderError)},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, codeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.storeKey(t, models.ProviderOpenAI, openAIKey)
			h.clients[models.ProviderOpenAI].err = tt.err

			rec := h.do(t, http.MethodPost, "/v1/ai/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).ErrorCode)

			convs, err := h.mem.ListConversations(context.Background(), "user-1")
			require.NoError(t, err)
			assert.Empty(t, convs)
		})
	}
}

func TestChatStream(t *testing.T) {
	h := newHarness(t, nil)
	h.storeKey(t, models.ProviderOpenAI, openAIKey)

	rec := h.do(t, http.MethodPost, "/v1/ai/chat/stream", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: chunk\ndata: {\"content\":\"Hel\"}\n\n")
	assert.Contains(t, body, "event: chunk\ndata: {\"content\":\"lo\",\"finish_reason\":\"stop\"")
	require.Contains(t, body, "event: done\n")

	doneData := body[strings.Index(body, "event: done\ndata: ")+len("event: done\ndata: "):]
	var done translator.StreamDoneEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(doneData)), &done))
	assert.Equal(t, models.ProviderOpenAI, done.Provider)
	assert.Equal(t, "stop", done.FinishReason)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 5, done.Usage.TotalTokens)

	detail, err := h.mem.ListMessages(context.Background(), done.ConversationID)
	require.NoError(t, err)
	require.Len(t, detail, 2)
	assert.Equal(t, "Hello", detail[1].Content)
}

func TestChatStreamErrors(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/ai/chat/stream", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeNoProvider, decodeError(t, rec).ErrorCode)

	h.storeKey(t, models.ProviderOpenAI, openAIKey)
	h.clients[models.ProviderOpenAI].failAt = 1

	rec = h.do(t, http.MethodPost, "/v1/ai/chat/stream", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: chunk\n")
	assert.Contains(t, body, "event: error\ndata: {\"error\":\"upstream dropped the stream\",\"error_code\":\"PROVIDER_ERROR\"}")
	assert.NotContains(t, body, "event: done")

	convs, err := h.mem.ListConversations(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestTaskEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	h.storeKey(t, models.ProviderAnthropic, anthropicKey)

	rec := h.do(t, http.MethodPost, "/v1/tasks/suggest", `{"task":{"title":"Write report"},"message":"Where do I begin?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var suggestion assistant.Suggestion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &suggestion))
	assert.Equal(t, models.ProviderAnthropic, suggestion.Provider)
	assert.NotEmpty(t, suggestion.Suggestion)

	rec = h.do(t, http.MethodPost, "/v1/tasks/breakdown", `{"task":{"title":"Write report"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var breakdown assistant.Breakdown
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &breakdown))
	assert.Equal(t, []string{"Draft", "Review", "Publish"}, breakdown.Subtasks)

	rec = h.do(t, http.MethodPost, "/v1/tasks/suggest", `{"task":{},"message":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "Task.Title is required")

	h.clients[models.ProviderAnthropic].reply = "no list here"
	rec = h.do(t, http.MethodPost, "/v1/tasks/breakdown", `{"task":{"title":"Write report"}}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = 0.001
		cfg.Server.RateBurst = 1
	})

	rec := h.do(t, http.MethodGet, "/v1/ai/settings", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/ai/settings", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rec).ErrorCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.storeKey(t, models.ProviderOpenAI, openAIKey)

	rec := h.do(t, http.MethodPost, "/v1/ai/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `taskpilot_http_requests_total{method="POST",route="/v1/ai/chat",status="200"} 1`)
	assert.Contains(t, body, `taskpilot_ai_completions_total{model="gpt-4o",provider="openai",stream="false"} 1`)
}
