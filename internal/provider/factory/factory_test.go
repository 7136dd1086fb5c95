package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/config"
	"taskpilot/internal/models"
	"taskpilot/internal/provider"
	"taskpilot/internal/provider/detect"
)

type fakeClient struct {
	id        models.ProviderID
	connected bool
}

func (f *fakeClient) Provider() models.ProviderID { return f.id }

func (f *fakeClient) ListModels() []models.ModelDescriptor {
	return []models.ModelDescriptor{{ID: "fake-1"}}
}

func (f *fakeClient) GenerateResponse(ctx context.Context, req models.GenerateRequest) (*models.CompletionResult, error) {
	return &models.CompletionResult{Content: "ok", Model: req.Model, Provider: f.id}, nil
}

func (f *fakeClient) GenerateStream(ctx context.Context, req models.GenerateRequest) (provider.Stream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) TestConnection(ctx context.Context) bool { return f.connected }

func TestCreateRoundTripMatchesDetector(t *testing.T) {
	f := New()
	keys := []string{
		"sk-ant-api03-ABCDEF123",
		"sk-proj-abcdef",
		"AIzaAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	}
	for _, key := range keys {
		client, err := f.Create(key, "")
		require.NoError(t, err, key)

		want, ok := detect.Detect(key)
		require.True(t, ok)
		assert.Equal(t, want, client.Provider(), key)
		assert.NotEmpty(t, client.ListModels())
	}
}

func TestCreateAnthropicScenario(t *testing.T) {
	client, err := New().Create("sk-ant-api03-ABCDEF123", "")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderAnthropic, client.Provider())
}

func TestCreateErrors(t *testing.T) {
	f := New()

	_, err := f.Create("", "")
	assert.ErrorIs(t, err, provider.ErrMissingCredential)

	_, err = f.Create("   ", models.ProviderOpenAI)
	assert.ErrorIs(t, err, provider.ErrMissingCredential)

	_, err = f.Create("definitely-not-a-key", "")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	_, err = f.Create("sk-proj-abc", "cohere")
	assert.ErrorIs(t, err, provider.ErrUnsupportedProvider)
}

func TestCreateWithExplicitProviderSkipsDetection(t *testing.T) {
	client, err := New().Create("any-opaque-token", models.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderOpenAI, client.Provider())
}

func TestCreateWrapsConstructorFailures(t *testing.T) {
	f := New()
	require.NoError(t, f.Register("broken", func(string, provider.Options) (provider.Client, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, f.Register("liar", func(string, provider.Options) (provider.Client, error) {
		return &fakeClient{id: models.ProviderOpenAI}, nil
	}))

	_, err := f.Create("key", "broken")
	assert.ErrorIs(t, err, provider.ErrServiceCreation)

	_, err = f.Create("key", "liar")
	assert.ErrorIs(t, err, provider.ErrServiceCreation)
}

func TestRegister(t *testing.T) {
	f := New()
	assert.Error(t, f.Register("", func(string, provider.Options) (provider.Client, error) { return nil, nil }))
	assert.Error(t, f.Register("mistral", nil))

	require.NoError(t, f.Register("mistral", func(string, provider.Options) (provider.Client, error) {
		return &fakeClient{id: "mistral", connected: true}, nil
	}))

	client, err := f.Create("key", "mistral")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderID("mistral"), client.Provider())

	assert.Equal(t, []models.ProviderID{models.ProviderOpenAI, models.ProviderAnthropic, models.ProviderGoogle, "mistral"}, f.SupportedProviders())
}

func TestProviderInfo(t *testing.T) {
	f := New()
	for _, id := range models.KnownProviders {
		info, err := f.ProviderInfo(id)
		require.NoError(t, err, id)
		assert.Equal(t, id.DisplayName(), info.Name)
		assert.NotEmpty(t, info.Models)
		assert.Equal(t, 20, info.Requirements.MinLength)
	}

	_, err := f.ProviderInfo("cohere")
	assert.ErrorIs(t, err, provider.ErrUnsupportedProvider)
}

func TestProviderInfoUsesConfiguredCatalog(t *testing.T) {
	cfg := config.Default().Providers
	cfg.OpenAI.Models = []models.ModelDescriptor{{ID: "local-llama", Name: "Llama"}}

	info, err := New(WithConfig(cfg)).ProviderInfo(models.ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, info.Models, 1)
	assert.Equal(t, "local-llama", info.Models[0].ID)
}

func TestTestConnectionNeverFails(t *testing.T) {
	f := New()

	res := f.TestConnection(context.Background(), "", "")
	assert.False(t, res.Success)
	assert.Equal(t, provider.KindMissingCredential, res.ErrorCode)

	res = f.TestConnection(context.Background(), "garbage", "")
	assert.False(t, res.Success)
	assert.Equal(t, provider.KindUnknownProvider, res.ErrorCode)
	assert.Equal(t, "Unknown", res.ProviderName)

	require.NoError(t, f.Register("up", func(string, provider.Options) (provider.Client, error) {
		return &fakeClient{id: "up", connected: true}, nil
	}))
	res = f.TestConnection(context.Background(), "key", "up")
	assert.True(t, res.Success)
	assert.Equal(t, models.ProviderID("up"), res.Provider)
	assert.Empty(t, res.Error)
}

func TestTestConnectionAgainstVendor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("x-api-key") != "sk-ant-api03-GOOD" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"m","type":"message","role":"assistant","model":"claude-3-haiku-20240307","content":[{"type":"text","text":"Hi"}],"stop_reason":"max_tokens","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	f := New(WithProviderOptions(models.ProviderAnthropic, provider.Options{BaseURL: srv.URL, HTTPClient: srv.Client()}))

	ok := f.TestConnection(context.Background(), "sk-ant-api03-GOOD", "")
	assert.True(t, ok.Success)
	assert.Equal(t, "Anthropic", ok.ProviderName)

	bad := f.TestConnection(context.Background(), "sk-ant-api03-BAD", "")
	assert.False(t, bad.Success)
	assert.Equal(t, models.ProviderAnthropic, bad.Provider)
	assert.NotEmpty(t, bad.Error)
}

const googleKey = "AIzaAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func googleRequest() models.GenerateRequest {
	return models.GenerateRequest{
		Model:    "gemini-1.5-flash",
		Messages: []models.Message{{Role: models.RoleUser, Content: "Count"}},
	}
}

func TestConfiguredTimeoutDoesNotCutLongStreams(t *testing.T) {
	const parts = 5
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for i := 0; i < parts; i++ {
			time.Sleep(100 * time.Millisecond)
			finish := ""
			if i == parts-1 {
				finish = `,"finishReason":"STOP"`
			}
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"%d\"}]}%s}]}\n\n", i, finish)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	f := New(WithConfig(config.ProvidersConfig{
		Google: config.ProviderConfig{BaseURL: srv.URL, Timeout: 250 * time.Millisecond},
	}))
	client, err := f.Create(googleKey, models.ProviderGoogle)
	require.NoError(t, err)

	stream, err := client.GenerateStream(context.Background(), googleRequest())
	require.NoError(t, err)
	defer stream.Close()

	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text.WriteString(chunk.Content)
	}
	assert.Equal(t, "01234", text.String())
}

func TestConfiguredTimeoutBoundsResponseHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(WithConfig(config.ProvidersConfig{
		Google: config.ProviderConfig{BaseURL: srv.URL, Timeout: 100 * time.Millisecond},
	}))
	client, err := f.Create(googleKey, models.ProviderGoogle)
	require.NoError(t, err)

	start := time.Now()
	_, err = client.GenerateResponse(context.Background(), googleRequest())
	assert.ErrorIs(t, err, provider.ErrProviderError)
	assert.Less(t, time.Since(start), time.Second)
}
