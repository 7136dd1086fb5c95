// Package factory turns a credential into a ready-to-use provider client.
package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskpilot/internal/config"
	"taskpilot/internal/models"
	"taskpilot/internal/provider"
	anthropicProvider "taskpilot/internal/provider/anthropic"
	"taskpilot/internal/provider/detect"
	googleProvider "taskpilot/internal/provider/google"
	openaiProvider "taskpilot/internal/provider/openai"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	defaultTLSTimeout      = 10 * time.Second

	// placeholderCredential lets ProviderInfo build a client without a real key.
	// Constructors never contact the vendor.
	placeholderCredential = "placeholder"
)

// Constructor builds a client for one provider.
type Constructor func(credential string, opts provider.Options) (provider.Client, error)

// ProviderInfo is the static metadata exposed for a provider.
type ProviderInfo struct {
	Provider     models.ProviderID        `json:"provider"`
	Name         string                   `json:"name"`
	Models       []models.ModelDescriptor `json:"models"`
	Requirements detect.Requirements      `json:"api_key_requirements"`
}

// ConnectionResult reports the outcome of a connectivity probe.
type ConnectionResult struct {
	Success      bool              `json:"success"`
	Provider     models.ProviderID `json:"provider,omitempty"`
	ProviderName string            `json:"provider_name,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    provider.Kind     `json:"error_code,omitempty"`
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger handed to every client.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithProviderOptions overrides the construction options of one provider.
func WithProviderOptions(id models.ProviderID, opts provider.Options) Option {
	return func(f *Factory) {
		f.options[id] = opts
	}
}

// WithConfig applies the per-provider settings from configuration. Each
// provider gets its own pooled HTTP client. The configured timeout bounds
// the wait for the vendor's response headers.
func WithConfig(cfg config.ProvidersConfig) Option {
	return func(f *Factory) {
		for _, id := range models.KnownProviders {
			pc := cfg.For(id)
			timeout := pc.Timeout
			if timeout == 0 {
				timeout = defaultHTTPTimeout
			}
			f.options[id] = provider.Options{
				BaseURL:    pc.BaseURL,
				HTTPClient: newHTTPClient(timeout),
				MaxRetries: pc.MaxRetries,
				Models:     pc.Models,
				TestModel:  pc.TestModel,
			}
		}
	}
}

// Factory maps provider identities to constructors. The table is seeded with
// the built-in vendors; Register adds or replaces entries at start-up.
type Factory struct {
	mu           sync.RWMutex
	constructors map[models.ProviderID]Constructor
	options      map[models.ProviderID]provider.Options
	logger       zerolog.Logger
}

// New creates a factory with the OpenAI, Anthropic and Google clients registered.
func New(opts ...Option) *Factory {
	f := &Factory{
		constructors: map[models.ProviderID]Constructor{
			models.ProviderOpenAI: func(credential string, o provider.Options) (provider.Client, error) {
				return openaiProvider.New(credential, o)
			},
			models.ProviderAnthropic: func(credential string, o provider.Options) (provider.Client, error) {
				return anthropicProvider.New(credential, o)
			},
			models.ProviderGoogle: func(credential string, o provider.Options) (provider.Client, error) {
				return googleProvider.New(credential, o)
			},
		},
		options: make(map[models.ProviderID]provider.Options),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register installs a constructor for id.
func (f *Factory) Register(id models.ProviderID, ctor Constructor) error {
	if strings.TrimSpace(string(id)) == "" {
		return errors.New("provider id must not be empty")
	}
	if ctor == nil {
		return fmt.Errorf("provider %s: constructor must not be nil", id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[id] = ctor
	return nil
}

// Create builds a client for credential. When id is empty the provider is
// detected from the credential format.
func (f *Factory) Create(credential string, id models.ProviderID) (provider.Client, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, provider.NewError(provider.KindMissingCredential, id, "API key is required", nil)
	}

	if id == "" {
		detected, ok := detect.Detect(credential)
		if !ok {
			return nil, provider.NewError(provider.KindUnknownProvider, "", "Unable to determine AI provider from API key format", nil)
		}
		id = detected
	}

	f.mu.RLock()
	ctor, ok := f.constructors[id]
	opts := f.options[id]
	f.mu.RUnlock()
	if !ok {
		return nil, provider.NewError(provider.KindUnsupportedProvider, id, fmt.Sprintf("Provider %s is not supported", id), nil)
	}

	opts.Logger = f.logger
	client, err := ctor(credential, opts)
	if err != nil {
		return nil, provider.NewError(provider.KindServiceCreation, id, fmt.Sprintf("Failed to create %s service", id.DisplayName()), err)
	}
	if client == nil {
		return nil, provider.NewError(provider.KindServiceCreation, id, fmt.Sprintf("Failed to create %s service", id.DisplayName()), errors.New("constructor returned no client"))
	}
	if got := client.Provider(); got != id {
		return nil, provider.NewError(provider.KindServiceCreation, id, fmt.Sprintf("Failed to create %s service", id.DisplayName()), fmt.Errorf("constructor returned a %s client", got))
	}
	return client, nil
}

// SupportedProviders lists registered providers, built-ins first in their
// documented order.
func (f *Factory) SupportedProviders() []models.ProviderID {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]models.ProviderID, 0, len(f.constructors))
	for _, id := range models.KnownProviders {
		if _, ok := f.constructors[id]; ok {
			out = append(out, id)
		}
	}
	var extra []models.ProviderID
	for id := range f.constructors {
		if !id.Valid() {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// ProviderInfo returns display metadata for id without contacting the vendor.
func (f *Factory) ProviderInfo(id models.ProviderID) (ProviderInfo, error) {
	client, err := f.Create(placeholderCredential, id)
	if err != nil {
		return ProviderInfo{}, err
	}
	requirements, _ := detect.RequirementsFor(id)
	return ProviderInfo{
		Provider:     id,
		Name:         id.DisplayName(),
		Models:       client.ListModels(),
		Requirements: requirements,
	}, nil
}

// TestConnection creates a client and probes it. Every failure is reported in
// the result.
func (f *Factory) TestConnection(ctx context.Context, credential string, id models.ProviderID) ConnectionResult {
	client, err := f.Create(credential, id)
	if err != nil {
		result := ConnectionResult{Error: err.Error()}
		var svcErr *provider.ServiceError
		if errors.As(err, &svcErr) {
			result.Error = svcErr.Message
			result.ErrorCode = svcErr.Kind
			result.Provider = svcErr.Provider
		}
		result.ProviderName = result.Provider.DisplayName()
		return result
	}

	result := ConnectionResult{
		Provider:     client.Provider(),
		ProviderName: client.Provider().DisplayName(),
	}
	if client.TestConnection(ctx) {
		result.Success = true
		return result
	}
	result.Error = "Connection test failed"
	return result
}

// newHTTPClient bounds connection setup and the wait for response headers.
// There is no client-wide timeout; it would cut a stream mid-body. Request
// lifetime belongs to the caller's context.
func newHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          50,
			IdleConnTimeout:       defaultIdleConnTimeout,
			TLSHandshakeTimeout:   defaultTLSTimeout,
			ResponseHeaderTimeout: headerTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
