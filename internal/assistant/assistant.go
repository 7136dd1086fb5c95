// Package assistant is the request orchestrator: it resolves which provider,
// credential and model serve a user's request and records the exchange.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskpilot/internal/metrics"
	"taskpilot/internal/models"
	"taskpilot/internal/provider"
	"taskpilot/internal/provider/factory"
	"taskpilot/internal/store"
)

const (
	maxTemperature = 2.0
	titleLength    = 60
)

var (
	// ErrNoProvider is returned when the user has no usable credential and
	// did not name a provider.
	ErrNoProvider = errors.New("no AI provider configured; add an API key first")
	// ErrConversationNotFound is returned for unknown or foreign conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")
)

// ClientFactory creates provider clients. *factory.Factory satisfies it.
type ClientFactory interface {
	Create(credential string, id models.ProviderID) (provider.Client, error)
	TestConnection(ctx context.Context, credential string, id models.ProviderID) factory.ConnectionResult
}

// Credentials resolves stored provider keys. *credential.Store satisfies it.
type Credentials interface {
	Get(ctx context.Context, userID string, id models.ProviderID) (string, error)
	Providers(ctx context.Context, userID string) ([]models.ProviderID, error)
	RecordTest(ctx context.Context, userID string, id models.ProviderID, result factory.ConnectionResult) error
}

// ChatRequest is a completion request on behalf of a user. Zero-valued
// optional fields fall back to the user's settings.
type ChatRequest struct {
	Messages       []models.Message
	Provider       models.ProviderID
	Model          string
	Temperature    *float64
	MaxTokens      *int
	ConversationID string
	Options        map[string]any
}

// ChatResponse is a completion plus the conversation it was logged to.
type ChatResponse struct {
	models.CompletionResult
	ConversationID string `json:"conversation_id"`
}

// Service orchestrates provider calls for users.
type Service struct {
	factory       ClientFactory
	credentials   Credentials
	settings      store.SettingsStore
	conversations store.ConversationStore
	metrics       *metrics.Collector
	logger        zerolog.Logger
	newID         func() string
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records completions and failures on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = collector
	}
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates the orchestrator.
func New(f ClientFactory, creds Credentials, st interface {
	store.SettingsStore
	store.ConversationStore
}, opts ...Option) *Service {
	s := &Service{
		factory:       f,
		credentials:   creds,
		settings:      st,
		conversations: st,
		logger:        zerolog.Nop(),
		newID:         uuid.NewString,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// target is a resolved provider call.
type target struct {
	client      provider.Client
	provider    models.ProviderID
	model       string
	temperature float64
	maxTokens   int
}

func (t target) request(messages []models.Message, options map[string]any) models.GenerateRequest {
	return models.GenerateRequest{
		Messages:    messages,
		Model:       t.model,
		MaxTokens:   t.maxTokens,
		Temperature: t.temperature,
		Options:     options,
	}
}

// resolve picks provider, credential, model and sampling settings. Provider
// order: request, preferred provider, first stored key in documented order.
// Model order: request, preferred model when it belongs to the provider's
// catalog, first catalog model.
func (s *Service) resolve(ctx context.Context, userID string, id models.ProviderID, model string, temperature *float64, maxTokens *int) (target, error) {
	settings, err := s.Settings(ctx, userID)
	if err != nil {
		return target{}, err
	}

	if id == "" {
		id = settings.PreferredProvider
	}
	if id == "" {
		id, err = s.firstStoredProvider(ctx, userID)
		if err != nil {
			return target{}, err
		}
	}
	if !id.Valid() {
		return target{}, provider.NewError(provider.KindUnsupportedProvider, id, fmt.Sprintf("Provider %s is not supported", id), nil)
	}

	key, err := s.credentials.Get(ctx, userID, id)
	if err != nil {
		return target{}, fmt.Errorf("load %s credential: %w", id, err)
	}

	client, err := s.factory.Create(key, id)
	if err != nil {
		return target{}, err
	}

	t := target{
		client:      client,
		provider:    id,
		model:       model,
		temperature: settings.Temperature,
		maxTokens:   settings.MaxTokens,
	}
	if t.model == "" {
		t.model = pickModel(client.ListModels(), settings, id)
	}
	if temperature != nil {
		t.temperature = *temperature
	}
	if maxTokens != nil {
		t.maxTokens = *maxTokens
	}
	return t, nil
}

func pickModel(catalog []models.ModelDescriptor, settings store.Settings, id models.ProviderID) string {
	if settings.PreferredModel != "" && (settings.PreferredProvider == "" || settings.PreferredProvider == id) {
		for _, m := range catalog {
			if m.ID == settings.PreferredModel {
				return m.ID
			}
		}
	}
	if len(catalog) > 0 {
		return catalog[0].ID
	}
	return ""
}

func (s *Service) firstStoredProvider(ctx context.Context, userID string) (models.ProviderID, error) {
	stored, err := s.credentials.Providers(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list credentials: %w", err)
	}
	have := make(map[models.ProviderID]bool, len(stored))
	for _, id := range stored {
		have[id] = true
	}
	for _, id := range models.KnownProviders {
		if have[id] {
			return id, nil
		}
	}
	return "", ErrNoProvider
}

// Chat performs a one-shot completion and appends it to a conversation.
func (s *Service) Chat(ctx context.Context, userID string, req ChatRequest) (*ChatResponse, error) {
	t, err := s.resolve(ctx, userID, req.Provider, req.Model, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, err
	}
	conv, err := s.openConversation(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	result, err := t.client.GenerateResponse(ctx, t.request(req.Messages, req.Options))
	if err != nil {
		s.observeError(t.provider, err)
		return nil, err
	}
	elapsed := s.now().Sub(start)
	s.observeCompletion(t, false, elapsed, result.Usage)

	conv.ensure(t, req.Messages)
	s.record(ctx, userID, conv, req.Messages, result.Content, result.Usage, elapsed)

	return &ChatResponse{CompletionResult: *result, ConversationID: conv.id}, nil
}

// Stream starts a streaming completion. The exchange is logged when the
// returned stream reaches its end.
func (s *Service) Stream(ctx context.Context, userID string, req ChatRequest) (*ChatStream, error) {
	t, err := s.resolve(ctx, userID, req.Provider, req.Model, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, err
	}
	conv, err := s.openConversation(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	inner, err := t.client.GenerateStream(ctx, t.request(req.Messages, req.Options))
	if err != nil {
		s.observeError(t.provider, err)
		return nil, err
	}

	conv.ensure(t, req.Messages)
	return &ChatStream{
		ctx:      ctx,
		inner:    inner,
		service:  s,
		userID:   userID,
		target:   t,
		conv:     conv,
		messages: req.Messages,
		start:    start,
	}, nil
}

// conversationRef tracks a conversation that may not be persisted yet.
type conversationRef struct {
	id     string
	exists bool
	fresh  *store.Conversation
}

func (c *conversationRef) ensure(t target, messages []models.Message) {
	if c.exists || c.fresh != nil {
		return
	}
	c.fresh = &store.Conversation{
		ID:       c.id,
		Title:    titleFor(messages),
		Provider: t.provider,
		Model:    t.model,
	}
}

func (s *Service) openConversation(ctx context.Context, userID, id string) (*conversationRef, error) {
	if id == "" {
		return &conversationRef{id: s.newID()}, nil
	}
	if _, err := s.conversations.GetConversation(ctx, userID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &conversationRef{id: id, exists: true}, nil
}

// record persists the last user turn and the reply. Failures are logged; the
// completion has already been delivered.
func (s *Service) record(ctx context.Context, userID string, conv *conversationRef, messages []models.Message, reply string, usage *models.Usage, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With().Str("conversation_id", conv.id).Logger()

	if conv.fresh != nil {
		c := *conv.fresh
		c.UserID = userID
		if err := s.conversations.CreateConversation(ctx, c); err != nil {
			logger.Error().Err(err).Msg("failed to create conversation")
			return
		}
		conv.exists = true
		conv.fresh = nil
	}

	if last, ok := lastUserMessage(messages); ok {
		if err := s.conversations.AppendMessage(ctx, store.ConversationMessage{
			ID:             s.newID(),
			ConversationID: conv.id,
			Role:           models.RoleUser,
			Content:        last.Content,
			Tokens:         models.EstimateTokens(last.Content),
		}); err != nil {
			logger.Error().Err(err).Msg("failed to log user message")
			return
		}
	}

	tokens := models.EstimateTokens(reply)
	if usage != nil && usage.CompletionTokens > 0 {
		tokens = usage.CompletionTokens
	}
	if err := s.conversations.AppendMessage(ctx, store.ConversationMessage{
		ID:             s.newID(),
		ConversationID: conv.id,
		Role:           models.RoleAssistant,
		Content:        reply,
		Tokens:         tokens,
		ResponseTimeMS: elapsed.Milliseconds(),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to log assistant message")
	}
}

func lastUserMessage(messages []models.Message) (models.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i], true
		}
	}
	return models.Message{}, false
}

func titleFor(messages []models.Message) string {
	for _, m := range messages {
		if m.Role != models.RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		if utf8.RuneCountInString(title) > titleLength {
			runes := []rune(title)
			title = string(runes[:titleLength]) + "..."
		}
		if title != "" {
			return title
		}
	}
	return "New conversation"
}

func (s *Service) observeCompletion(t target, stream bool, elapsed time.Duration, usage *models.Usage) {
	if s.metrics == nil {
		return
	}
	var prompt, completion int
	if usage != nil {
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
	}
	s.metrics.ObserveCompletion(string(t.provider), t.model, stream, elapsed, prompt, completion)
}

func (s *Service) observeError(id models.ProviderID, err error) {
	kind, ok := provider.KindOf(err)
	if !ok {
		kind = provider.KindProviderError
	}
	s.logger.Warn().Str("provider", string(id)).Str("error_code", string(kind)).Msg("provider call failed")
	if s.metrics != nil {
		s.metrics.ObserveProviderError(string(id), string(kind))
	}
}

// Settings returns the user's settings, or the defaults if none were saved.
func (s *Service) Settings(ctx context.Context, userID string) (store.Settings, error) {
	settings, err := s.settings.GetSettings(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.DefaultSettings(userID), nil
	}
	if err != nil {
		return store.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return settings, nil
}

// SettingsUpdate changes the non-nil fields of a user's settings.
type SettingsUpdate struct {
	PreferredProvider *models.ProviderID
	PreferredModel    *string
	Temperature       *float64
	MaxTokens         *int
}

// UpdateSettings applies update and returns the stored result.
func (s *Service) UpdateSettings(ctx context.Context, userID string, update SettingsUpdate) (store.Settings, error) {
	settings, err := s.Settings(ctx, userID)
	if err != nil {
		return store.Settings{}, err
	}

	if update.PreferredProvider != nil {
		id := *update.PreferredProvider
		if id != "" && !id.Valid() {
			return store.Settings{}, provider.NewError(provider.KindUnsupportedProvider, id, fmt.Sprintf("Provider %s is not supported", id), nil)
		}
		settings.PreferredProvider = id
	}
	if update.PreferredModel != nil {
		settings.PreferredModel = strings.TrimSpace(*update.PreferredModel)
	}
	if update.Temperature != nil {
		if *update.Temperature < 0 || *update.Temperature > maxTemperature {
			return store.Settings{}, provider.NewError(provider.KindBadRequest, "", fmt.Sprintf("temperature must be between 0 and %.0f", maxTemperature), nil)
		}
		settings.Temperature = *update.Temperature
	}
	if update.MaxTokens != nil {
		if *update.MaxTokens <= 0 {
			return store.Settings{}, provider.NewError(provider.KindBadRequest, "", "max_tokens must be positive", nil)
		}
		settings.MaxTokens = *update.MaxTokens
	}

	settings.UserID = userID
	if err := s.settings.PutSettings(ctx, settings); err != nil {
		return store.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return s.Settings(ctx, userID)
}

// Conversations lists a user's sessions, most recently active first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	return s.conversations.ListConversations(ctx, userID)
}

// ConversationDetail is a session with its messages.
type ConversationDetail struct {
	store.Conversation
	Messages []store.ConversationMessage `json:"messages"`
}

// Conversation returns one session with its log.
func (s *Service) Conversation(ctx context.Context, userID, id string) (ConversationDetail, error) {
	conv, err := s.conversations.GetConversation(ctx, userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return ConversationDetail{}, ErrConversationNotFound
	}
	if err != nil {
		return ConversationDetail{}, err
	}
	msgs, err := s.conversations.ListMessages(ctx, id)
	if err != nil {
		return ConversationDetail{}, err
	}
	return ConversationDetail{Conversation: conv, Messages: msgs}, nil
}
