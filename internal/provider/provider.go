package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskpilot/internal/models"
)

// TestTimeout bounds connectivity probes.
const TestTimeout = 10 * time.Second

// TestMaxTokens is the token budget used by connectivity probes.
const TestMaxTokens = 5

// Client defines the behaviour every AI vendor adapter must provide.
type Client interface {
	Provider() models.ProviderID
	ListModels() []models.ModelDescriptor
	GenerateResponse(ctx context.Context, req models.GenerateRequest) (*models.CompletionResult, error)
	GenerateStream(ctx context.Context, req models.GenerateRequest) (Stream, error)
	TestConnection(ctx context.Context) bool
}

// Stream is a finite, forward-only sequence of chunks. Recv returns io.EOF once
// the terminal chunk has been delivered; any other error is terminal as well.
// Close releases the underlying connection without draining it.
type Stream interface {
	Recv() (models.StreamChunk, error)
	Close() error
}

// Options carries per-provider construction settings.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	Models     []models.ModelDescriptor
	TestModel  string
	Logger     zerolog.Logger
}

// Catalog is a stable, ordered model list with lookup by ID.
type Catalog struct {
	models []models.ModelDescriptor
	byID   map[string]int
}

// NewCatalog builds a catalog. Later duplicates of an ID are dropped.
func NewCatalog(list []models.ModelDescriptor) Catalog {
	c := Catalog{
		models: make([]models.ModelDescriptor, 0, len(list)),
		byID:   make(map[string]int, len(list)),
	}
	for _, m := range list {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			continue
		}
		if _, exists := c.byID[id]; exists {
			continue
		}
		m.ID = id
		c.byID[id] = len(c.models)
		c.models = append(c.models, m)
	}
	return c
}

// List returns a copy of the catalog in declaration order.
func (c Catalog) List() []models.ModelDescriptor {
	result := make([]models.ModelDescriptor, len(c.models))
	copy(result, c.models)
	return result
}

// Lookup returns the descriptor for a model ID.
func (c Catalog) Lookup(id string) (models.ModelDescriptor, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return models.ModelDescriptor{}, false
	}
	return c.models[idx], true
}

// Contains reports whether the catalog lists id.
func (c Catalog) Contains(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Len returns the number of models in the catalog.
func (c Catalog) Len() int {
	return len(c.models)
}

// ResolveCatalog returns the configured catalog or the built-in defaults.
func ResolveCatalog(configured, defaults []models.ModelDescriptor) Catalog {
	if len(configured) > 0 {
		return NewCatalog(configured)
	}
	return NewCatalog(defaults)
}

// ValidateRequest performs the checks shared by every client before any
// network call is made.
func ValidateRequest(id models.ProviderID, catalog Catalog, req models.GenerateRequest) error {
	if !catalog.Contains(req.Model) {
		return NewError(KindInvalidModel, id, "Invalid model: "+req.Model, nil)
	}
	if len(req.Messages) == 0 {
		return NewError(KindBadRequest, id, "at least one message is required", nil)
	}
	for _, msg := range req.Messages {
		if !msg.Role.Valid() {
			return NewError(KindBadRequest, id, "unsupported message role "+string(msg.Role), nil)
		}
	}
	if req.MaxTokens < 0 {
		return NewError(KindBadRequest, id, "max_tokens must not be negative", nil)
	}
	return nil
}
