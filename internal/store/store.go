// Package store persists per-user assistant state: encrypted provider
// credentials, AI settings and the conversation log.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// TestStatus is the outcome of the last connectivity probe of a credential.
type TestStatus string

const (
	TestPending TestStatus = "pending"
	TestSuccess TestStatus = "success"
	TestFailed  TestStatus = "failed"
)

// CredentialRecord is a stored provider key. Ciphertext is opaque to the store.
type CredentialRecord struct {
	UserID     string
	Provider   models.ProviderID
	Ciphertext string
	Preview    string
	Active     bool
	TestStatus TestStatus
	LastTested *time.Time
	TestError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Settings are a user's assistant preferences.
type Settings struct {
	UserID            string            `json:"-"`
	PreferredProvider models.ProviderID `json:"preferred_provider,omitempty"`
	PreferredModel    string            `json:"preferred_model,omitempty"`
	Temperature       float64           `json:"temperature"`
	MaxTokens         int               `json:"max_tokens"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Default AI settings for users that never saved any.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// DefaultSettings returns the settings used when a user has none stored.
func DefaultSettings(userID string) Settings {
	return Settings{
		UserID:      userID,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

// Conversation is a chat session summary.
type Conversation struct {
	ID           string            `json:"id"`
	UserID       string            `json:"-"`
	Title        string            `json:"title"`
	Provider     models.ProviderID `json:"provider"`
	Model        string            `json:"model"`
	TotalTokens  int               `json:"total_tokens"`
	MessageCount int               `json:"message_count"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ConversationMessage is one logged turn.
type ConversationMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"-"`
	Role           models.Role `json:"role"`
	Content        string      `json:"content"`
	Tokens         int         `json:"tokens"`
	ResponseTimeMS int64       `json:"response_time_ms"`
	CreatedAt      time.Time   `json:"created_at"`
}

// CredentialStore persists encrypted credentials.
type CredentialStore interface {
	PutCredential(ctx context.Context, rec CredentialRecord) error
	GetCredential(ctx context.Context, userID string, id models.ProviderID) (CredentialRecord, error)
	ListCredentials(ctx context.Context, userID string) ([]CredentialRecord, error)
	DeleteCredential(ctx context.Context, userID string, id models.ProviderID) error
	UpdateCredentialTest(ctx context.Context, userID string, id models.ProviderID, status TestStatus, testedAt time.Time, message string) error
}

// SettingsStore persists AI settings.
type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error
}

// ConversationStore persists the conversation log.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, userID, id string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	AppendMessage(ctx context.Context, m ConversationMessage) error
	ListMessages(ctx context.Context, conversationID string) ([]ConversationMessage, error)
}

// Store is the full persistence surface.
type Store interface {
	CredentialStore
	SettingsStore
	ConversationStore
	Close() error
}

// Open returns the backend selected by cfg.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.StorageMemory:
		return NewMemory(), nil
	case config.StorageSQLite:
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
