package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskpilot/internal/models"
)

type credentialKey struct {
	userID   string
	provider models.ProviderID
}

// Memory is a process-local Store. Data is lost on exit.
type Memory struct {
	mu            sync.RWMutex
	credentials   map[credentialKey]CredentialRecord
	settings      map[string]Settings
	conversations map[string]Conversation
	messages      map[string][]ConversationMessage
	now           func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		credentials:   make(map[credentialKey]CredentialRecord),
		settings:      make(map[string]Settings),
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]ConversationMessage),
		now:           time.Now,
	}
}

func (m *Memory) PutCredential(ctx context.Context, rec CredentialRecord) error {
	if rec.UserID == "" || rec.Provider == "" {
		return fmt.Errorf("store: user id and provider are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	key := credentialKey{rec.UserID, rec.Provider}
	rec.CreatedAt = now
	if existing, ok := m.credentials[key]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	rec.UpdatedAt = now
	if rec.TestStatus == "" {
		rec.TestStatus = TestPending
	}
	m.credentials[key] = rec
	return nil
}

func (m *Memory) GetCredential(ctx context.Context, userID string, id models.ProviderID) (CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.credentials[credentialKey{userID, id}]
	if !ok {
		return CredentialRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) ListCredentials(ctx context.Context, userID string) ([]CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CredentialRecord, 0)
	for key, rec := range m.credentials {
		if key.userID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *Memory) DeleteCredential(ctx context.Context, userID string, id models.ProviderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := credentialKey{userID, id}
	if _, ok := m.credentials[key]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, key)
	return nil
}

func (m *Memory) UpdateCredentialTest(ctx context.Context, userID string, id models.ProviderID, status TestStatus, testedAt time.Time, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := credentialKey{userID, id}
	rec, ok := m.credentials[key]
	if !ok {
		return ErrNotFound
	}
	tested := testedAt.UTC()
	rec.TestStatus = status
	rec.LastTested = &tested
	rec.TestError = message
	m.credentials[key] = rec
	return nil
}

func (m *Memory) GetSettings(ctx context.Context, userID string) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[userID]
	if !ok {
		return Settings{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) PutSettings(ctx context.Context, s Settings) error {
	if s.UserID == "" {
		return fmt.Errorf("store: user id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s.UpdatedAt = m.now().UTC()
	m.settings[s.UserID] = s
	return nil
}

func (m *Memory) CreateConversation(ctx context.Context, c Conversation) error {
	if c.ID == "" || c.UserID == "" {
		return fmt.Errorf("store: conversation id and user id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("store: conversation %s already exists", c.ID)
	}
	now := m.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.conversations[c.ID] = c
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, userID, id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) AppendMessage(ctx context.Context, msg ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	now := m.now().UTC()
	msg.CreatedAt = now
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)

	c.MessageCount++
	c.TotalTokens += msg.Tokens
	c.UpdatedAt = now
	m.conversations[c.ID] = c
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID string) ([]ConversationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	out := make([]ConversationMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
