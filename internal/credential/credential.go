// Package credential keeps users' provider API keys encrypted at rest.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/models"
	"taskpilot/internal/provider/detect"
	"taskpilot/internal/provider/factory"
	"taskpilot/internal/secrets"
	"taskpilot/internal/store"
)

var (
	// ErrNotFound is returned when the user has no key for a provider.
	ErrNotFound = errors.New("credential: not found")
	// ErrInvalidFormat is returned when a key does not look like one issued by the provider.
	ErrInvalidFormat = errors.New("credential: invalid API key format")
)

// Summary is the redacted view of a stored key.
type Summary struct {
	Provider     models.ProviderID `json:"provider"`
	ProviderName string            `json:"provider_name"`
	Preview      string            `json:"key_preview"`
	Active       bool              `json:"is_active"`
	TestStatus   store.TestStatus  `json:"test_status"`
	LastTested   *time.Time        `json:"last_tested,omitempty"`
	TestError    string            `json:"test_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Store encrypts keys before handing them to the underlying record store.
type Store struct {
	records store.CredentialStore
	cipher  *secrets.Cipher
	now     func() time.Time
}

// New creates a credential store.
func New(records store.CredentialStore, cipher *secrets.Cipher) *Store {
	return &Store{records: records, cipher: cipher, now: time.Now}
}

// Preview redacts a key down to its last four characters.
func Preview(credential string) string {
	credential = strings.TrimSpace(credential)
	if len(credential) <= 4 {
		return "***"
	}
	return "***" + credential[len(credential)-4:]
}

// Put validates and stores a key, replacing any previous key for the provider.
// The test status is reset to pending.
func (s *Store) Put(ctx context.Context, userID string, id models.ProviderID, credential string) error {
	credential = strings.TrimSpace(credential)
	if !detect.ValidateFormat(credential, id) {
		return fmt.Errorf("%w for %s", ErrInvalidFormat, id.DisplayName())
	}

	sealed, err := s.cipher.Encrypt(credential, associatedData(userID, id))
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	return s.records.PutCredential(ctx, store.CredentialRecord{
		UserID:     userID,
		Provider:   id,
		Ciphertext: sealed,
		Preview:    Preview(credential),
		Active:     true,
		TestStatus: store.TestPending,
	})
}

// Get returns the decrypted key.
func (s *Store) Get(ctx context.Context, userID string, id models.ProviderID) (string, error) {
	rec, err := s.records.GetCredential(ctx, userID, id)
	if err != nil {
		return "", translate(err)
	}
	if !rec.Active {
		return "", ErrNotFound
	}

	plain, err := s.cipher.Decrypt(rec.Ciphertext, associatedData(userID, id))
	if err != nil {
		return "", fmt.Errorf("decrypt %s credential: %w", id, err)
	}
	return plain, nil
}

// Delete removes the key for a provider.
func (s *Store) Delete(ctx context.Context, userID string, id models.ProviderID) error {
	return translate(s.records.DeleteCredential(ctx, userID, id))
}

// List returns redacted summaries of every stored key.
func (s *Store) List(ctx context.Context, userID string) ([]Summary, error) {
	recs, err := s.records.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Summary{
			Provider:     rec.Provider,
			ProviderName: rec.Provider.DisplayName(),
			Preview:      rec.Preview,
			Active:       rec.Active,
			TestStatus:   rec.TestStatus,
			LastTested:   rec.LastTested,
			TestError:    rec.TestError,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
		})
	}
	return out, nil
}

// Providers lists the providers the user has an active key for.
func (s *Store) Providers(ctx context.Context, userID string) ([]models.ProviderID, error) {
	recs, err := s.records.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ProviderID, 0, len(recs))
	for _, rec := range recs {
		if rec.Active {
			out = append(out, rec.Provider)
		}
	}
	return out, nil
}

// RecordTest stores the outcome of a connectivity probe.
func (s *Store) RecordTest(ctx context.Context, userID string, id models.ProviderID, result factory.ConnectionResult) error {
	status := store.TestSuccess
	if !result.Success {
		status = store.TestFailed
	}
	return translate(s.records.UpdateCredentialTest(ctx, userID, id, status, s.now(), result.Error))
}

func associatedData(userID string, id models.ProviderID) string {
	return userID + "/" + string(id)
}

func translate(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
