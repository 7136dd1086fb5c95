package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/models"
	"taskpilot/internal/provider"
	"taskpilot/internal/provider/factory"
	"taskpilot/internal/secrets"
	"taskpilot/internal/store"
)

const anthropicKey = "sk-ant-api03-ABCDEF123"

func newStore(t *testing.T) (*Store, *store.Memory) {
	t.Helper()
	cipher, err := secrets.New("test-encryption-key")
	require.NoError(t, err)
	mem := store.NewMemory()
	return New(mem, cipher), mem
}

func TestPutGet(t *testing.T) {
	s, mem := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "u1", models.ProviderAnthropic, "  "+anthropicKey+"\n"))

	got, err := s.Get(ctx, "u1", models.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, anthropicKey, got)

	rec, err := mem.GetCredential(ctx, "u1", models.ProviderAnthropic)
	require.NoError(t, err)
	assert.NotContains(t, rec.Ciphertext, "ABCDEF123")
	assert.Equal(t, "***F123", rec.Preview)
	assert.Equal(t, store.TestPending, rec.TestStatus)
}

func TestPutRejectsMismatchedFormat(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	err := s.Put(ctx, "u1", models.ProviderOpenAI, anthropicKey)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	err = s.Put(ctx, "u1", models.ProviderGoogle, "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), "u1", models.ProviderOpenAI)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCiphertextBoundToOwner(t *testing.T) {
	s, mem := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "u1", models.ProviderAnthropic, anthropicKey))

	// Copy u1's ciphertext into u2's slot; it must not decrypt there.
	rec, err := mem.GetCredential(ctx, "u1", models.ProviderAnthropic)
	require.NoError(t, err)
	rec.UserID = "u2"
	require.NoError(t, mem.PutCredential(ctx, rec))

	_, err = s.Get(ctx, "u2", models.ProviderAnthropic)
	assert.ErrorIs(t, err, secrets.ErrDecrypt)
}

func TestListAndDelete(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "u1", models.ProviderAnthropic, anthropicKey))
	require.NoError(t, s.Put(ctx, "u1", models.ProviderOpenAI, "sk-proj-abc_DEF-9876"))

	list, err := s.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.ProviderAnthropic, list[0].Provider)
	assert.Equal(t, "Anthropic", list[0].ProviderName)
	assert.Equal(t, "***9876", list[1].Preview)

	ids, err := s.Providers(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []models.ProviderID{models.ProviderAnthropic, models.ProviderOpenAI}, ids)

	require.NoError(t, s.Delete(ctx, "u1", models.ProviderOpenAI))
	assert.ErrorIs(t, s.Delete(ctx, "u1", models.ProviderOpenAI), ErrNotFound)

	list, err = s.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecordTest(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Put(ctx, "u1", models.ProviderAnthropic, anthropicKey))

	require.NoError(t, s.RecordTest(ctx, "u1", models.ProviderAnthropic, factory.ConnectionResult{
		Provider: models.ProviderAnthropic,
		Error:    "Connection test failed",
	}))
	list, err := s.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.TestFailed, list[0].TestStatus)
	assert.Equal(t, "Connection test failed", list[0].TestError)
	require.NotNil(t, list[0].LastTested)
	assert.True(t, list[0].LastTested.Equal(fixed))

	require.NoError(t, s.RecordTest(ctx, "u1", models.ProviderAnthropic, factory.ConnectionResult{Success: true}))
	list, err = s.List(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.TestSuccess, list[0].TestStatus)
	assert.Empty(t, list[0].TestError)

	err = s.RecordTest(ctx, "u1", models.ProviderGoogle, factory.ConnectionResult{ErrorCode: provider.KindAuthentication})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "***", Preview("abc"))
	assert.Equal(t, "***", Preview("abcd"))
	assert.Equal(t, "***bcde", Preview("abcde"))
}
