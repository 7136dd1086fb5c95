package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/auth"
	"taskpilot/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDetectCommand(t *testing.T) {
	out, err := run(t, "detect", "sk-ant-api03-ABCDEF123")
	require.NoError(t, err)
	assert.Equal(t, "anthropic (Anthropic)\n", out)

	_, err = run(t, "detect", "not-a-key")
	assert.Error(t, err)

	_, err = run(t, "detect")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	const secret = "cmd-test-secret-0123456789"
	t.Setenv("TASKPILOT_JWT_SECRET", secret)

	out, err := run(t, "token", "user-9")
	require.NoError(t, err)

	authn, err := auth.New(config.AuthConfig{JWTSecret: secret, Issuer: "taskpilot"}, zerolog.Nop())
	require.NoError(t, err)
	sub, err := authn.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-9", sub)
}

func TestTokenCommandReadsEnvFile(t *testing.T) {
	t.Setenv("TASKPILOT_JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("TASKPILOT_JWT_SECRET"))

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TASKPILOT_JWT_SECRET=from-dotenv-0123456789\n"), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "user-1", "--env-file", envFile})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.NotEmpty(t, strings.TrimSpace(out.String()))
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("TASKPILOT_JWT_SECRET", "")

	_, err := run(t, "token", "user-1")
	assert.Error(t, err)
}

func TestProvidersCommand(t *testing.T) {
	out, err := run(t, "providers")
	require.NoError(t, err)

	assert.Contains(t, out, "PROVIDER")
	for _, id := range []string{"openai", "anthropic", "google"} {
		assert.Contains(t, out, id)
	}
}

func TestPingRejectsUnknownProvider(t *testing.T) {
	_, err := run(t, "ping", "sk-proj-abc_DEF-123", "--provider", "cohere")
	assert.ErrorContains(t, err, "not supported")
}

func TestServeRequiresSecrets(t *testing.T) {
	t.Setenv("TASKPILOT_JWT_SECRET", "")
	t.Setenv("TASKPILOT_ENCRYPTION_KEY", "")

	_, err := run(t, "serve")
	assert.ErrorContains(t, err, "jwt_secret")
}
