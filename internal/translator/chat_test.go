package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/models"
)

func TestChatRequestDecode(t *testing.T) {
	body := `{
		"provider": " Anthropic ",
		"model": "claude-3-haiku-20240307",
		"system": [{"type": "text", "text": "Be terse"}],
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "Hel"}, {"type": "text", "text": "lo"}]},
			{"role": "assistant", "content": "Hi"}
		],
		"temperature": 0.3,
		"top_k": 40,
		"stop": "END",
		"conversation_id": "c-1"
	}`

	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	require.NoError(t, Validate(req))

	assert.Equal(t, "anthropic", req.Provider)
	assert.Equal(t, []string{"END"}, req.Stop)

	out := req.ToAssistant()
	assert.Equal(t, models.ProviderAnthropic, out.Provider)
	assert.Equal(t, "c-1", out.ConversationID)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, models.Message{Role: models.RoleSystem, Content: "Be terse"}, out.Messages[0])
	assert.Equal(t, "Hello", out.Messages[1].Content)
	require.NotNil(t, out.Temperature)
	assert.InDelta(t, 0.3, *out.Temperature, 1e-9)
	assert.Nil(t, out.MaxTokens)
	assert.Equal(t, 40, out.Options["top_k"])
	assert.Equal(t, []string{"END"}, out.Options["stop"])
	assert.NotContains(t, out.Options, "top_p")
}

func TestChatRequestDecodeErrors(t *testing.T) {
	tests := map[string]string{
		"empty stop":       `{"messages":[{"role":"user","content":"x"}],"stop":""}`,
		"bad stop type":    `{"messages":[{"role":"user","content":"x"}],"stop":5}`,
		"image content":    `{"messages":[{"role":"user","content":[{"type":"image","text":""}]}]}`,
		"missing content":  `{"messages":[{"role":"user"}]}`,
		"bad system block": `{"messages":[{"role":"user","content":"x"}],"system":[{"type":"image"}]}`,
		"not json":         `{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var req ChatRequest
			assert.Error(t, json.Unmarshal([]byte(body), &req))
		})
	}
}

func TestChatRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"no messages", `{"messages":[]}`, "Messages must be at least 1"},
		{"bad role", `{"messages":[{"role":"tool","content":"x"}]}`, "Role must be one of"},
		{"empty content", `{"messages":[{"role":"user","content":""}]}`, "Content is required"},
		{"bad provider", `{"provider":"cohere","messages":[{"role":"user","content":"x"}]}`, "Provider must be one of"},
		{"hot temperature", `{"temperature":3,"messages":[{"role":"user","content":"x"}]}`, "Temperature must be at most 2"},
		{"negative max tokens", `{"max_tokens":-5,"messages":[{"role":"user","content":"x"}]}`, "MaxTokens must be greater than 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req ChatRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			err := Validate(req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestTaskRequests(t *testing.T) {
	var suggest SuggestRequest
	require.NoError(t, json.Unmarshal([]byte(`{"task":{"title":"Ship it"},"message":"how?","provider":"google"}`), &suggest))
	require.NoError(t, Validate(suggest))
	out := suggest.ToAssistant()
	assert.Equal(t, "Ship it", out.Task.Title)
	assert.Equal(t, models.ProviderGoogle, out.Provider)

	var missingTitle BreakdownRequest
	require.NoError(t, json.Unmarshal([]byte(`{"task":{"description":"d"}}`), &missingTitle))
	err := Validate(missingTitle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Task.Title is required")
}

func TestSettingsRequest(t *testing.T) {
	var req SettingsRequest
	require.NoError(t, json.Unmarshal([]byte(`{"preferred_provider":" OpenAI ","max_tokens":512}`), &req))
	require.NoError(t, Validate(req))

	update := req.ToUpdate()
	require.NotNil(t, update.PreferredProvider)
	assert.Equal(t, models.ProviderOpenAI, *update.PreferredProvider)
	assert.Nil(t, update.Temperature)
	require.NotNil(t, update.MaxTokens)
	assert.Equal(t, 512, *update.MaxTokens)

	var bad SettingsRequest
	require.NoError(t, json.Unmarshal([]byte(`{"temperature":-1}`), &bad))
	assert.Error(t, Validate(bad))
}
