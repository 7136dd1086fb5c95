// Package detect infers which AI vendor issued a credential from its shape.
package detect

import (
	"encoding/json"
	"regexp"
	"strings"

	"taskpilot/internal/models"
)

type rule struct {
	provider models.ProviderID
	pattern  *regexp.Regexp
}

// Order matters: Anthropic keys are long enough to satisfy the legacy OpenAI
// pattern, so they are checked first.
var rules = []rule{
	{models.ProviderAnthropic, regexp.MustCompile(`^sk-ant-api03-[A-Za-z0-9_-]+$`)},
	{models.ProviderOpenAI, regexp.MustCompile(`^sk-proj-[A-Za-z0-9_-]+$`)},
	{models.ProviderOpenAI, regexp.MustCompile(`^sk-[A-Za-z0-9_-]{48,}$`)},
	{models.ProviderGoogle, regexp.MustCompile(`^AIza[A-Za-z0-9_-]{31,35}$`)},
}

var serviceAccountFields = []string{"project_id", "private_key_id", "private_key", "client_email"}

// Detect returns the provider whose credential format matches. Surrounding
// whitespace is ignored.
func Detect(credential string) (models.ProviderID, bool) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", false
	}
	if IsServiceAccount(credential) {
		return models.ProviderGoogle, true
	}
	for _, r := range rules {
		if r.pattern.MatchString(credential) {
			return r.provider, true
		}
	}
	return "", false
}

// IsServiceAccount reports whether credential is a Google service-account
// JSON document.
func IsServiceAccount(credential string) bool {
	credential = strings.TrimSpace(credential)
	if !strings.HasPrefix(credential, "{") {
		return false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(credential), &doc); err != nil {
		return false
	}
	if kind, _ := doc["type"].(string); kind != "service_account" {
		return false
	}
	for _, field := range serviceAccountFields {
		if _, ok := doc[field]; !ok {
			return false
		}
	}
	return true
}

// ValidateFormat reports whether credential is detected as exactly id.
func ValidateFormat(credential string, id models.ProviderID) bool {
	detected, ok := Detect(credential)
	return ok && detected == id
}

// SupportedProviders lists the providers the detector recognises.
func SupportedProviders() []models.ProviderID {
	out := make([]models.ProviderID, len(models.KnownProviders))
	copy(out, models.KnownProviders)
	return out
}

// Requirements documents the accepted credential format for a provider.
type Requirements struct {
	Format        string `json:"format"`
	Description   string `json:"description"`
	ExampleFormat string `json:"example_format"`
	MinLength     int    `json:"min_length"`
	DocsURL       string `json:"docs_url"`
}

var requirements = map[models.ProviderID]Requirements{
	models.ProviderOpenAI: {
		Format:        "sk-proj-... or sk-...",
		Description:   "OpenAI API key from platform.openai.com",
		ExampleFormat: "sk-proj-ABC123...",
		MinLength:     20,
		DocsURL:       "https://platform.openai.com/api-keys",
	},
	models.ProviderAnthropic: {
		Format:        "sk-ant-api03-...",
		Description:   "Anthropic API key from console.anthropic.com",
		ExampleFormat: "sk-ant-api03-ABC123...",
		MinLength:     20,
		DocsURL:       "https://console.anthropic.com/",
	},
	models.ProviderGoogle: {
		Format:        "AIza... or Service Account JSON",
		Description:   "Google AI API key or service account JSON",
		ExampleFormat: `AIzaABC123... or {"type": "service_account", ...}`,
		MinLength:     20,
		DocsURL:       "https://ai.google.dev/",
	},
}

// RequirementsFor returns the format documentation for id. The zero value is
// returned for unknown providers.
func RequirementsFor(id models.ProviderID) (Requirements, bool) {
	r, ok := requirements[id]
	return r, ok
}
