package assistant

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"taskpilot/internal/models"
	"taskpilot/internal/provider"
)

const (
	suggestionMaxTokens   = 300
	suggestionTemperature = 0.7
	breakdownMaxTokens    = 600
	noDescription         = "No description provided"
	emptySuggestion       = "I'm sorry, I couldn't generate a suggestion at this time. Please try again."
)

const suggestionSystemPrompt = `You are an AI assistant for a task management application. You help users by providing practical, actionable suggestions for their tasks. Your responses should be:

1. Helpful and specific to the task context
2. Actionable with clear next steps
3. Professional but friendly in tone
4. Concise but comprehensive (aim for 2-4 sentences)
5. Focused on productivity and task completion

When users ask questions about their tasks, provide suggestions that could help them complete the task more effectively, break it down into smaller steps, identify potential challenges, or suggest resources/approaches.`

const breakdownSystemPrompt = `You are an AI assistant for a task management application. You split tasks into small, concrete subtasks that can each be finished in one sitting.

Reply with a numbered list only, one subtask per line, between 3 and 8 items. Each item is a short imperative title without commentary.`

var listItem = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+?)\s*$`)

// Task is the task context supplied by the caller.
type Task struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (t Task) prompt() string {
	description := strings.TrimSpace(t.Description)
	if description == "" {
		description = noDescription
	}
	return fmt.Sprintf("Task: %s\n\nDescription: %s", strings.TrimSpace(t.Title), description)
}

// SuggestionRequest asks for advice about a task.
type SuggestionRequest struct {
	Task     Task
	Message  string
	Provider models.ProviderID
	Model    string
}

// Suggestion is the reply to a SuggestionRequest.
type Suggestion struct {
	Suggestion string            `json:"suggestion"`
	Provider   models.ProviderID `json:"provider"`
	Model      string            `json:"model"`
	Usage      *models.Usage     `json:"usage,omitempty"`
}

// SuggestForTask asks the user's provider for a short, actionable suggestion.
func (s *Service) SuggestForTask(ctx context.Context, userID string, req SuggestionRequest) (*Suggestion, error) {
	temperature := suggestionTemperature
	maxTokens := suggestionMaxTokens
	t, err := s.resolve(ctx, userID, req.Provider, req.Model, &temperature, &maxTokens)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("%s\n\nUser Question: %s\n\nPlease provide a helpful suggestion for this task.", req.Task.prompt(), strings.TrimSpace(req.Message))
	result, err := s.complete(ctx, t, []models.Message{
		{Role: models.RoleSystem, Content: suggestionSystemPrompt},
		{Role: models.RoleUser, Content: prompt},
	})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(result.Content)
	if text == "" {
		s.logger.Warn().Str("provider", string(t.provider)).Msg("provider returned an empty suggestion")
		text = emptySuggestion
	}
	return &Suggestion{Suggestion: text, Provider: t.provider, Model: result.Model, Usage: result.Usage}, nil
}

// BreakdownRequest asks for a task to be split into subtasks.
type BreakdownRequest struct {
	Task     Task
	Provider models.ProviderID
	Model    string
}

// Breakdown is the parsed subtask list.
type Breakdown struct {
	Subtasks []string          `json:"subtasks"`
	Provider models.ProviderID `json:"provider"`
	Model    string            `json:"model"`
	Usage    *models.Usage     `json:"usage,omitempty"`
}

// BreakdownTask asks the provider for a numbered subtask list and parses it.
func (s *Service) BreakdownTask(ctx context.Context, userID string, req BreakdownRequest) (*Breakdown, error) {
	maxTokens := breakdownMaxTokens
	t, err := s.resolve(ctx, userID, req.Provider, req.Model, nil, &maxTokens)
	if err != nil {
		return nil, err
	}

	result, err := s.complete(ctx, t, []models.Message{
		{Role: models.RoleSystem, Content: breakdownSystemPrompt},
		{Role: models.RoleUser, Content: req.Task.prompt() + "\n\nBreak this task down into subtasks."},
	})
	if err != nil {
		return nil, err
	}

	subtasks := ParseList(result.Content)
	if len(subtasks) == 0 {
		return nil, provider.NewError(provider.KindProviderError, t.provider, "Provider returned no subtasks", nil)
	}
	return &Breakdown{Subtasks: subtasks, Provider: t.provider, Model: result.Model, Usage: result.Usage}, nil
}

// ParseList extracts the items of a numbered or bulleted list. Lines that are
// not list items are ignored.
func ParseList(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		m := listItem.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := strings.TrimSpace(strings.ReplaceAll(m[1], "**", ""))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (s *Service) complete(ctx context.Context, t target, messages []models.Message) (*models.CompletionResult, error) {
	start := s.now()
	result, err := t.client.GenerateResponse(ctx, t.request(messages, nil))
	if err != nil {
		s.observeError(t.provider, err)
		return nil, err
	}
	s.observeCompletion(t, false, s.now().Sub(start), result.Usage)
	return result, nil
}
