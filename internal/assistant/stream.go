package assistant

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"taskpilot/internal/models"
	"taskpilot/internal/provider"
)

// ChatStream wraps a provider stream and logs the exchange once the provider
// delivers its terminal chunk.
type ChatStream struct {
	ctx      context.Context
	inner    provider.Stream
	service  *Service
	userID   string
	target   target
	conv     *conversationRef
	messages []models.Message
	start    time.Time

	content strings.Builder
	usage   *models.Usage
	done    bool
}

// ConversationID is the session the exchange is logged to.
func (cs *ChatStream) ConversationID() string { return cs.conv.id }

// Provider is the provider serving the stream.
func (cs *ChatStream) Provider() models.ProviderID { return cs.target.provider }

// Model is the model serving the stream.
func (cs *ChatStream) Model() string { return cs.target.model }

// Recv returns the next chunk. It returns io.EOF after the terminal chunk.
func (cs *ChatStream) Recv() (models.StreamChunk, error) {
	if cs.done {
		return models.StreamChunk{}, io.EOF
	}

	chunk, err := cs.inner.Recv()
	switch {
	case errors.Is(err, io.EOF):
		cs.finish()
		return models.StreamChunk{}, io.EOF
	case err != nil:
		cs.done = true
		cs.service.observeError(cs.target.provider, err)
		return models.StreamChunk{}, err
	}

	cs.content.WriteString(chunk.Content)
	if chunk.Usage != nil {
		cs.usage = chunk.Usage
	}
	return chunk, nil
}

func (cs *ChatStream) finish() {
	cs.done = true
	elapsed := cs.service.now().Sub(cs.start)
	cs.service.observeCompletion(cs.target, true, elapsed, cs.usage)
	cs.service.record(cs.ctx, cs.userID, cs.conv, cs.messages, cs.content.String(), cs.usage, elapsed)
}

// Usage is the token usage reported by the provider, if any.
func (cs *ChatStream) Usage() *models.Usage { return cs.usage }

// Close releases the provider connection.
func (cs *ChatStream) Close() error {
	return cs.inner.Close()
}
