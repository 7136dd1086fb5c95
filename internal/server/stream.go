package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"taskpilot/internal/auth"
	"taskpilot/internal/translator"
)

const (
	eventChunk = "chunk"
	eventDone  = "done"
	eventError = "error"
)

func (s *Server) handleChatStream(c echo.Context) error {
	var req translator.ChatRequest
	if err := decodeAndValidate(c, &req); err != nil {
		return err
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return requestError{Status: http.StatusInternalServerError, Message: "streaming not supported", Code: codeInternal}
	}

	stream, err := s.deps.Assistant.Stream(c.Request().Context(), auth.UserID(c), req.ToAssistant())
	if err != nil {
		return toHTTPError(err)
	}
	defer stream.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	done := translator.StreamDoneEvent{
		ConversationID: stream.ConversationID(),
		Provider:       stream.Provider(),
		Model:          stream.Model(),
	}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("provider", string(stream.Provider())).Msg("stream interrupted")
			mapped := toHTTPError(err)
			payload := translator.ErrorResponse{Error: "stream interrupted", ErrorCode: codeInternal}
			var reqErr requestError
			if errors.As(mapped, &reqErr) {
				payload = translator.ErrorResponse{Error: reqErr.Message, ErrorCode: reqErr.Code}
			}
			if werr := writeSSEEvent(writer, eventError, payload); werr != nil {
				return nil
			}
			flusher.Flush()
			return nil
		}

		if chunk.FinishReason != "" {
			done.FinishReason = chunk.FinishReason
		}
		if chunk.Content == "" && chunk.Usage == nil && chunk.FinishReason == "" {
			continue
		}
		if err := writeSSEEvent(writer, eventChunk, translator.StreamChunkEvent{
			Content:      chunk.Content,
			FinishReason: chunk.FinishReason,
			Usage:        chunk.Usage,
		}); err != nil {
			s.logger.Error().Err(err).Str("event", eventChunk).Msg("failed to write SSE event")
			return nil
		}
		flusher.Flush()
	}

	done.Usage = stream.Usage()
	if err := writeSSEEvent(writer, eventDone, done); err != nil {
		s.logger.Error().Err(err).Str("event", eventDone).Msg("failed to write SSE event")
		return nil
	}
	flusher.Flush()
	return nil
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
