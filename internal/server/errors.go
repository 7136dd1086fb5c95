package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"taskpilot/internal/assistant"
	"taskpilot/internal/credential"
	"taskpilot/internal/provider"
	"taskpilot/internal/translator"
)

const (
	codeValidation   = "VALIDATION_ERROR"
	codeKeyNotFound  = "API_KEY_NOT_FOUND"
	codeInvalidKey   = "INVALID_API_KEY_FORMAT"
	codeNoProvider   = "NO_PROVIDER_CONFIGURED"
	codeConvNotFound = "CONVERSATION_NOT_FOUND"
	codeInternal     = "INTERNAL_ERROR"
)

type requestError struct {
	Status  int
	Message string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

func validationError(err error) requestError {
	return requestError{Status: http.StatusBadRequest, Message: err.Error(), Code: codeValidation}
}

// statusForKind maps the provider error taxonomy onto HTTP statuses. A vendor
// authentication failure is a 400: 401 is reserved for the caller's own token.
func statusForKind(kind provider.Kind) int {
	switch kind {
	case provider.KindMissingCredential,
		provider.KindUnknownProvider,
		provider.KindUnsupportedProvider,
		provider.KindInvalidModel,
		provider.KindBadRequest,
		provider.KindAuthentication:
		return http.StatusBadRequest
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var svcErr *provider.ServiceError
	if errors.As(err, &svcErr) {
		return requestError{
			Status:  statusForKind(svcErr.Kind),
			Message: svcErr.Message,
			Code:    string(svcErr.Kind),
		}
	}

	switch {
	case errors.Is(err, credential.ErrNotFound):
		return requestError{Status: http.StatusNotFound, Message: "No API key found for this provider. Please add your API key first.", Code: codeKeyNotFound}
	case errors.Is(err, credential.ErrInvalidFormat):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Code: codeInvalidKey}
	case errors.Is(err, assistant.ErrNoProvider):
		return requestError{Status: http.StatusBadRequest, Message: assistant.ErrNoProvider.Error(), Code: codeNoProvider}
	case errors.Is(err, assistant.ErrConversationNotFound):
		return requestError{Status: http.StatusNotFound, Message: assistant.ErrConversationNotFound.Error(), Code: codeConvNotFound}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Code:    codeInternal,
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	mapped := toHTTPError(err)

	var reqErr requestError
	if errors.As(mapped, &reqErr) {
		if reqErr.Status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		}
		_ = c.JSON(reqErr.Status, translator.ErrorResponse{Error: reqErr.Message, ErrorCode: reqErr.Code})
		return
	}

	var he *echo.HTTPError
	if errors.As(mapped, &he) {
		_ = c.JSON(he.Code, translator.ErrorResponse{Error: fmt.Sprint(he.Message)})
		return
	}

	_ = c.JSON(http.StatusInternalServerError, translator.ErrorResponse{Error: "internal server error", ErrorCode: codeInternal})
}
