package provider

import (
	"context"
	"errors"
	"net/http"

	"taskpilot/internal/models"
)

// Kind is the machine-readable error code attached to a ServiceError.
type Kind string

const (
	KindMissingCredential   Kind = "MISSING_API_KEY"
	KindUnknownProvider     Kind = "UNKNOWN_PROVIDER"
	KindUnsupportedProvider Kind = "UNSUPPORTED_PROVIDER"
	KindInvalidModel        Kind = "INVALID_MODEL"
	KindAuthentication      Kind = "AUTHENTICATION_ERROR"
	KindRateLimited         Kind = "RATE_LIMIT_ERROR"
	KindBadRequest          Kind = "BAD_REQUEST"
	KindServiceCreation     Kind = "SERVICE_CREATION_ERROR"
	KindProviderError       Kind = "PROVIDER_ERROR"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrMissingCredential   = &ServiceError{Kind: KindMissingCredential, Message: "API key is required"}
	ErrUnknownProvider     = &ServiceError{Kind: KindUnknownProvider, Message: "Unable to determine AI provider from API key format"}
	ErrUnsupportedProvider = &ServiceError{Kind: KindUnsupportedProvider, Message: "provider is not supported"}
	ErrInvalidModel        = &ServiceError{Kind: KindInvalidModel, Message: "invalid model"}
	ErrAuthentication      = &ServiceError{Kind: KindAuthentication, Message: "Invalid API key"}
	ErrRateLimited         = &ServiceError{Kind: KindRateLimited, Message: "Rate limit exceeded"}
	ErrBadRequest          = &ServiceError{Kind: KindBadRequest, Message: "bad request"}
	ErrServiceCreation     = &ServiceError{Kind: KindServiceCreation, Message: "failed to create service"}
	ErrProviderError       = &ServiceError{Kind: KindProviderError, Message: "provider error"}
)

// ServiceError is the only error type that crosses the provider boundary.
type ServiceError struct {
	Kind     Kind
	Provider models.ProviderID
	Message  string
	Err      error
}

// NewError constructs a ServiceError. The cause keeps its text but not its
// type, so vendor SDK errors cannot be matched past the provider boundary.
// Context cancellation and deadline errors stay matchable.
func NewError(kind Kind, id models.ProviderID, message string, cause error) *ServiceError {
	return &ServiceError{
		Kind:     kind,
		Provider: id,
		Message:  message,
		Err:      detach(cause),
	}
}

// detachedCause carries the text of a vendor error.
type detachedCause struct {
	msg string
	ctx error
}

func (c *detachedCause) Error() string { return c.msg }

func (c *detachedCause) Unwrap() error { return c.ctx }

func detach(cause error) error {
	if cause == nil {
		return nil
	}
	if _, ok := cause.(*detachedCause); ok {
		return cause
	}
	d := &detachedCause{msg: cause.Error()}
	switch {
	case errors.Is(cause, context.Canceled):
		d.ctx = context.Canceled
	case errors.Is(cause, context.DeadlineExceeded):
		d.ctx = context.DeadlineExceeded
	}
	return d
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches another ServiceError of the same kind. A target without a
// provider matches any provider.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Provider == "" || t.Provider == e.Provider
}

// KindOf returns the kind of the first ServiceError in err's chain.
func KindOf(err error) (Kind, bool) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Kind, true
	}
	return "", false
}

// KindForStatus maps a vendor HTTP status code onto the error taxonomy.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthentication
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindBadRequest
	default:
		return KindProviderError
	}
}

// FromStatus builds a ServiceError for a failed vendor call.
func FromStatus(id models.ProviderID, status int, context string, cause error) *ServiceError {
	return ForKind(id, KindForStatus(status), context, cause)
}

// ForKind builds a ServiceError with the canonical message for kind. context
// is used for kinds without one.
func ForKind(id models.ProviderID, kind Kind, context string, cause error) *ServiceError {
	switch kind {
	case KindAuthentication:
		return NewError(kind, id, "Invalid API key", cause)
	case KindRateLimited:
		return NewError(kind, id, "Rate limit exceeded", cause)
	case KindBadRequest:
		return NewError(kind, id, "Bad request", cause)
	default:
		return NewError(kind, id, context, cause)
	}
}
