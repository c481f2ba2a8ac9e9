// Package apperrors defines Mission Control's error taxonomy and the helpers
// built on it: typed sentinel errors checked with errors.Is/errors.As instead
// of string-sniffing, an HTTP status mapper for gin handlers, and a recovered
// goroutine launcher for fire-and-forget work.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/missioncontrol/missioncontrol/internal/logging"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrX) and unwrap with
// errors.Is/errors.As at call sites; never compare error strings.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflicting state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPendingApproval   = errors.New("task is pending approval")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

// ValidationError carries field-level detail for a validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransitionError describes a rejected state-machine transition (spec.md C4).
type TransitionError struct {
	From string
	To   string
	Kind string // "guard" or "topology"
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s (%s)", e.From, e.To, e.Kind)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// HandleHTTPError maps a Mission Control error to the appropriate gin JSON
// response, logging anything that isn't a recognized client-facing case.
func HandleHTTPError(c *gin.Context, log *logging.Logger, err error, fallback string) {
	var validationErr *ValidationError
	var transitionErr *TransitionError

	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrPendingApproval):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway unavailable"})
	default:
		log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

// Go runs fn in a new goroutine, recovering any panic and logging it instead
// of crashing the process or swallowing it silently. Used for fire-and-forget
// handoffs such as dispatch and reconciliation passes.
func Go(log *logging.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("recovered panic in background task",
					zap.String("task", name),
					zap.Any("panic", r),
				)
			}
		}()
		fn()
	}()
}
