package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rewired-gh/agrolens/internal/logger"
	"github.com/rewired-gh/agrolens/internal/ollama"
	"github.com/rewired-gh/agrolens/internal/pipeline"
	"github.com/rewired-gh/agrolens/internal/storage"
	"github.com/rewired-gh/agrolens/internal/worker"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeNotFound             ErrorType = "not_found"
	ErrorTypeRateLimit            ErrorType = "rate_limit"
	ErrorTypeInternal             ErrorType = "internal"
	ErrorTypeUnavailable          ErrorType = "service_unavailable"
	ErrorTypeTelemetryUnavailable ErrorType = "telemetry_unavailable"
	ErrorTypePersistenceFailed    ErrorType = "persistence_failed"
	ErrorTypeInferenceTimeout     ErrorType = "inference_timeout"
	ErrorTypeInferenceUnavailable ErrorType = "inference_unavailable"
)

// APIError represents a structured API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      int       `json:"code"`
	Stage     string    `json:"stage,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	err       error     // internal cause, logged but never returned
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error { return e.err }

func newError(t ErrorType, code int, msg string, err error) *APIError {
	return &APIError{Type: t, Message: msg, Code: code, err: err}
}

func validationError(msg string, err error) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, msg, err)
}

func notFoundError(msg string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, msg, nil)
}

func internalError(msg string, err error) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, msg, err)
}

// fromRunError maps a failed run onto the status a caller can act on.
func fromRunError(err error) *APIError {
	runErr, ok := pipeline.AsRunError(err)
	if !ok {
		return fromPoolError(err)
	}

	var apiErr *APIError
	switch runErr.Kind {
	case pipeline.KindTelemetry:
		apiErr = newError(ErrorTypeTelemetryUnavailable, http.StatusBadGateway, runErr.Kind.String(), err)
	case pipeline.KindPersistence:
		apiErr = newError(ErrorTypePersistenceFailed, http.StatusInternalServerError, runErr.Kind.String(), err)
	case pipeline.KindInference:
		apiErr = fromInferenceError(err)
		apiErr.Message = runErr.Kind.String()
	default:
		apiErr = internalError("analysis run failed", err)
	}
	apiErr.Stage = string(runErr.Stage)
	apiErr.RunID = runErr.RunID
	return apiErr
}

// fromInferenceError maps an Ollama client error.
func fromInferenceError(err error) *APIError {
	var timeout *ollama.TimeoutError
	if errors.As(err, &timeout) {
		return newError(ErrorTypeInferenceTimeout, http.StatusGatewayTimeout, "inference backend timed out", err)
	}
	return newError(ErrorTypeInferenceUnavailable, http.StatusBadGateway, "could not reach inference backend", err)
}

// fromPoolError maps a failure to obtain or wait for a worker slot.
func fromPoolError(err error) *APIError {
	switch {
	case errors.Is(err, worker.ErrClosed):
		return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, "server is shutting down", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, "request ended before the run finished", err)
	default:
		return internalError("analysis run failed", err)
	}
}

// fromStoreError maps a storage read failure.
func fromStoreError(err error, what string) *APIError {
	if errors.Is(err, storage.ErrNotFound) {
		return notFoundError(what + " not found")
	}
	return newError(ErrorTypePersistenceFailed, http.StatusInternalServerError, "could not read "+what, err)
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

func respondWithError(w http.ResponseWriter, r *http.Request, err *APIError) {
	err.RequestID = requestID(r.Context())
	if err.Code >= http.StatusInternalServerError {
		logger.Error("[API] %s %s: %s", r.Method, r.URL.Path, err.Error())
	} else {
		logger.Debug("[API] %s %s: %s", r.Method, r.URL.Path, err.Error())
	}
	respondWithJSON(w, err.Code, errorEnvelope{Error: err})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("[API] failed to write response: %v", err)
	}
}
