package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// ErrorType classifies failures so callers can tell "will retry" from "needs user action"
type ErrorType string

const (
	ErrorTypeTransient       ErrorType = "transient"
	ErrorTypeRejected        ErrorType = "rejected"
	ErrorTypeQueuePersist    ErrorType = "queue_persist"
	ErrorTypeAnalysisSubmit  ErrorType = "analysis_submit"
	ErrorTypeAnalysisFailed  ErrorType = "analysis_failed"
	ErrorTypeAnalysisTimeout ErrorType = "analysis_timeout"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeDatabase        ErrorType = "database"
	ErrorTypeInternal        ErrorType = "internal"
)

// AppError represents an application error with additional context
type AppError struct {
	Type     ErrorType
	Message  string
	Code     string
	Internal error
	Context  map[string]interface{}
	Source   string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the internal error
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Is matches on Type and Code, so predefined errors work as sentinels
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// LogFields returns structured logging fields
func (e *AppError) LogFields() []interface{} {
	fields := []interface{}{
		"error_type", e.Type,
		"error_code", e.Code,
		"error_message", e.Message,
		"source", e.Source,
	}

	if e.Internal != nil {
		fields = append(fields, "internal_error", e.Internal.Error())
	}

	for k, v := range e.Context {
		fields = append(fields, k, v)
	}

	return fields
}

// New creates a new AppError
func New(errorType ErrorType, code, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Source:  fmt.Sprintf("%s:%d", file, line),
		Context: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error into AppError
func Wrap(err error, errorType ErrorType, code, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Type:     errorType,
		Code:     code,
		Message:  message,
		Internal: err,
		Source:   fmt.Sprintf("%s:%d", file, line),
		Context:  make(map[string]interface{}),
	}
}

// TypeOf returns the ErrorType of the first AppError in the chain.
// Context cancellation and deadlines count as transient.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTransient
	}
	return ErrorTypeInternal
}

// Retryable reports whether the engine will retry the failure on its own
func Retryable(err error) bool {
	return TypeOf(err) == ErrorTypeTransient
}

// NeedsUserAction reports whether the failure must be surfaced for a manual decision
func NeedsUserAction(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeRejected, ErrorTypeQueuePersist, ErrorTypeAnalysisSubmit,
		ErrorTypeAnalysisFailed, ErrorTypeValidation:
		return true
	}
	return false
}

// Handler provides error handling strategies
type Handler struct {
	logger *slog.Logger
}

// NewHandler creates a new error handler
func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle logs an error at a level chosen by its type
func (h *Handler) Handle(ctx context.Context, err error) {
	if err == nil {
		return
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		h.logger.ErrorContext(ctx, "Unhandled error", "error", err.Error())
		return
	}

	switch appErr.Type {
	case ErrorTypeTransient, ErrorTypeAnalysisTimeout:
		h.logger.InfoContext(ctx, "Transient error", appErr.LogFields()...)
	case ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeRejected, ErrorTypeAnalysisFailed:
		h.logger.WarnContext(ctx, "Request error", appErr.LogFields()...)
	default:
		h.logger.ErrorContext(ctx, "Critical error", appErr.LogFields()...)
	}
}

// Predefined errors
var (
	ErrQueuePersistFailed = New(ErrorTypeQueuePersist, "QUEUE_PERSIST_FAILED", "Offline queue could not persist operation")
	ErrNotFound           = New(ErrorTypeNotFound, "NOT_FOUND", "Record not found")
	ErrOffline            = New(ErrorTypeTransient, "OFFLINE", "Remote service unreachable")
	ErrAnalysisTimeout    = New(ErrorTypeAnalysisTimeout, "ANALYSIS_TIMEOUT", "Analysis did not finish in time, check back later")
)

func NewTransientError(err error, operation string) *AppError {
	return Wrap(err, ErrorTypeTransient, "TRANSIENT", fmt.Sprintf("%s failed, will retry", operation)).
		WithContext("operation", operation)
}

func NewRejectedError(reason string) *AppError {
	return New(ErrorTypeRejected, "REJECTED", reason)
}

func NewQueuePersistError(err error) *AppError {
	return Wrap(err, ErrorTypeQueuePersist, "QUEUE_PERSIST_FAILED", "Offline queue could not persist operation")
}

func NewAnalysisSubmitError(err error) *AppError {
	return Wrap(err, ErrorTypeAnalysisSubmit, "ANALYSIS_SUBMIT", "Analysis request was not accepted")
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, "VALIDATION", message)
}

func NewNotFoundError(kind, id string) *AppError {
	return New(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s %s not found", kind, id)).
		WithContext("id", id)
}

func NewDatabaseError(err error) *AppError {
	return Wrap(err, ErrorTypeDatabase, "DB_ERROR", "Database operation failed")
}

func NewInternalError(err error) *AppError {
	return Wrap(err, ErrorTypeInternal, "INTERNAL", "Internal error")
}
